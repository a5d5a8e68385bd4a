package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/auth/mfa"
	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/ratelimit"
	"github.com/certivault/certivault/internal/security"
	"github.com/certivault/certivault/pkg/crypto"
	"github.com/certivault/certivault/pkg/metrics"
)

var (
	// ErrInvalidCredentials is returned when the supplied email/password pair
	// is invalid. Unknown accounts and wrong passwords are indistinguishable.
	ErrInvalidCredentials = errors.New("verifier: invalid credentials")
	// ErrAccountLocked signals that the user has exceeded the permitted failed attempts.
	ErrAccountLocked = errors.New("verifier: account locked")
	// ErrAccountDisabled signals that the user has been deactivated.
	ErrAccountDisabled = errors.New("verifier: account disabled")
	// ErrSecondFactorInvalid marks a second-factor code that did not verify.
	ErrSecondFactorInvalid = errors.New("verifier: invalid second factor")
	// ErrSecondFactorNotEnabled guards second-factor verification for users
	// without an active credential.
	ErrSecondFactorNotEnabled = errors.New("verifier: second factor not enabled")
	// ErrTooManyAttempts is returned when a rate-limit window is exhausted.
	ErrTooManyAttempts = errors.New("verifier: too many attempts")
)

// VerifyStatus is the terminal state of a verification step.
type VerifyStatus string

const (
	// StatusAuthenticated means the credential chain is complete.
	StatusAuthenticated VerifyStatus = "authenticated"
	// StatusSecondFactorRequired means the password verified but a second
	// factor is still outstanding.
	StatusSecondFactorRequired VerifyStatus = "second_factor_required"
)

// Outcome reports the result of a successful verification step.
type Outcome struct {
	Status VerifyStatus
	User   *models.User

	// UsedBackupCode is set when the second factor was satisfied by a
	// recovery code instead of a TOTP code.
	UsedBackupCode       bool
	RemainingBackupCodes int
}

// PasswordInput carries a password verification attempt.
type PasswordInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string

	// DeviceFingerprint, when it names a trusted device of the account,
	// stands in for the second factor.
	DeviceFingerprint string
}

// SecondFactorInput carries a second-factor verification attempt.
type SecondFactorInput struct {
	UserID    string
	Code      string
	IPAddress string
	UserAgent string
}

// VerifierConfig defines tunable behaviour for the Verifier.
type VerifierConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	Clock            func() time.Time
	Audit            security.Recorder
}

// Verifier walks a login through its credential chain: password first, then
// the second factor when the account has one. Every attempt is rate limited
// and audited; failures reveal nothing about which part was wrong.
type Verifier struct {
	db        *gorm.DB
	mfa       *mfa.Service
	limiter   *ratelimit.Limiter
	audit     security.Recorder
	threshold int
	duration  time.Duration
	now       func() time.Time
}

// NewVerifier builds a verifier with sane lockout defaults.
func NewVerifier(db *gorm.DB, mfaService *mfa.Service, limiter *ratelimit.Limiter, cfg VerifierConfig) (*Verifier, error) {
	if db == nil {
		return nil, errors.New("verifier: db is required")
	}
	if mfaService == nil {
		return nil, errors.New("verifier: mfa service is required")
	}
	if limiter == nil {
		return nil, errors.New("verifier: rate limiter is required")
	}

	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = 5
	}

	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &Verifier{
		db:        db,
		mfa:       mfaService,
		limiter:   limiter,
		audit:     cfg.Audit,
		threshold: threshold,
		duration:  duration,
		now:       clock,
	}, nil
}

// VerifyPassword checks the email/password pair. On success the outcome is
// either Authenticated or SecondFactorRequired depending on the account's
// two-factor state.
func (v *Verifier) VerifyPassword(ctx context.Context, input PasswordInput) (*Outcome, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))

	if email == "" || input.Password == "" {
		return nil, ErrInvalidCredentials
	}

	// The HTTP edge already charges the caller's IP window for this
	// resource; charging it here again would halve the budget.
	if err := v.consume(ctx, email, models.IdentifierEmail, ratelimit.ResourceAuth, ratelimit.ActionLogin); err != nil {
		return nil, err
	}

	var user models.User
	err := v.db.Where("LOWER(email) = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		v.auditLogin(security.Entry{
			ActorEmail: email,
			IPAddress:  input.IPAddress,
			UserAgent:  input.UserAgent,
			Metadata:   map[string]any{"reason": "unknown_account"},
		}, false)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("verifier: query user: %w", err)
	}

	now := v.now()

	if !user.IsActive {
		v.auditFailure(&user, input.IPAddress, input.UserAgent, "account_disabled")
		return nil, ErrAccountDisabled
	}

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		v.auditFailure(&user, input.IPAddress, input.UserAgent, "account_locked")
		metrics.AuthAttempts.WithLabelValues("locked").Inc()
		return nil, ErrAccountLocked
	}

	// Clear a lapsed lockout before counting this attempt.
	if user.LockedUntil != nil && !user.LockedUntil.After(now) {
		user.LockedUntil = nil
		user.FailedAttempts = 0
		if err := v.db.Model(&user).Updates(map[string]any{
			"locked_until":    nil,
			"failed_attempts": 0,
		}).Error; err != nil {
			return nil, fmt.Errorf("verifier: reset lock state: %w", err)
		}
	}

	if !crypto.VerifyPassword(user.Password, input.Password) {
		return nil, v.handleFailedPassword(&user, input, now)
	}

	updates := map[string]any{
		"failed_attempts": 0,
		"locked_until":    nil,
		"last_login_at":   now,
		"last_login_ip":   strings.TrimSpace(input.IPAddress),
	}
	if err := v.db.Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("verifier: update user: %w", err)
	}
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = strings.TrimSpace(input.IPAddress)

	// A successful password ends the failure window for this account.
	_ = v.limiter.Reset(ctx, email, models.IdentifierEmail, ratelimit.ResourceAuth, ratelimit.ActionLogin)

	if user.TwoFactorEnabled {
		if !v.trustedDevice(user.ID, input.DeviceFingerprint) {
			return &Outcome{Status: StatusSecondFactorRequired, User: &user}, nil
		}

		v.auditLogin(security.Entry{
			ActorID:    user.ID,
			ActorEmail: user.Email,
			IPAddress:  input.IPAddress,
			UserAgent:  input.UserAgent,
			Metadata:   map[string]any{"method": "trusted_device"},
		}, true)
		metrics.AuthAttempts.WithLabelValues("success").Inc()
		return &Outcome{Status: StatusAuthenticated, User: &user}, nil
	}

	v.auditLogin(security.Entry{
		ActorID:    user.ID,
		ActorEmail: user.Email,
		IPAddress:  input.IPAddress,
		UserAgent:  input.UserAgent,
	}, true)
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	return &Outcome{Status: StatusAuthenticated, User: &user}, nil
}

// trustedDevice reports whether the fingerprint names a trusted, unrevoked
// device of the account. Any lookup error falls back to requiring the
// second factor.
func (v *Verifier) trustedDevice(userID, fingerprint string) bool {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false
	}

	var count int64
	err := v.db.Model(&models.Device{}).
		Where("user_id = ? AND fingerprint = ? AND is_trusted = ? AND is_revoked = ?",
			userID, fingerprint, true, false).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

// VerifySecondFactor checks a TOTP code first and falls back to the user's
// backup codes. Completing it authenticates the login.
func (v *Verifier) VerifySecondFactor(ctx context.Context, input SecondFactorInput) (*Outcome, error) {
	userID := strings.TrimSpace(input.UserID)
	code := strings.TrimSpace(input.Code)
	if userID == "" || code == "" {
		return nil, ErrSecondFactorInvalid
	}

	if err := v.consume(ctx, userID, models.IdentifierUser, ratelimit.ResourceMFA, ratelimit.ActionSecondFactor); err != nil {
		return nil, err
	}

	var user models.User
	if err := v.db.Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSecondFactorInvalid
		}
		return nil, fmt.Errorf("verifier: query user: %w", err)
	}

	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	if !user.TwoFactorEnabled {
		return nil, ErrSecondFactorNotEnabled
	}

	ok, err := v.mfa.VerifyTOTP(userID, code)
	if err != nil && !errors.Is(err, mfa.ErrNotEnabled) && !errors.Is(err, mfa.ErrCredentialNotFound) {
		return nil, fmt.Errorf("verifier: verify totp: %w", err)
	}
	if ok {
		_ = v.limiter.Reset(ctx, userID, models.IdentifierUser, ratelimit.ResourceMFA, ratelimit.ActionSecondFactor)
		v.auditSecondFactor(&user, input, true, map[string]any{"method": "totp"})
		metrics.AuthAttempts.WithLabelValues("success").Inc()
		return &Outcome{Status: StatusAuthenticated, User: &user}, nil
	}

	result, err := v.mfa.ConsumeBackupCode(userID, code)
	if err != nil {
		return nil, fmt.Errorf("verifier: consume backup code: %w", err)
	}

	switch result {
	case mfa.BackupCodeConsumed:
		remaining, err := v.mfa.RemainingBackupCodes(userID)
		if err != nil {
			return nil, fmt.Errorf("verifier: count backup codes: %w", err)
		}

		_ = v.limiter.Reset(ctx, userID, models.IdentifierUser, ratelimit.ResourceMFA, ratelimit.ActionSecondFactor)
		v.auditSecondFactor(&user, input, true, map[string]any{
			"method":    "backup_code",
			"remaining": remaining,
		})
		v.record(security.Entry{
			EventType:    security.EventBackupCodeUsed,
			Severity:     models.SeverityWarning,
			ActorID:      user.ID,
			ActorEmail:   user.Email,
			IPAddress:    input.IPAddress,
			UserAgent:    input.UserAgent,
			IsSuccessful: true,
			Metadata:     map[string]any{"remaining": remaining},
		})
		metrics.AuthAttempts.WithLabelValues("success").Inc()

		return &Outcome{
			Status:               StatusAuthenticated,
			User:                 &user,
			UsedBackupCode:       true,
			RemainingBackupCodes: remaining,
		}, nil

	case mfa.BackupCodeAlreadyUsed:
		v.auditSecondFactor(&user, input, false, map[string]any{"reason": "backup_code_replay"})
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrSecondFactorInvalid

	default:
		v.auditSecondFactor(&user, input, false, map[string]any{"reason": "code_mismatch"})
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, ErrSecondFactorInvalid
	}
}

func (v *Verifier) handleFailedPassword(user *models.User, input PasswordInput, now time.Time) error {
	user.FailedAttempts++

	updates := map[string]any{
		"failed_attempts": user.FailedAttempts,
	}

	locked := false
	if user.FailedAttempts >= v.threshold {
		lockUntil := now.Add(v.duration)
		user.LockedUntil = &lockUntil
		updates["locked_until"] = lockUntil
		locked = true
	}

	if err := v.db.Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("verifier: update failed attempts: %w", err)
	}

	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	v.auditFailure(user, input.IPAddress, input.UserAgent, "bad_password")

	if locked {
		v.record(security.Entry{
			EventType:    security.EventAccountLocked,
			Severity:     models.SeverityWarning,
			ActorID:      user.ID,
			ActorEmail:   user.Email,
			IPAddress:    input.IPAddress,
			UserAgent:    input.UserAgent,
			IsSuccessful: false,
			Metadata:     map[string]any{"failed_attempts": user.FailedAttempts},
		})
		return ErrAccountLocked
	}

	return ErrInvalidCredentials
}

func (v *Verifier) consume(ctx context.Context, identifier string, idType models.IdentifierType, resource, action string) error {
	decision, err := v.limiter.Check(ctx, identifier, idType, resource, action)
	if err != nil {
		return fmt.Errorf("verifier: rate limit: %w", err)
	}
	if !decision.Allowed {
		metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
		v.record(security.Entry{
			EventType:    security.EventRateLimited,
			Severity:     models.SeverityWarning,
			IsSuccessful: false,
			Metadata: map[string]any{
				"identifier_type": string(idType),
				"resource":        resource,
				"action":          action,
				"reset_at":        decision.ResetAt,
			},
		})
		return ErrTooManyAttempts
	}
	return nil
}

func (v *Verifier) auditLogin(entry security.Entry, success bool) {
	entry.IsSuccessful = success
	if success {
		entry.EventType = security.EventLoginSuccess
		entry.Severity = models.SeverityInfo
	} else {
		entry.EventType = security.EventLoginFailure
		entry.Severity = models.SeverityWarning
	}
	v.record(entry)
}

func (v *Verifier) auditFailure(user *models.User, ip, agent, reason string) {
	v.auditLogin(security.Entry{
		ActorID:    user.ID,
		ActorEmail: user.Email,
		IPAddress:  ip,
		UserAgent:  agent,
		Metadata:   map[string]any{"reason": reason},
	}, false)
}

func (v *Verifier) auditSecondFactor(user *models.User, input SecondFactorInput, success bool, meta map[string]any) {
	eventType := security.EventSecondFactorFailure
	severity := models.SeverityWarning
	if success {
		eventType = security.EventSecondFactorSuccess
		severity = models.SeverityInfo
	}
	v.record(security.Entry{
		EventType:    eventType,
		Severity:     severity,
		ActorID:      user.ID,
		ActorEmail:   user.Email,
		IPAddress:    input.IPAddress,
		UserAgent:    input.UserAgent,
		IsSuccessful: success,
		Metadata:     meta,
	})
}

func (v *Verifier) record(entry security.Entry) {
	if v.audit == nil {
		return
	}
	v.audit.Record(context.Background(), entry)
}
