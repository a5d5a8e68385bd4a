package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/security"
	"github.com/certivault/certivault/pkg/crypto"
	"github.com/certivault/certivault/pkg/metrics"
)

const (
	// DefaultSessionTTL is the fallback absolute session lifetime.
	DefaultSessionTTL = 30 * 24 * time.Hour
	// DefaultRefreshTokenTTL is the fallback lifetime of a single refresh token.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// sessionPurgeAfter is how long terminal sessions are kept before the
	// maintenance sweep deletes them together with their token lineage.
	sessionPurgeAfter = 30 * 24 * time.Hour

	// Revocation reasons recorded on refresh tokens.
	revokeReasonRotated = "rotated"
	revokeReasonReuse   = "reuse_detected"
	revokeReasonLogout  = "logout"
	revokeReasonUser    = "user_revoked"
	revokeReasonDevice  = "device_revoked"
)

var (
	// ErrSessionNotFound indicates that no session matches the provided token or identifier.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionRevoked marks a session that has been revoked by the user or administrators.
	ErrSessionRevoked = errors.New("session: revoked")
	// ErrSessionExpired signals that a session or refresh token has reached its expiry.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionInvalidToken is returned when the supplied refresh token is malformed.
	ErrSessionInvalidToken = errors.New("session: invalid token")
	// ErrTokenReuse fires when an already-redeemed refresh token is presented
	// again. By the time the caller sees it the whole lineage is revoked.
	ErrTokenReuse = errors.New("session: refresh token reuse detected")
	// ErrDeviceRevoked blocks refresh attempts bound to a revoked device.
	ErrDeviceRevoked = errors.New("session: device revoked")
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	SessionTTL      time.Duration
	RefreshTokenTTL time.Duration
	RefreshLength   int
	Clock           func() time.Time
	Audit           security.Recorder
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	TenantID  string
	DeviceID  *string
	IPAddress string
	UserAgent string
}

// TokenPair represents an access token and refresh token pair. RefreshToken
// is the only place the raw refresh value ever exists; storage keeps hashes.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SessionService manages creation, rotation, and revocation of user sessions.
// Each session owns a lineage of single-use refresh tokens: redeeming one
// revokes it and mints its successor.
type SessionService struct {
	db         *gorm.DB
	jwt        *JWTService
	audit      security.Recorder
	sessionTTL time.Duration
	refreshTTL time.Duration
	tokenLen   int
	now        func() time.Time
}

// NewSessionService constructs a session manager backed by the provided database and JWT service.
func NewSessionService(db *gorm.DB, jwtService *JWTService, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("session service: jwt service is required")
	}

	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	length := cfg.RefreshLength
	if length <= 0 {
		length = 48
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		jwt:        jwtService,
		audit:      cfg.Audit,
		sessionTTL: sessionTTL,
		refreshTTL: refreshTTL,
		tokenLen:   length,
		now:        clock,
	}, nil
}

// CreateSession establishes a new session for a fully authenticated user and
// issues the first token pair of its lineage.
func (s *SessionService) CreateSession(userID string, meta SessionMetadata) (TokenPair, *models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return TokenPair{}, nil, errors.New("session service: user id is required")
	}

	rawToken, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	now := s.now()

	session := &models.Session{
		UserID:     userID,
		TenantID:   strings.TrimSpace(meta.TenantID),
		DeviceID:   meta.DeviceID,
		IPAddress:  strings.TrimSpace(meta.IPAddress),
		UserAgent:  strings.TrimSpace(meta.UserAgent),
		ExpiresAt:  now.Add(s.sessionTTL),
		LastUsedAt: now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("session service: create session: %w", err)
		}

		token := &models.RefreshToken{
			SessionID: session.ID,
			UserID:    userID,
			DeviceID:  meta.DeviceID,
			TokenHash: crypto.HashToken(rawToken),
			ExpiresAt: s.refreshExpiry(now, session.ExpiresAt),
		}
		if err := tx.Create(token).Error; err != nil {
			return fmt.Errorf("session service: create refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return TokenPair{}, nil, err
	}

	metrics.ActiveSessions.Inc()

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    userID,
		TenantID:  session.TenantID,
		SessionID: session.ID,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate access token: %w", err)
	}

	s.record(security.Entry{
		EventType:    security.EventSessionCreated,
		ActorID:      userID,
		TargetID:     session.ID,
		TargetType:   "session",
		IPAddress:    session.IPAddress,
		UserAgent:    session.UserAgent,
		IsSuccessful: true,
	})

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawToken,
		ExpiresAt:    session.ExpiresAt,
	}, session, nil
}

// RefreshSession redeems a refresh token: the presented token is revoked and
// a successor is minted in the same transaction. Presenting a token that was
// already redeemed revokes the whole session, on the assumption that either
// the client or an attacker holds a stolen copy.
func (s *SessionService) RefreshSession(refreshToken string, meta SessionMetadata) (TokenPair, *models.Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, nil, ErrSessionInvalidToken
	}

	var token models.RefreshToken
	err := s.db.Where("token_hash = ?", crypto.HashToken(refreshToken)).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenPair{}, nil, ErrSessionNotFound
	}
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: find refresh token: %w", err)
	}

	var session models.Session
	if err := s.db.Take(&session, "id = ?", token.SessionID).Error; err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: find session: %w", err)
	}

	now := s.now()

	if token.IsRevoked {
		return TokenPair{}, nil, s.handleReuse(&token, &session, meta)
	}

	switch session.Status {
	case models.SessionRevoked:
		return TokenPair{}, nil, ErrSessionRevoked
	case models.SessionExpired:
		return TokenPair{}, nil, ErrSessionExpired
	}

	if session.ExpiresAt.Before(now) {
		// Lazy expiry: flip the status on first touch past the deadline.
		if err := s.expireSession(&session); err != nil {
			return TokenPair{}, nil, err
		}
		return TokenPair{}, nil, ErrSessionExpired
	}

	if token.ExpiresAt.Before(now) {
		return TokenPair{}, nil, ErrSessionExpired
	}

	if token.DeviceID != nil {
		var device models.Device
		if err := s.db.Take(&device, "id = ?", *token.DeviceID).Error; err == nil && device.IsRevoked {
			return TokenPair{}, nil, ErrDeviceRevoked
		}
	}

	rawToken, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	var won bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// Compare-and-revoke: only one concurrent redemption of the same
		// token can flip is_revoked. The loser falls through to the reuse path.
		result := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND is_revoked = ?", token.ID, false).
			Updates(map[string]any{
				"is_revoked":    true,
				"revoke_reason": revokeReasonRotated,
				"use_count":     gorm.Expr("use_count + 1"),
				"last_used_at":  &now,
			})
		if result.Error != nil {
			return fmt.Errorf("session service: revoke refresh token: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		won = true

		successor := &models.RefreshToken{
			SessionID: session.ID,
			UserID:    token.UserID,
			DeviceID:  token.DeviceID,
			TokenHash: crypto.HashToken(rawToken),
			ExpiresAt: s.refreshExpiry(now, session.ExpiresAt),
		}
		if err := tx.Create(successor).Error; err != nil {
			return fmt.Errorf("session service: create refresh token: %w", err)
		}

		return tx.Model(&models.Session{}).
			Where("id = ?", session.ID).
			Update("last_used_at", now).Error
	})
	if err != nil {
		return TokenPair{}, nil, err
	}

	if !won {
		return TokenPair{}, nil, s.handleReuse(&token, &session, meta)
	}

	session.LastUsedAt = now

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    session.UserID,
		TenantID:  session.TenantID,
		SessionID: session.ID,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate access token: %w", err)
	}

	s.record(security.Entry{
		EventType:    security.EventTokenRefreshed,
		ActorID:      session.UserID,
		TargetID:     session.ID,
		TargetType:   "session",
		IPAddress:    strings.TrimSpace(meta.IPAddress),
		UserAgent:    strings.TrimSpace(meta.UserAgent),
		IsSuccessful: true,
	})

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawToken,
		ExpiresAt:    session.ExpiresAt,
	}, &session, nil
}

// handleReuse revokes the entire token lineage and the owning session.
func (s *SessionService) handleReuse(token *models.RefreshToken, session *models.Session, meta SessionMetadata) error {
	now := s.now()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RefreshToken{}).
			Where("session_id = ? AND is_revoked = ?", session.ID, false).
			Updates(map[string]any{
				"is_revoked":    true,
				"revoke_reason": revokeReasonReuse,
			}).Error; err != nil {
			return fmt.Errorf("session service: revoke lineage: %w", err)
		}

		result := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", session.ID, models.SessionActive).
			Updates(map[string]any{
				"status":     models.SessionRevoked,
				"revoked_at": &now,
			})
		if result.Error != nil {
			return fmt.Errorf("session service: revoke session: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			metrics.ActiveSessions.Sub(float64(result.RowsAffected))
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TokenReuse.Inc()

	s.record(security.Entry{
		EventType:    security.EventTokenReuseDetected,
		Severity:     models.SeverityCritical,
		ActorID:      session.UserID,
		TargetID:     session.ID,
		TargetType:   "session",
		IPAddress:    strings.TrimSpace(meta.IPAddress),
		UserAgent:    strings.TrimSpace(meta.UserAgent),
		IsSuccessful: false,
		RiskScore:    90,
		Metadata: map[string]any{
			"token_jti": token.JTI,
			"use_count": token.UseCount,
		},
	})

	return ErrTokenReuse
}

// RevokeSession marks a session as revoked and kills its active tokens.
func (s *SessionService) RevokeSession(sessionID, reason string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionInvalidToken
	}
	if strings.TrimSpace(reason) == "" {
		reason = revokeReasonUser
	}

	now := s.now()

	var revoked int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", sessionID, models.SessionActive).
			Updates(map[string]any{
				"status":     models.SessionRevoked,
				"revoked_at": &now,
			})
		if result.Error != nil {
			return fmt.Errorf("session service: revoke session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		revoked = result.RowsAffected

		return tx.Model(&models.RefreshToken{}).
			Where("session_id = ? AND is_revoked = ?", sessionID, false).
			Updates(map[string]any{
				"is_revoked":    true,
				"revoke_reason": reason,
			}).Error
	})
	if err != nil {
		return err
	}

	metrics.ActiveSessions.Sub(float64(revoked))

	s.record(security.Entry{
		EventType:    security.EventSessionRevoked,
		TargetID:     sessionID,
		TargetType:   "session",
		IsSuccessful: true,
		Metadata:     map[string]any{"reason": reason},
	})

	return nil
}

// Logout revokes the session behind the supplied refresh token. An unknown
// or already-dead token is not an error; logout is idempotent.
func (s *SessionService) Logout(refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}

	var token models.RefreshToken
	err := s.db.Where("token_hash = ?", crypto.HashToken(refreshToken)).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session service: find refresh token: %w", err)
	}

	if err := s.RevokeSession(token.SessionID, revokeReasonLogout); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// RevokeUserSessions revokes every active session belonging to a user.
func (s *SessionService) RevokeUserSessions(userID, reason string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrSessionInvalidToken
	}
	if strings.TrimSpace(reason) == "" {
		reason = revokeReasonUser
	}

	now := s.now()

	var revoked int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Session{}).
			Where("user_id = ? AND status = ?", userID, models.SessionActive).
			Updates(map[string]any{
				"status":     models.SessionRevoked,
				"revoked_at": &now,
			})
		if result.Error != nil {
			return fmt.Errorf("session service: revoke sessions: %w", result.Error)
		}
		revoked = result.RowsAffected

		return tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND is_revoked = ?", userID, false).
			Updates(map[string]any{
				"is_revoked":    true,
				"revoke_reason": reason,
			}).Error
	})
	if err != nil {
		return err
	}

	if revoked > 0 {
		metrics.ActiveSessions.Sub(float64(revoked))
	}
	return nil
}

// ListActiveSessions returns a user's sessions that are still redeemable.
func (s *SessionService) ListActiveSessions(userID string) ([]models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrSessionInvalidToken
	}

	var sessions []models.Session
	err := s.db.
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, models.SessionActive, s.now()).
		Order("last_used_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired flips overdue sessions to EXPIRED and purges terminal
// sessions, with their token lineages, past the retention window.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()

	expired := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status = ? AND expires_at < ?", models.SessionActive, now).
		Update("status", models.SessionExpired)
	if expired.Error != nil {
		return 0, fmt.Errorf("session service: expire sessions: %w", expired.Error)
	}
	if expired.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(expired.RowsAffected))
	}

	cutoff := now.Add(-sessionPurgeAfter)

	var stale []string
	if err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status <> ? AND expires_at < ?", models.SessionActive, cutoff).
		Pluck("id", &stale).Error; err != nil {
		return expired.RowsAffected, fmt.Errorf("session service: find stale sessions: %w", err)
	}

	if len(stale) == 0 {
		return expired.RowsAffected, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", stale).Delete(&models.RefreshToken{}).Error; err != nil {
			return fmt.Errorf("session service: purge refresh tokens: %w", err)
		}
		return tx.Where("id IN ?", stale).Delete(&models.Session{}).Error
	})
	if err != nil {
		return expired.RowsAffected, err
	}

	return expired.RowsAffected + int64(len(stale)), nil
}

func (s *SessionService) expireSession(session *models.Session) error {
	result := s.db.Model(&models.Session{}).
		Where("id = ? AND status = ?", session.ID, models.SessionActive).
		Update("status", models.SessionExpired)
	if result.Error != nil {
		return fmt.Errorf("session service: expire session: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	session.Status = models.SessionExpired
	return nil
}

func (s *SessionService) refreshExpiry(now, sessionDeadline time.Time) time.Time {
	expiry := now.Add(s.refreshTTL)
	if expiry.After(sessionDeadline) {
		return sessionDeadline
	}
	return expiry
}

func (s *SessionService) record(entry security.Entry) {
	if s.audit == nil {
		return
	}
	s.audit.Record(context.Background(), entry)
}
