package mfa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/pkg/crypto"
)

const (
	defaultIssuer          = "CertiVault"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256

	// consumeRetries bounds optimistic-lock retries when two requests race on
	// the same credential's backup codes.
	consumeRetries = 3
)

var (
	// ErrCredentialNotFound indicates the user has no two-factor credential.
	ErrCredentialNotFound = errors.New("mfa: credential not found")
	// ErrAlreadyEnabled is returned when enrollment is attempted over an
	// active credential; the secret is write-once after activation.
	ErrAlreadyEnabled = errors.New("mfa: two-factor already enabled")
	// ErrNotEnabled marks operations that require an activated credential.
	ErrNotEnabled = errors.New("mfa: two-factor not enabled")
	// ErrConcurrentUpdate is returned when the optimistic version check on
	// the backup-code sets keeps losing.
	ErrConcurrentUpdate = errors.New("mfa: concurrent credential update")
	// ErrInvalidCode marks a TOTP code that did not verify.
	ErrInvalidCode = errors.New("mfa: invalid code")
)

// Option allows customising the two-factor service.
type Option func(*Service)

// WithIssuer overrides the default issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithBackupCodeCount overrides the number of backup codes issued per enrollment.
func WithBackupCodeCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.backupCodes = count
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Service manages two-factor credentials: TOTP secrets, backup codes, and
// provisioning payloads. Secrets are stored AES-GCM encrypted.
type Service struct {
	db            *gorm.DB
	encryptionKey []byte

	issuer      string
	backupCodes int
	qrCodeSize  int
	now         func() time.Time
}

// NewService constructs a two-factor service backed by the provided database.
func NewService(db *gorm.DB, encryptionKey []byte, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if len(encryptionKey) == 0 {
		return nil, errors.New("mfa: encryption key is required")
	}

	service := &Service{
		db:            db,
		encryptionKey: encryptionKey,
		issuer:        defaultIssuer,
		backupCodes:   defaultBackupCodeCount,
		qrCodeSize:    defaultQRCodeSize,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Enrollment carries the artifacts handed to the user exactly once at
// enrollment time.
type Enrollment struct {
	Secret      string
	OtpauthURL  string
	BackupCodes []string
}

// StartEnrollment provisions a new secret and backup codes for a user. The
// credential stays disabled until Activate confirms the user's authenticator
// produces valid codes. Restarting enrollment before activation replaces the
// pending secret; an active credential cannot be re-enrolled.
func (s *Service) StartEnrollment(userID, email string) (*Enrollment, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" || email == "" {
		return nil, errors.New("mfa: user id and email are required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate key: %w", err)
	}

	// A malformed secret must surface here, never at verification time.
	if _, err := DecodeBase32(key.Secret()); err != nil {
		return nil, fmt.Errorf("mfa: generated secret failed validation: %w", err)
	}

	plainCodes, hashedCodes, err := s.mintBackupCodes()
	if err != nil {
		return nil, err
	}

	encryptedSecret, err := crypto.Encrypt([]byte(key.Secret()), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt secret: %w", err)
	}

	unused, err := json.Marshal(hashedCodes)
	if err != nil {
		return nil, fmt.Errorf("mfa: marshal backup codes: %w", err)
	}
	empty, _ := json.Marshal([]string{})

	var credential models.TwoFactorCredential
	err = s.db.Where("user_id = ?", userID).First(&credential).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		credential = models.TwoFactorCredential{
			UserID:          userID,
			Secret:          encryptedSecret,
			BackupCodes:     unused,
			UsedBackupCodes: empty,
		}
		if err := s.db.Create(&credential).Error; err != nil {
			return nil, fmt.Errorf("mfa: create credential: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("mfa: load credential: %w", err)
	case credential.IsEnabled:
		return nil, ErrAlreadyEnabled
	default:
		updates := map[string]any{
			"secret":            encryptedSecret,
			"backup_codes":      unused,
			"used_backup_codes": empty,
			"last_used_step":    0,
			"last_used_at":      nil,
			"version":           gorm.Expr("version + 1"),
		}
		if err := s.db.Model(&credential).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("mfa: update credential: %w", err)
		}
	}

	return &Enrollment{
		Secret:      key.Secret(),
		OtpauthURL:  key.URL(),
		BackupCodes: plainCodes,
	}, nil
}

// Activate verifies a code from the user's authenticator and enables the
// credential. The secret becomes write-once from this point.
func (s *Service) Activate(userID, code string) error {
	credential, err := s.loadCredential(userID)
	if err != nil {
		return err
	}
	if credential.IsEnabled {
		return ErrAlreadyEnabled
	}

	ok, step, err := s.verifyAgainstCredential(credential, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	now := s.now()
	updates := map[string]any{
		"is_enabled":     true,
		"last_used_step": step,
		"last_used_at":   &now,
	}
	if err := s.db.Model(credential).Updates(updates).Error; err != nil {
		return fmt.Errorf("mfa: enable credential: %w", err)
	}

	return s.db.Model(&models.User{}).
		Where("id = ?", userID).
		Update("two_factor_enabled", true).Error
}

// VerifyTOTP checks a submitted code against the stored secret, rejecting
// replays of an already-consumed time step. Returns false for bad codes,
// an error only for operational failures.
func (s *Service) VerifyTOTP(userID, code string) (bool, error) {
	credential, err := s.loadCredential(userID)
	if err != nil {
		return false, err
	}
	if !credential.IsEnabled {
		return false, ErrNotEnabled
	}

	ok, step, err := s.verifyAgainstCredential(credential, code)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	now := s.now()

	// Conditional update doubles as the replay gate: a step at or before the
	// recorded one loses here even if the code itself matched.
	result := s.db.Model(&models.TwoFactorCredential{}).
		Where("id = ? AND last_used_step < ?", credential.ID, step).
		Updates(map[string]any{
			"last_used_step": step,
			"last_used_at":   &now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("mfa: record used step: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ConsumeBackupCode validates a recovery code and moves it to the used set.
// A spent code reports BackupCodeAlreadyUsed, never a second success.
func (s *Service) ConsumeBackupCode(userID, code string) (ConsumeResult, error) {
	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return BackupCodeNotFound, nil
	}

	for attempt := 0; attempt < consumeRetries; attempt++ {
		credential, err := s.loadCredential(userID)
		if err != nil {
			return BackupCodeNotFound, err
		}
		if !credential.IsEnabled {
			return BackupCodeNotFound, ErrNotEnabled
		}

		unused, used, err := decodeCodeSets(credential)
		if err != nil {
			return BackupCodeNotFound, err
		}

		match := -1
		for i, hash := range unused {
			if crypto.VerifyPassword(hash, normalized) {
				match = i
				break
			}
		}

		if match < 0 {
			for _, hash := range used {
				if crypto.VerifyPassword(hash, normalized) {
					return BackupCodeAlreadyUsed, nil
				}
			}
			return BackupCodeNotFound, nil
		}

		used = append(used, unused[match])
		unused = append(unused[:match], unused[match+1:]...)

		unusedJSON, err := json.Marshal(unused)
		if err != nil {
			return BackupCodeNotFound, fmt.Errorf("mfa: marshal backup codes: %w", err)
		}
		usedJSON, err := json.Marshal(used)
		if err != nil {
			return BackupCodeNotFound, fmt.Errorf("mfa: marshal used codes: %w", err)
		}

		now := s.now()
		result := s.db.Model(&models.TwoFactorCredential{}).
			Where("id = ? AND version = ?", credential.ID, credential.Version).
			Updates(map[string]any{
				"backup_codes":      unusedJSON,
				"used_backup_codes": usedJSON,
				"last_used_at":      &now,
				"version":           credential.Version + 1,
			})
		if result.Error != nil {
			return BackupCodeNotFound, fmt.Errorf("mfa: consume backup code: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return BackupCodeConsumed, nil
		}
		// Lost the version race; reload and retry.
	}

	return BackupCodeNotFound, ErrConcurrentUpdate
}

// RegenerateBackupCodes replaces the entire prior issue, spent codes
// included, with a fresh set.
func (s *Service) RegenerateBackupCodes(userID string) ([]string, error) {
	credential, err := s.loadCredential(userID)
	if err != nil {
		return nil, err
	}
	if !credential.IsEnabled {
		return nil, ErrNotEnabled
	}

	plainCodes, hashedCodes, err := s.mintBackupCodes()
	if err != nil {
		return nil, err
	}

	unused, err := json.Marshal(hashedCodes)
	if err != nil {
		return nil, fmt.Errorf("mfa: marshal backup codes: %w", err)
	}
	empty, _ := json.Marshal([]string{})

	if err := s.db.Model(credential).Updates(map[string]any{
		"backup_codes":      unused,
		"used_backup_codes": empty,
		"version":           gorm.Expr("version + 1"),
	}).Error; err != nil {
		return nil, fmt.Errorf("mfa: regenerate backup codes: %w", err)
	}

	return plainCodes, nil
}

// RemainingBackupCodes returns the number of unused backup codes.
func (s *Service) RemainingBackupCodes(userID string) (int, error) {
	credential, err := s.loadCredential(userID)
	if err != nil {
		return 0, err
	}

	unused, _, err := decodeCodeSets(credential)
	if err != nil {
		return 0, err
	}
	return len(unused), nil
}

// Disable turns the credential off without deleting it. The row survives for
// audit purposes and can only be replaced through a fresh enrollment.
func (s *Service) Disable(userID string) error {
	credential, err := s.loadCredential(userID)
	if err != nil {
		return err
	}

	if err := s.db.Model(credential).Update("is_enabled", false).Error; err != nil {
		return fmt.Errorf("mfa: disable credential: %w", err)
	}

	return s.db.Model(&models.User{}).
		Where("id = ?", userID).
		Update("two_factor_enabled", false).Error
}

// IsEnabled reports whether the user has an activated credential.
func (s *Service) IsEnabled(userID string) (bool, error) {
	credential, err := s.loadCredential(userID)
	if errors.Is(err, ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return credential.IsEnabled, nil
}

// ProvisioningURL rebuilds the otpauth URL for a pending credential so the
// client can re-render the QR code during enrollment.
func (s *Service) ProvisioningURL(userID, email string) (string, error) {
	secret, err := s.decryptSecret(userID)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("otpauth://totp/%s:%s?algorithm=SHA1&digits=6&issuer=%s&period=%d&secret=%s",
		s.issuer, strings.TrimSpace(email), s.issuer, totpPeriod, secret), nil
}

// QRCodePNG returns a PNG-encoded QR code of the provisioning URL.
func (s *Service) QRCodePNG(userID, email string) ([]byte, error) {
	url, err := s.ProvisioningURL(userID, email)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(url, qrcode.Medium, s.qrCodeSize)
}

func (s *Service) verifyAgainstCredential(credential *models.TwoFactorCredential, code string) (bool, int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, 0, nil
	}

	secret, err := crypto.Decrypt(credential.Secret, s.encryptionKey)
	if err != nil {
		return false, 0, fmt.Errorf("mfa: decrypt secret: %w", err)
	}

	step, ok, err := matchStep(string(secret), code, s.now())
	if err != nil {
		return false, 0, err
	}
	return ok, step, nil
}

func (s *Service) mintBackupCodes() ([]string, []string, error) {
	plain := make([]string, s.backupCodes)
	hashed := make([]string, s.backupCodes)
	for i := range plain {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		hash, err := crypto.HashPassword(normalizeBackupCode(code))
		if err != nil {
			return nil, nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		plain[i] = code
		hashed[i] = hash
	}
	return plain, hashed, nil
}

func (s *Service) decryptSecret(userID string) (string, error) {
	credential, err := s.loadCredential(userID)
	if err != nil {
		return "", err
	}

	secret, err := crypto.Decrypt(credential.Secret, s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("mfa: decrypt secret: %w", err)
	}
	return string(secret), nil
}

func (s *Service) loadCredential(userID string) (*models.TwoFactorCredential, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("mfa: user id is required")
	}

	var credential models.TwoFactorCredential
	if err := s.db.Where("user_id = ?", userID).First(&credential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("mfa: load credential: %w", err)
	}

	return &credential, nil
}

func decodeCodeSets(credential *models.TwoFactorCredential) (unused []string, used []string, err error) {
	if len(credential.BackupCodes) > 0 {
		if err := json.Unmarshal(credential.BackupCodes, &unused); err != nil {
			return nil, nil, fmt.Errorf("mfa: unmarshal backup codes: %w", err)
		}
	}
	if len(credential.UsedBackupCodes) > 0 {
		if err := json.Unmarshal(credential.UsedBackupCodes, &used); err != nil {
			return nil, nil, fmt.Errorf("mfa: unmarshal used codes: %w", err)
		}
	}
	return unused, used, nil
}
