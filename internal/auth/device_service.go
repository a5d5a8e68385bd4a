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
)

var (
	// ErrDeviceNotFound indicates no device matches the identifier.
	ErrDeviceNotFound = errors.New("device: not found")
	// ErrDeviceAlreadyRevoked marks revocation of an already-revoked device.
	ErrDeviceAlreadyRevoked = errors.New("device: already revoked")
	// ErrDeviceForbidden guards cross-user device access.
	ErrDeviceForbidden = errors.New("device: does not belong to user")
)

// DeviceInfo is the client signal used to identify a device at login.
type DeviceInfo struct {
	Fingerprint string
	DisplayName string
	UserAgent   string
}

// DeviceConfig describes tunable behaviour for the DeviceService.
type DeviceConfig struct {
	Clock func() time.Time
	Audit security.Recorder
}

// DeviceService maintains the device trust registry. Devices are keyed by
// fingerprint; revocation is terminal and cascades to the device's live
// refresh tokens and sessions.
type DeviceService struct {
	db    *gorm.DB
	audit security.Recorder
	now   func() time.Time
}

// NewDeviceService constructs a device registry backed by the provided database.
func NewDeviceService(db *gorm.DB, cfg DeviceConfig) (*DeviceService, error) {
	if db == nil {
		return nil, errors.New("device service: db is required")
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &DeviceService{
		db:    db,
		audit: cfg.Audit,
		now:   clock,
	}, nil
}

// Identify resolves a fingerprint to a device record, creating one on first
// sight. Known devices get their last-seen timestamp and login count bumped.
// A revoked device is still returned so callers can reject the login.
func (s *DeviceService) Identify(userID string, info DeviceInfo) (*models.Device, error) {
	userID = strings.TrimSpace(userID)
	fingerprint := strings.TrimSpace(info.Fingerprint)
	if userID == "" || fingerprint == "" {
		return nil, errors.New("device service: user id and fingerprint are required")
	}

	now := s.now()

	var device models.Device
	err := s.db.Where("fingerprint = ?", fingerprint).Take(&device).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		device = models.Device{
			UserID:      userID,
			Fingerprint: fingerprint,
			DisplayName: strings.TrimSpace(info.DisplayName),
			UserAgent:   strings.TrimSpace(info.UserAgent),
			LoginCount:  1,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if err := s.db.Create(&device).Error; err != nil {
			return nil, fmt.Errorf("device service: register device: %w", err)
		}

		s.record(security.Entry{
			EventType:    security.EventDeviceRegistered,
			ActorID:      userID,
			TargetID:     device.ID,
			TargetType:   "device",
			UserAgent:    device.UserAgent,
			IsSuccessful: true,
			Metadata:     map[string]any{"fingerprint": fingerprint},
		})
		return &device, nil
	case err != nil:
		return nil, fmt.Errorf("device service: find device: %w", err)
	}

	if device.UserID != userID {
		return nil, ErrDeviceForbidden
	}

	if device.IsRevoked {
		return &device, nil
	}

	updates := map[string]any{
		"last_seen_at": now,
		"login_count":  gorm.Expr("login_count + 1"),
	}
	if agent := strings.TrimSpace(info.UserAgent); agent != "" && agent != device.UserAgent {
		updates["user_agent"] = agent
	}
	if err := s.db.Model(&device).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("device service: touch device: %w", err)
	}

	device.LastSeenAt = now
	device.LoginCount++
	return &device, nil
}

// Trust marks a device as trusted for the owning user.
func (s *DeviceService) Trust(userID, deviceID string) (*models.Device, error) {
	device, err := s.ownedDevice(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if device.IsRevoked {
		return nil, ErrDeviceAlreadyRevoked
	}

	if err := s.db.Model(device).Update("is_trusted", true).Error; err != nil {
		return nil, fmt.Errorf("device service: trust device: %w", err)
	}
	device.IsTrusted = true

	s.record(security.Entry{
		EventType:    security.EventDeviceTrusted,
		ActorID:      userID,
		TargetID:     device.ID,
		TargetType:   "device",
		IsSuccessful: true,
	})

	return device, nil
}

// Revoke permanently bans a device and, in the same transaction, revokes
// every live refresh token and session bound to it. Revocation cannot be
// undone; a compromised device must re-enroll under a new record.
func (s *DeviceService) Revoke(userID, deviceID, revokedBy, reason string) error {
	device, err := s.ownedDevice(userID, deviceID)
	if err != nil {
		return err
	}
	if device.IsRevoked {
		return ErrDeviceAlreadyRevoked
	}

	now := s.now()
	if strings.TrimSpace(reason) == "" {
		reason = revokeReasonDevice
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Device{}).
			Where("id = ? AND is_revoked = ?", device.ID, false).
			Updates(map[string]any{
				"is_revoked":     true,
				"is_trusted":     false,
				"revoked_at":     &now,
				"revoked_by":     strings.TrimSpace(revokedBy),
				"revoked_reason": reason,
			})
		if result.Error != nil {
			return fmt.Errorf("device service: revoke device: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrDeviceAlreadyRevoked
		}

		if err := tx.Model(&models.RefreshToken{}).
			Where("device_id = ? AND is_revoked = ?", device.ID, false).
			Updates(map[string]any{
				"is_revoked":    true,
				"revoke_reason": revokeReasonDevice,
			}).Error; err != nil {
			return fmt.Errorf("device service: revoke device tokens: %w", err)
		}

		return tx.Model(&models.Session{}).
			Where("device_id = ? AND status = ?", device.ID, models.SessionActive).
			Updates(map[string]any{
				"status":     models.SessionRevoked,
				"revoked_at": &now,
			}).Error
	})
	if err != nil {
		return err
	}

	s.record(security.Entry{
		EventType:    security.EventDeviceRevoked,
		Severity:     models.SeverityWarning,
		ActorID:      strings.TrimSpace(revokedBy),
		TargetID:     device.ID,
		TargetType:   "device",
		IsSuccessful: true,
		Metadata:     map[string]any{"reason": reason},
	})

	return nil
}

// ListDevices returns every device registered to a user, revoked included.
func (s *DeviceService) ListDevices(userID string) ([]models.Device, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("device service: user id is required")
	}

	var devices []models.Device
	if err := s.db.Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device service: list devices: %w", err)
	}
	return devices, nil
}

func (s *DeviceService) ownedDevice(userID, deviceID string) (*models.Device, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return nil, errors.New("device service: user id and device id are required")
	}

	var device models.Device
	if err := s.db.Take(&device, "id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("device service: find device: %w", err)
	}

	if device.UserID != userID {
		return nil, ErrDeviceForbidden
	}
	return &device, nil
}

func (s *DeviceService) record(entry security.Entry) {
	if s.audit == nil {
		return
	}
	s.audit.Record(context.Background(), entry)
}
