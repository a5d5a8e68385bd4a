package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/database/testutil"
	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/pkg/crypto"
)

func newDeviceFixture(t *testing.T) (*gorm.DB, *DeviceService, *models.User) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	svc, err := NewDeviceService(db, DeviceConfig{
		Clock: func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	hash, err := crypto.HashPassword("device-password!")
	require.NoError(t, err)
	user := &models.User{
		TenantID: "33333333-3333-3333-3333-333333333333",
		Email:    "devices@example.com",
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)

	return db, svc, user
}

func TestIdentifyRegistersNewDevice(t *testing.T) {
	_, svc, user := newDeviceFixture(t)

	device, err := svc.Identify(user.ID, DeviceInfo{
		Fingerprint: "fp-laptop-001",
		DisplayName: "Work laptop",
		UserAgent:   "Mozilla/5.0",
	})
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)
	require.False(t, device.IsTrusted)
	require.False(t, device.IsRevoked)
	require.Equal(t, 1, device.LoginCount)
	require.Equal(t, device.FirstSeenAt, device.LastSeenAt)
}

func TestIdentifyBumpsKnownDevice(t *testing.T) {
	_, svc, user := newDeviceFixture(t)

	first, err := svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-laptop-002"})
	require.NoError(t, err)

	again, err := svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-laptop-002"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, again.LoginCount)
}

func TestIdentifyRejectsForeignFingerprint(t *testing.T) {
	db, svc, user := newDeviceFixture(t)

	hash, err := crypto.HashPassword("other-password!")
	require.NoError(t, err)
	other := &models.User{
		TenantID: user.TenantID,
		Email:    "other@example.com",
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(other).Error)

	_, err = svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-shared"})
	require.NoError(t, err)

	_, err = svc.Identify(other.ID, DeviceInfo{Fingerprint: "fp-shared"})
	require.ErrorIs(t, err, ErrDeviceForbidden)
}

func TestTrustDevice(t *testing.T) {
	_, svc, user := newDeviceFixture(t)

	device, err := svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-trust-me"})
	require.NoError(t, err)

	trusted, err := svc.Trust(user.ID, device.ID)
	require.NoError(t, err)
	require.True(t, trusted.IsTrusted)

	_, err = svc.Trust(user.ID, "99999999-9999-9999-9999-999999999999")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRevokeCascadesToTokensAndSessions(t *testing.T) {
	db, svc, user := newDeviceFixture(t)

	device, err := svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-compromised"})
	require.NoError(t, err)

	session := &models.Session{
		UserID:     user.ID,
		TenantID:   user.TenantID,
		DeviceID:   &device.ID,
		ExpiresAt:  time.Now().Add(time.Hour),
		LastUsedAt: time.Now(),
	}
	require.NoError(t, db.Create(session).Error)

	token := &models.RefreshToken{
		SessionID: session.ID,
		UserID:    user.ID,
		DeviceID:  &device.ID,
		TokenHash: crypto.HashToken("raw-device-token"),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(token).Error)

	require.NoError(t, svc.Revoke(user.ID, device.ID, user.ID, "stolen laptop"))

	var reloadedDevice models.Device
	require.NoError(t, db.Take(&reloadedDevice, "id = ?", device.ID).Error)
	require.True(t, reloadedDevice.IsRevoked)
	require.False(t, reloadedDevice.IsTrusted)
	require.Equal(t, "stolen laptop", reloadedDevice.RevokedReason)
	require.NotNil(t, reloadedDevice.RevokedAt)

	var reloadedToken models.RefreshToken
	require.NoError(t, db.Take(&reloadedToken, "id = ?", token.ID).Error)
	require.True(t, reloadedToken.IsRevoked)
	require.Equal(t, revokeReasonDevice, reloadedToken.RevokeReason)

	var reloadedSession models.Session
	require.NoError(t, db.Take(&reloadedSession, "id = ?", session.ID).Error)
	require.Equal(t, models.SessionRevoked, reloadedSession.Status)

	// Revocation is terminal.
	require.ErrorIs(t, svc.Revoke(user.ID, device.ID, user.ID, "again"), ErrDeviceAlreadyRevoked)

	// The record survives and still resolves by fingerprint.
	resolved, err := svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-compromised"})
	require.NoError(t, err)
	require.True(t, resolved.IsRevoked)
	require.Equal(t, 1, resolved.LoginCount)
}

func TestListDevices(t *testing.T) {
	_, svc, user := newDeviceFixture(t)

	_, err := svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-a"})
	require.NoError(t, err)
	_, err = svc.Identify(user.ID, DeviceInfo{Fingerprint: "fp-b"})
	require.NoError(t, err)

	devices, err := svc.ListDevices(user.ID)
	require.NoError(t, err)
	require.Len(t, devices, 2)
}
