package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/database/testutil"
	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/security"
	"github.com/certivault/certivault/pkg/crypto"
)

type capturingRecorder struct {
	mu      sync.Mutex
	entries []security.Entry
}

func (r *capturingRecorder) Record(_ context.Context, entry security.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *capturingRecorder) byType(eventType string) []security.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []security.Entry
	for _, e := range r.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type sessionFixture struct {
	db       *gorm.DB
	svc      *SessionService
	audit    *capturingRecorder
	user     *models.User
	current  time.Time
	advanceF func(time.Duration)
}

func (f *sessionFixture) advance(d time.Duration) { f.advanceF(d) }

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	fixture := &sessionFixture{
		db:      db,
		audit:   &capturingRecorder{},
		current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	fixture.advanceF = func(d time.Duration) { fixture.current = fixture.current.Add(d) }

	cfg.Clock = func() time.Time { return fixture.current }
	cfg.Audit = fixture.audit

	jwtSvc, err := NewJWTService(JWTConfig{
		Secret: "test-secret",
		Issuer: "certivault",
		Clock:  cfg.Clock,
	})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, cfg)
	require.NoError(t, err)
	fixture.svc = svc

	hash, err := crypto.HashPassword("session-password!")
	require.NoError(t, err)
	fixture.user = &models.User{
		TenantID: "22222222-2222-2222-2222-222222222222",
		Email:    "sessions@example.com",
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(fixture.user).Error)

	return fixture
}

func (f *sessionFixture) meta() SessionMetadata {
	return SessionMetadata{
		TenantID:  f.user.TenantID,
		IPAddress: "198.51.100.4",
		UserAgent: "go-test",
	}
}

func TestCreateSessionStoresOnlyTokenHash(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	pair, session, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, models.SessionActive, session.Status)

	var token models.RefreshToken
	require.NoError(t, f.db.Take(&token, "session_id = ?", session.ID).Error)
	require.NotEqual(t, pair.RefreshToken, token.TokenHash)
	require.Equal(t, crypto.HashToken(pair.RefreshToken), token.TokenHash)
	require.NotEmpty(t, token.JTI)
	require.False(t, token.IsRevoked)
}

func TestRefreshSessionRotatesToken(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	pair, session, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	f.advance(time.Hour)

	next, refreshed, err := f.svc.RefreshSession(pair.RefreshToken, f.meta())
	require.NoError(t, err)
	require.Equal(t, session.ID, refreshed.ID)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	var old models.RefreshToken
	require.NoError(t, f.db.Take(&old, "token_hash = ?", crypto.HashToken(pair.RefreshToken)).Error)
	require.True(t, old.IsRevoked)
	require.Equal(t, revokeReasonRotated, old.RevokeReason)
	require.Equal(t, 1, old.UseCount)

	// The successor stays redeemable.
	_, _, err = f.svc.RefreshSession(next.RefreshToken, f.meta())
	require.NoError(t, err)

	var lineage int64
	require.NoError(t, f.db.Model(&models.RefreshToken{}).
		Where("session_id = ?", session.ID).Count(&lineage).Error)
	require.EqualValues(t, 3, lineage)
}

func TestRefreshSessionDetectsReuse(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	pair, session, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	next, _, err := f.svc.RefreshSession(pair.RefreshToken, f.meta())
	require.NoError(t, err)

	// Replaying the redeemed token kills the whole lineage.
	_, _, err = f.svc.RefreshSession(pair.RefreshToken, f.meta())
	require.ErrorIs(t, err, ErrTokenReuse)

	var reloaded models.Session
	require.NoError(t, f.db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Equal(t, models.SessionRevoked, reloaded.Status)
	require.NotNil(t, reloaded.RevokedAt)

	var live int64
	require.NoError(t, f.db.Model(&models.RefreshToken{}).
		Where("session_id = ? AND is_revoked = ?", session.ID, false).
		Count(&live).Error)
	require.Zero(t, live)

	// The legitimately issued successor is collateral damage.
	_, _, err = f.svc.RefreshSession(next.RefreshToken, f.meta())
	require.ErrorIs(t, err, ErrTokenReuse)

	critical := f.audit.byType(security.EventTokenReuseDetected)
	require.NotEmpty(t, critical)
	require.Equal(t, models.SeverityCritical, critical[0].Severity)
}

func TestRefreshSessionLazyExpiry(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{SessionTTL: time.Hour, RefreshTokenTTL: time.Hour})

	pair, session, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	_, _, err = f.svc.RefreshSession(pair.RefreshToken, f.meta())
	require.ErrorIs(t, err, ErrSessionExpired)

	var reloaded models.Session
	require.NoError(t, f.db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Equal(t, models.SessionExpired, reloaded.Status)
}

func TestRefreshSessionExpiredToken(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{
		SessionTTL:      24 * time.Hour,
		RefreshTokenTTL: time.Hour,
	})

	pair, _, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	_, _, err = f.svc.RefreshSession(pair.RefreshToken, f.meta())
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshSessionUnknownToken(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	_, _, err := f.svc.RefreshSession("never-issued", f.meta())
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, _, err = f.svc.RefreshSession("   ", f.meta())
	require.ErrorIs(t, err, ErrSessionInvalidToken)
}

func TestRefreshSessionRevokedDevice(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	now := time.Now()
	device := &models.Device{
		UserID:      f.user.ID,
		Fingerprint: "fp-revoked-device",
		IsRevoked:   true,
		RevokedAt:   &now,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	require.NoError(t, f.db.Create(device).Error)

	meta := f.meta()
	meta.DeviceID = &device.ID

	pair, _, err := f.svc.CreateSession(f.user.ID, meta)
	require.NoError(t, err)

	_, _, err = f.svc.RefreshSession(pair.RefreshToken, meta)
	require.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestLogoutRevokesSessionIdempotently(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	pair, session, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(pair.RefreshToken))

	var reloaded models.Session
	require.NoError(t, f.db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Equal(t, models.SessionRevoked, reloaded.Status)

	var token models.RefreshToken
	require.NoError(t, f.db.Take(&token, "session_id = ?", session.ID).Error)
	require.True(t, token.IsRevoked)
	require.Equal(t, revokeReasonLogout, token.RevokeReason)

	// Second logout with the same token is a no-op.
	require.NoError(t, f.svc.Logout(pair.RefreshToken))
	require.NoError(t, f.svc.Logout("unknown-token"))
}

func TestRevokeUserSessions(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	first, _, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)
	second, _, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeUserSessions(f.user.ID, revokeReasonUser))

	_, _, err = f.svc.RefreshSession(first.RefreshToken, f.meta())
	require.ErrorIs(t, err, ErrTokenReuse)
	_, _, err = f.svc.RefreshSession(second.RefreshToken, f.meta())
	require.ErrorIs(t, err, ErrTokenReuse)

	sessions, err := f.svc.ListActiveSessions(f.user.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestCleanupExpired(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{SessionTTL: time.Hour})

	_, session, err := f.svc.CreateSession(f.user.ID, f.meta())
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	affected, err := f.svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	var reloaded models.Session
	require.NoError(t, f.db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Equal(t, models.SessionExpired, reloaded.Status)

	// Past the retention window the terminal session and its lineage go away.
	f.advance(sessionPurgeAfter + time.Hour)

	affected, err = f.svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	var sessions int64
	require.NoError(t, f.db.Model(&models.Session{}).Count(&sessions).Error)
	require.Zero(t, sessions)

	var tokens int64
	require.NoError(t, f.db.Model(&models.RefreshToken{}).Count(&tokens).Error)
	require.Zero(t, tokens)
}
