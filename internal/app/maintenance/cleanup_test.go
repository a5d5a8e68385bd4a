package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/certivault/certivault/internal/auth"
	testutil "github.com/certivault/certivault/internal/database/testutil"
	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/ratelimit"
	"github.com/certivault/certivault/internal/security"
	"github.com/certivault/certivault/pkg/crypto"
)

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	current := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	auditSvc, err := security.NewAuditService(db, security.WithClock(clock))
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "cleanup-secret",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
		Clock:          clock,
	})
	require.NoError(t, err)

	sessionSvc, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{
		SessionTTL:      time.Hour,
		RefreshTokenTTL: time.Hour,
		RefreshLength:   16,
		Clock:           clock,
	})
	require.NoError(t, err)

	limiter, err := ratelimit.NewLimiter(db, ratelimit.Config{Clock: clock})
	require.NoError(t, err)

	user := seedUser(t, db, "cleanup-user@example.com")

	_, expiredSession, err := sessionSvc.CreateSession(user.ID, iauth.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", expiredSession.ID).
		Update("expires_at", current.Add(-2*time.Hour)).Error)

	_, activeSession, err := sessionSvc.CreateSession(user.ID, iauth.SessionMetadata{})
	require.NoError(t, err)

	// Seed an audit entry older than the retention window.
	auditSvc.Record(context.Background(), security.Entry{
		EventType:    security.EventLoginSuccess,
		ActorID:      user.ID,
		IsSuccessful: true,
	})
	var auditLog models.SecurityAuditLog
	require.NoError(t, db.First(&auditLog).Error)
	require.NoError(t, db.Model(&auditLog).
		Update("created_at", current.AddDate(0, 0, -10)).Error)

	// Seed a lapsed rate-limit window.
	require.NoError(t, db.Create(&models.RateLimitEvent{
		Identifier:     "1.2.3.4",
		IdentifierType: models.IdentifierIP,
		Resource:       ratelimit.ResourceAuth,
		Action:         ratelimit.ActionLogin,
		CurrentCount:   5,
		MaxAllowed:     5,
		WindowSeconds:  300,
		ResetAt:        current.Add(-time.Minute),
	}).Error)

	c := NewCleaner(sessionSvc, auditSvc, limiter,
		WithAuditRetentionDays(7),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(context.Background()))

	var expired models.Session
	require.NoError(t, db.First(&expired, "id = ?", expiredSession.ID).Error)
	require.Equal(t, models.SessionExpired, expired.Status)

	var remaining models.Session
	require.NoError(t, db.First(&remaining, "id = ?", activeSession.ID).Error)
	require.Equal(t, models.SessionActive, remaining.Status)

	var auditCount int64
	require.NoError(t, db.Model(&models.SecurityAuditLog{}).Count(&auditCount).Error)
	require.Equal(t, int64(0), auditCount)

	var windowCount int64
	require.NoError(t, db.Model(&models.RateLimitEvent{}).Count(&windowCount).Error)
	require.Equal(t, int64(0), windowCount)
}

func TestCleanerSkipsMissingDependencies(t *testing.T) {
	c := NewCleaner(nil, nil, nil)
	require.False(t, c.enabled)
	require.NoError(t, c.Start())
	require.NoError(t, c.RunOnce(context.Background()))
	c.Stop()
}

func TestCleanerStartRegistersJobs(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	auditSvc, err := security.NewAuditService(db)
	require.NoError(t, err)

	limiter, err := ratelimit.NewLimiter(db, ratelimit.Config{})
	require.NoError(t, err)

	sched := cron.New(cron.WithLogger(cron.DiscardLogger))
	c := NewCleaner(nil, auditSvc, limiter,
		WithCron(sched),
		WithAuditSchedule("@every 1h"),
		WithLimiterSchedule("@every 1h"),
	)

	require.NoError(t, c.Start())
	require.Len(t, sched.Entries(), 2)
	<-c.Stop().Done()
}

func seedUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()

	hash, err := crypto.HashPassword("Password123!")
	require.NoError(t, err)

	user := &models.User{
		ID:       "11111111-1111-1111-1111-111111111111",
		TenantID: "22222222-2222-2222-2222-222222222222",
		Email:    email,
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}
