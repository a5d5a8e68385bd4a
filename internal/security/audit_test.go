package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certivault/certivault/internal/database/testutil"
	"github.com/certivault/certivault/internal/models"
)

func TestRecordPersistsEntry(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	svc.Record(context.Background(), Entry{
		EventType:    EventLoginFailure,
		Severity:     models.SeverityWarning,
		ActorEmail:   "Alice@Example.com",
		IPAddress:    "203.0.113.7",
		UserAgent:    "integration-test",
		IsSuccessful: false,
		RiskScore:    40,
		Metadata:     map[string]any{"reason": "bad_password"},
	})

	var stored models.SecurityAuditLog
	require.NoError(t, db.Take(&stored).Error)
	require.Equal(t, EventLoginFailure, stored.EventType)
	require.Equal(t, models.SeverityWarning, stored.Severity)
	require.Equal(t, "alice@example.com", stored.ActorEmail)
	require.Nil(t, stored.ActorID)
	require.False(t, stored.IsSuccessful)
	require.JSONEq(t, `{"reason":"bad_password"}`, stored.Metadata)
	require.False(t, stored.CreatedAt.IsZero())
}

func TestRecordDefaultsSeverityToInfo(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	svc.Record(context.Background(), Entry{
		EventType:    EventSessionCreated,
		IsSuccessful: true,
	})

	var stored models.SecurityAuditLog
	require.NoError(t, db.Take(&stored).Error)
	require.Equal(t, models.SeverityInfo, stored.Severity)
}

func TestRecordSwallowsInvalidEntries(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	// Missing event type must not panic or persist anything.
	svc.Record(context.Background(), Entry{Severity: models.SeverityInfo})

	var count int64
	require.NoError(t, db.Model(&models.SecurityAuditLog{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestListFiltersAndPaginates(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	actor := "aaaaaaaa-0000-0000-0000-000000000001"
	for i := 0; i < 3; i++ {
		svc.Record(context.Background(), Entry{
			EventType: EventTokenRefreshed,
			ActorID:   actor,
		})
	}
	svc.Record(context.Background(), Entry{
		EventType: EventTokenReuseDetected,
		Severity:  models.SeverityCritical,
		ActorID:   actor,
	})

	entries, total, err := svc.List(context.Background(), ListOptions{
		Filters: Filters{ActorID: actor, EventType: EventTokenRefreshed},
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, entries, 3)

	entries, total, err = svc.List(context.Background(), ListOptions{
		PageSize: 2,
		Filters:  Filters{ActorID: actor},
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, total)
	require.Len(t, entries, 2)

	critical, total, err := svc.List(context.Background(), ListOptions{
		Filters: Filters{Severity: models.SeverityCritical},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, EventTokenReuseDetected, critical[0].EventType)
}

func TestCleanupOlderThan(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	current := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewAuditService(db, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	old := models.SecurityAuditLog{
		EventType:    EventLoginSuccess,
		Severity:     models.SeverityInfo,
		IsSuccessful: true,
		CreatedAt:    current.AddDate(0, 0, -120),
	}
	require.NoError(t, db.Create(&old).Error)
	svc.Record(context.Background(), Entry{EventType: EventLoginSuccess, IsSuccessful: true})

	removed, err := svc.CleanupOlderThan(context.Background(), 90)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, db.Model(&models.SecurityAuditLog{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	_, err = svc.CleanupOlderThan(context.Background(), 0)
	require.Error(t, err)
}
