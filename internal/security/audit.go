package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/pkg/logger"
	"github.com/certivault/certivault/pkg/metrics"
)

// Event types recorded by the audit trail. Handlers and services reference
// these constants instead of ad-hoc strings so the trail stays queryable.
const (
	EventLoginSuccess        = "auth.login.success"
	EventLoginFailure        = "auth.login.failure"
	EventSecondFactorSuccess = "auth.second_factor.success"
	EventSecondFactorFailure = "auth.second_factor.failure"
	EventBackupCodeUsed      = "auth.backup_code.used"
	EventAccountLocked       = "auth.account.locked"
	EventSessionCreated      = "session.created"
	EventSessionRevoked      = "session.revoked"
	EventTokenRefreshed      = "token.refreshed"
	EventTokenReuseDetected  = "token.reuse_detected"
	EventDeviceRegistered    = "device.registered"
	EventDeviceTrusted       = "device.trusted"
	EventDeviceRevoked       = "device.revoked"
	EventMFAEnrolled         = "mfa.enrolled"
	EventMFADisabled         = "mfa.disabled"
	EventBackupCodesReissued = "mfa.backup_codes.reissued"
	EventRateLimited         = "ratelimit.blocked"
)

// Entry captures a single security event to persist.
type Entry struct {
	EventType    string
	Severity     models.AuditSeverity
	ActorID      string
	ActorEmail   string
	TargetID     string
	TargetType   string
	IPAddress    string
	UserAgent    string
	IsSuccessful bool
	RiskScore    int
	Metadata     map[string]any
}

// Filters encapsulates optional filters when querying the audit trail.
type Filters struct {
	ActorID   string
	EventType string
	Severity  models.AuditSeverity
	Since     *time.Time
	Until     *time.Time
}

// ListOptions controls pagination and filtering for audit queries.
type ListOptions struct {
	Page     int
	PageSize int
	Filters  Filters
}

// Recorder is the write-side interface services depend on. The audit trail
// must never block or fail an authentication decision, so Record returns
// nothing.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// AuditService persists and retrieves security audit entries. Rows are
// append-only: nothing in this service updates or deletes an entry except
// the retention sweep.
type AuditService struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises an AuditService.
type Option func(*AuditService)

// WithClock overrides the time source used by the retention sweep.
func WithClock(clock func() time.Time) Option {
	return func(s *AuditService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB, opts ...Option) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}

	svc := &AuditService{db: db, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

var _ Recorder = (*AuditService)(nil)

// Record persists an audit entry. Persistence failures are logged and
// counted, never surfaced: a broken audit store must not lock users out.
func (s *AuditService) Record(ctx context.Context, entry Entry) {
	if ctx == nil {
		ctx = context.Background()
	}

	row, err := buildRow(entry)
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		logger.Error("audit entry rejected",
			zap.String("event_type", entry.EventType),
			zap.Error(err))
		return
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		metrics.AuditWriteFailures.Inc()
		logger.Error("audit entry write failed",
			zap.String("event_type", row.EventType),
			zap.Error(err))
	}
}

// List returns paginated audit entries ordered by creation time descending.
func (s *AuditService) List(ctx context.Context, opts ListOptions) ([]models.SecurityAuditLog, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.SecurityAuditLog
		total   int64
	)

	query := applyFilters(s.db.WithContext(ctx).Model(&models.SecurityAuditLog{}), opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count entries: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list entries: %w", err)
	}

	return results, total, nil
}

// CleanupOlderThan removes audit entries older than the supplied retention
// window in days. This is the only path that deletes from the trail.
func (s *AuditService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if retentionDays <= 0 {
		return 0, errors.New("audit service: retentionDays must be positive")
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SecurityAuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup entries: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func buildRow(entry Entry) (*models.SecurityAuditLog, error) {
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return nil, errors.New("audit service: event type is required")
	}

	severity := entry.Severity
	if severity == "" {
		severity = models.SeverityInfo
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("audit service: invalid severity %q", severity)
	}

	payload := ""
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("audit service: marshal metadata: %w", err)
		}
		payload = string(encoded)
	}

	row := &models.SecurityAuditLog{
		EventType:    eventType,
		Severity:     severity,
		ActorEmail:   strings.ToLower(strings.TrimSpace(entry.ActorEmail)),
		TargetType:   strings.TrimSpace(entry.TargetType),
		IPAddress:    strings.TrimSpace(entry.IPAddress),
		UserAgent:    strings.TrimSpace(entry.UserAgent),
		IsSuccessful: entry.IsSuccessful,
		RiskScore:    entry.RiskScore,
		Metadata:     payload,
	}

	if actorID := strings.TrimSpace(entry.ActorID); actorID != "" {
		row.ActorID = &actorID
	}
	if targetID := strings.TrimSpace(entry.TargetID); targetID != "" {
		row.TargetID = &targetID
	}

	return row, nil
}

func applyFilters(query *gorm.DB, filters Filters) *gorm.DB {
	if filters.ActorID != "" {
		query = query.Where("actor_id = ?", filters.ActorID)
	}
	if filters.EventType != "" {
		query = query.Where("event_type = ?", filters.EventType)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}
