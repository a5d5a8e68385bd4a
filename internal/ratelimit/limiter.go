package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/pkg/metrics"
)

// checkRetries bounds how often a single Check retries after losing a
// conditional update to a concurrent worker.
const checkRetries = 3

// ErrContention is returned when a Check keeps losing races against
// concurrent increments on the same window.
var ErrContention = errors.New("ratelimit: window contention")

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces fixed-window rate limits persisted in the database, so
// every replica of the service shares the same counters.
type Limiter struct {
	db    *gorm.DB
	rules *RuleSet
	now   func() time.Time
}

// Config describes tunable behaviour for the Limiter.
type Config struct {
	Rules []Rule
	Clock func() time.Time
}

// NewLimiter constructs a limiter backed by the provided database.
func NewLimiter(db *gorm.DB, cfg Config) (*Limiter, error) {
	if db == nil {
		return nil, errors.New("ratelimit: db is required")
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &Limiter{
		db:    db,
		rules: NewRuleSet(rules),
		now:   clock,
	}, nil
}

// Check consumes one attempt for the identifier on the resource/action pair.
// The increment is a conditional update: under concurrency each attempt is
// counted exactly once and at most MaxAllowed attempts win per window.
// Pairs without a configured rule are always allowed.
func (l *Limiter) Check(ctx context.Context, identifier string, idType models.IdentifierType, resource, action string) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Decision{}, errors.New("ratelimit: identifier is required")
	}

	rule, ok := l.rules.Lookup(resource, action)
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	for attempt := 0; attempt < checkRetries; attempt++ {
		now := l.now()

		// Fast path: count one attempt inside a live window with headroom.
		result := l.db.WithContext(ctx).Model(&models.RateLimitEvent{}).
			Where("identifier = ? AND identifier_type = ? AND resource = ? AND action = ?",
				identifier, idType, rule.Resource, rule.Action).
			Where("reset_at > ? AND current_count < max_allowed", now).
			Update("current_count", gorm.Expr("current_count + 1"))
		if result.Error != nil {
			return Decision{}, fmt.Errorf("ratelimit: increment window: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return l.decisionFor(ctx, identifier, idType, rule)
		}

		var window models.RateLimitEvent
		err := l.db.WithContext(ctx).
			Where("identifier = ? AND identifier_type = ? AND resource = ? AND action = ?",
				identifier, idType, rule.Resource, rule.Action).
			Take(&window).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			window = models.RateLimitEvent{
				Identifier:     identifier,
				IdentifierType: idType,
				Resource:       rule.Resource,
				Action:         rule.Action,
				CurrentCount:   1,
				MaxAllowed:     rule.MaxAllowed,
				WindowSeconds:  int(rule.Window / time.Second),
				ResetAt:        now.Add(rule.Window),
			}
			if createErr := l.db.WithContext(ctx).Create(&window).Error; createErr != nil {
				// Lost the creation race; retry against the winner's row.
				continue
			}
			return Decision{
				Allowed:   true,
				Remaining: rule.MaxAllowed - 1,
				ResetAt:   window.ResetAt,
			}, nil

		case err != nil:
			return Decision{}, fmt.Errorf("ratelimit: load window: %w", err)
		}

		if !window.ResetAt.After(now) {
			// The window lapsed: restart it. The reset is conditional on the
			// old deadline so concurrent restarts collapse into one.
			reset := l.db.WithContext(ctx).Model(&models.RateLimitEvent{}).
				Where("id = ? AND reset_at = ?", window.ID, window.ResetAt).
				Updates(map[string]any{
					"current_count":  1,
					"max_allowed":    rule.MaxAllowed,
					"window_seconds": int(rule.Window / time.Second),
					"reset_at":       now.Add(rule.Window),
				})
			if reset.Error != nil {
				return Decision{}, fmt.Errorf("ratelimit: restart window: %w", reset.Error)
			}
			if reset.RowsAffected == 1 {
				return Decision{
					Allowed:   true,
					Remaining: rule.MaxAllowed - 1,
					ResetAt:   now.Add(rule.Window),
				}, nil
			}
			continue
		}

		// Live window with no headroom: blocked until ResetAt.
		metrics.RateLimited.WithLabelValues(rule.Resource, rule.Action).Inc()
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   window.ResetAt,
		}, nil
	}

	return Decision{}, ErrContention
}

// Reset clears the window for an identifier, typically after a successful
// authentication ends a run of failures.
func (l *Limiter) Reset(ctx context.Context, identifier string, idType models.IdentifierType, resource, action string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := l.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ? AND resource = ? AND action = ?",
			strings.TrimSpace(identifier), idType, strings.TrimSpace(resource), strings.TrimSpace(action)).
		Delete(&models.RateLimitEvent{}).Error
	if err != nil {
		return fmt.Errorf("ratelimit: reset window: %w", err)
	}
	return nil
}

// CleanupExpired removes windows whose reset deadline has passed.
func (l *Limiter) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := l.db.WithContext(ctx).
		Where("reset_at < ?", l.now()).
		Delete(&models.RateLimitEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("ratelimit: cleanup windows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (l *Limiter) decisionFor(ctx context.Context, identifier string, idType models.IdentifierType, rule Rule) (Decision, error) {
	var window models.RateLimitEvent
	err := l.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ? AND resource = ? AND action = ?",
			identifier, idType, rule.Resource, rule.Action).
		Take(&window).Error
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: load window: %w", err)
	}

	remaining := window.MaxAllowed - window.CurrentCount
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   window.ResetAt,
	}, nil
}
