package models

import (
	"time"
)

// IdentifierType classifies the subject of a rate-limit window.
type IdentifierType string

const (
	IdentifierUser  IdentifierType = "user"
	IdentifierEmail IdentifierType = "email"
	IdentifierIP    IdentifierType = "ip"
)

// RateLimitEvent is one fixed rate-limit window for a composite key. A new
// window replaces the counter once now passes ResetAt; increments within a
// window are conditional updates so concurrent workers never double-count.
type RateLimitEvent struct {
	BaseModel

	Identifier     string         `gorm:"not null;uniqueIndex:idx_rate_limit_key,priority:1" json:"identifier"`
	IdentifierType IdentifierType `gorm:"not null;uniqueIndex:idx_rate_limit_key,priority:2" json:"identifier_type"`
	Resource       string         `gorm:"not null;uniqueIndex:idx_rate_limit_key,priority:3" json:"resource"`
	Action         string         `gorm:"not null;uniqueIndex:idx_rate_limit_key,priority:4" json:"action"`

	CurrentCount  int       `gorm:"not null;default:0" json:"current_count"`
	MaxAllowed    int       `gorm:"not null" json:"max_allowed"`
	WindowSeconds int       `gorm:"not null" json:"window_seconds"`
	ResetAt       time.Time `gorm:"index;not null" json:"reset_at"`
}

// WindowSize returns the window length as a duration.
func (e *RateLimitEvent) WindowSize() time.Duration {
	return time.Duration(e.WindowSeconds) * time.Second
}
