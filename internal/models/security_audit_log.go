package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditSeverity grades security events. Critical entries feed alerting.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// Valid reports whether the severity is one of the closed set.
func (s AuditSeverity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// SecurityAuditLog is an append-only record of a sensitive security event.
// Rows are never updated or deleted by application logic; the model carries
// no UpdatedAt on purpose.
type SecurityAuditLog struct {
	ID string `gorm:"primaryKey;type:uuid" json:"id"`

	EventType string        `gorm:"not null;index" json:"event_type"`
	Severity  AuditSeverity `gorm:"not null;index" json:"severity"`

	ActorID    *string `gorm:"type:uuid;index" json:"actor_id"`
	ActorEmail string  `json:"actor_email"`
	TargetID   *string `gorm:"type:uuid;index" json:"target_id"`
	TargetType string  `json:"target_type"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	IsSuccessful bool `gorm:"not null" json:"is_successful"`
	RiskScore    int  `gorm:"default:0" json:"risk_score"`

	Metadata string `gorm:"type:json" json:"metadata"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (l *SecurityAuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
