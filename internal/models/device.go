package models

import (
	"time"
)

// Device tracks a client device by fingerprint. A device belongs to exactly
// one user and may carry many sessions over its lifetime; revocation is
// terminal for the record.
type Device struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"-"`

	// Fingerprint is derived from client signal. It is an identifier, not a
	// secret, and is unique across the registry.
	Fingerprint string `gorm:"uniqueIndex;not null" json:"fingerprint"`

	DisplayName string `json:"display_name"`
	UserAgent   string `json:"user_agent"`

	IsTrusted bool `gorm:"default:false" json:"is_trusted"`
	IsRevoked bool `gorm:"default:false" json:"is_revoked"`

	RevokedAt     *time.Time `json:"revoked_at"`
	RevokedBy     string     `json:"revoked_by"`
	RevokedReason string     `json:"revoked_reason"`

	LoginCount  int       `gorm:"default:0" json:"login_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
