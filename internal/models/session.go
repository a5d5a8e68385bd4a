package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus enumerates the session lifecycle. EXPIRED and REVOKED are
// terminal.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionRevoked SessionStatus = "REVOKED"
)

// Valid reports whether the status is one of the closed set.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionExpired, SessionRevoked:
		return true
	}
	return false
}

// Session represents one authenticated login. Refresh tokens chain to a
// session; the session itself never carries a raw token.
type Session struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID   string `gorm:"type:uuid;not null;index" json:"user_id"`
	User     *User  `gorm:"foreignKey:UserID" json:"-"`
	TenantID string `gorm:"type:uuid;not null;index" json:"tenant_id"`

	Status SessionStatus `gorm:"not null;default:ACTIVE;index" json:"status"`

	DeviceID *string `gorm:"type:uuid;index" json:"device_id"`
	Device   *Device `gorm:"foreignKey:DeviceID" json:"-"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	RefreshTokens []RefreshToken `gorm:"foreignKey:SessionID" json:"-"`

	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SessionActive
	}
	return nil
}
