package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefreshToken is one link in a session's rotation lineage. The raw token
// value is never stored; lookups go through the SHA-256 TokenHash. A token is
// redeemable at most once: redemption revokes it and creates the next link.
type RefreshToken struct {
	ID        string   `gorm:"primaryKey;type:uuid" json:"id"`
	SessionID string   `gorm:"type:uuid;not null;index" json:"session_id"`
	Session   *Session `gorm:"foreignKey:SessionID" json:"-"`
	UserID    string   `gorm:"type:uuid;not null;index" json:"user_id"`

	DeviceID *string `gorm:"type:uuid;index" json:"device_id"`

	TokenHash string `gorm:"uniqueIndex;size:64;not null" json:"-"`
	JTI       string `gorm:"uniqueIndex;not null" json:"jti"`

	IsRevoked    bool   `gorm:"default:false;index" json:"is_revoked"`
	RevokeReason string `json:"revoke_reason"`

	UseCount int `gorm:"default:0" json:"use_count"`

	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.JTI == "" {
		t.JTI = uuid.NewString()
	}
	return nil
}
