package models

import (
	"time"

	"gorm.io/datatypes"
)

// TwoFactorCredential stores one user's TOTP secret and backup codes.
//
// BackupCodes and UsedBackupCodes are disjoint JSON arrays of bcrypt hashes;
// consuming a code moves its hash between the two in a single guarded update,
// so the unused set only ever shrinks. Rows are disabled, never deleted.
type TwoFactorCredential struct {
	BaseModel

	UserID string `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`

	// Secret is the AES-GCM encrypted base32 secret. Write-once after
	// enrollment completes (IsEnabled flips to true).
	Secret string `gorm:"not null" json:"-"`

	BackupCodes     datatypes.JSON `json:"-"`
	UsedBackupCodes datatypes.JSON `json:"-"`

	IsEnabled bool `gorm:"default:false" json:"is_enabled"`

	// LastUsedStep records the most recent TOTP time step accepted for this
	// credential; steps at or before it are rejected to prevent replay.
	LastUsedStep int64      `gorm:"default:0" json:"-"`
	LastUsedAt   *time.Time `json:"last_used_at"`

	// Version guards the backup-code sets against concurrent consumption.
	Version int `gorm:"default:0" json:"-"`
}
