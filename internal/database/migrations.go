package database

import (
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/models"
)

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.TwoFactorCredential{},
		&models.Device{},
		&models.Session{},
		&models.RefreshToken{},
		&models.RateLimitEvent{},
		&models.SecurityAuditLog{},
	)
}
