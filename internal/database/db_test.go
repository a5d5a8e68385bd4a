package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certivault/certivault/internal/models"
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported database driver")
}

func TestOpenDefaultsToSQLite(t *testing.T) {
	db, err := Open(Config{DSN: "file::memory:?_foreign_keys=1"})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	require.True(t, db.Migrator().HasTable(&models.User{}))
	require.True(t, db.Migrator().HasTable(&models.TwoFactorCredential{}))
	require.True(t, db.Migrator().HasTable(&models.Session{}))
	require.True(t, db.Migrator().HasTable(&models.RefreshToken{}))
	require.True(t, db.Migrator().HasTable(&models.Device{}))
	require.True(t, db.Migrator().HasTable(&models.RateLimitEvent{}))
	require.True(t, db.Migrator().HasTable(&models.SecurityAuditLog{}))
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{User: "certivault", Name: "trust", Password: "s3cret"})
	require.NoError(t, err)
	require.Contains(t, dsn, "host=localhost")
	require.Contains(t, dsn, "port=5432")
	require.Contains(t, dsn, "sslmode=disable")
	require.Contains(t, dsn, "password=s3cret")

	_, err = buildPostgresDSN(Config{Name: "trust"})
	require.Error(t, err)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{User: "certivault", Name: "trust"})
	require.NoError(t, err)
	require.Contains(t, dsn, "certivault@tcp(127.0.0.1:3306)/trust")
	require.Contains(t, dsn, "parseTime=True")

	_, err = buildMySQLDSN(Config{User: "certivault"})
	require.Error(t, err)
}
