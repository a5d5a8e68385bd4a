package app

import (
	"fmt"

	"github.com/certivault/certivault/internal/auth"
	"github.com/certivault/certivault/internal/database"
	"github.com/certivault/certivault/internal/ratelimit"
	"github.com/certivault/certivault/internal/security"
	"github.com/certivault/certivault/pkg/crypto"
)

// JWTServiceConfig builds the token service configuration, falling back to
// package defaults for unset durations.
func (c *Config) JWTServiceConfig() auth.JWTConfig {
	cfg := auth.JWTConfig{
		Secret: c.Auth.JWT.Secret,
		Issuer: c.Auth.Issuer,
	}
	if c.Auth.JWT.TTL > 0 {
		cfg.AccessTokenTTL = c.Auth.JWT.TTL
	}
	if c.Auth.JWT.PendingTTL > 0 {
		cfg.PendingTokenTTL = c.Auth.JWT.PendingTTL
	}
	return cfg
}

// SessionServiceConfig builds the session service configuration.
func (c *Config) SessionServiceConfig(audit security.Recorder) auth.SessionConfig {
	cfg := auth.SessionConfig{Audit: audit}
	if c.Auth.Session.SessionTTL > 0 {
		cfg.SessionTTL = c.Auth.Session.SessionTTL
	}
	if c.Auth.Session.RefreshTTL > 0 {
		cfg.RefreshTokenTTL = c.Auth.Session.RefreshTTL
	}
	if c.Auth.Session.RefreshLength > 0 {
		cfg.RefreshLength = c.Auth.Session.RefreshLength
	}
	return cfg
}

// VerifierConfig builds the credential verifier configuration.
func (c *Config) VerifierConfig(audit security.Recorder) auth.VerifierConfig {
	cfg := auth.VerifierConfig{Audit: audit}
	if c.Auth.Local.LockoutThreshold > 0 {
		cfg.LockoutThreshold = c.Auth.Local.LockoutThreshold
	}
	if c.Auth.Local.LockoutDuration > 0 {
		cfg.LockoutDuration = c.Auth.Local.LockoutDuration
	}
	return cfg
}

// RateLimitRules translates configured rules into limiter rules. Defaults are
// applied by the limiter when the list is empty.
func (c *Config) RateLimitRules() []ratelimit.Rule {
	rules := make([]ratelimit.Rule, 0, len(c.RateLimit.Rules))
	for _, r := range c.RateLimit.Rules {
		rules = append(rules, ratelimit.Rule{
			Resource:   r.Resource,
			Action:     r.Action,
			MaxAllowed: r.MaxAllowed,
			Window:     r.Window,
		})
	}
	return rules
}

// DatabaseConfig maps the configuration onto the database layer.
func (c *Config) DatabaseConfig() database.Config {
	cfg := database.Config{
		Driver: c.Database.Driver,
		Path:   c.Database.Path,
		DSN:    c.Database.DSN,
	}
	switch cfg.Driver {
	case "postgres":
		cfg.Host = c.Database.Postgres.Host
		cfg.Port = c.Database.Postgres.Port
		cfg.Name = c.Database.Postgres.Database
		cfg.User = c.Database.Postgres.Username
		cfg.Password = c.Database.Postgres.Password
	case "mysql":
		cfg.Host = c.Database.MySQL.Host
		cfg.Port = c.Database.MySQL.Port
		cfg.Name = c.Database.MySQL.Database
		cfg.User = c.Database.MySQL.Username
		cfg.Password = c.Database.MySQL.Password
	}
	return cfg
}

// CredentialEncryptionKey derives the 256-bit key protecting stored TOTP
// secrets from the configured master key and salt.
func (c *Config) CredentialEncryptionKey() ([]byte, error) {
	if c.Security.MasterKey == "" {
		return nil, fmt.Errorf("config: security.master_key is required")
	}
	secret, err := DecodeKey(c.Security.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("config: decode master key: %w", err)
	}
	salt, err := DecodeKey(c.Security.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("config: decode key salt: %w", err)
	}

	params := crypto.DefaultArgon2Params()
	if c.Security.Argon2Time > 0 {
		params.Time = c.Security.Argon2Time
	}
	if c.Security.Argon2Memory > 0 {
		params.Memory = c.Security.Argon2Memory
	}
	if c.Security.Argon2Threads > 0 {
		params.Threads = c.Security.Argon2Threads
	}

	return crypto.DeriveKeyArgon2id(secret, salt, params)
}
