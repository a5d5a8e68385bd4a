package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/api"
	"github.com/certivault/certivault/internal/app"
	"github.com/certivault/certivault/internal/app/maintenance"
	iauth "github.com/certivault/certivault/internal/auth"
	"github.com/certivault/certivault/internal/auth/mfa"
	"github.com/certivault/certivault/internal/database"
	"github.com/certivault/certivault/internal/ratelimit"
	"github.com/certivault/certivault/internal/security"
	"github.com/certivault/certivault/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("certivault-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if err := ensureSecretsPresent(cfg); err != nil {
		return err
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	encryptionKey, err := cfg.CredentialEncryptionKey()
	if err != nil {
		return err
	}

	auditSvc, err := security.NewAuditService(db)
	if err != nil {
		return fmt.Errorf("initialise audit service: %w", err)
	}

	jwtService, err := iauth.NewJWTService(cfg.JWTServiceConfig())
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionSvc, err := iauth.NewSessionService(db, jwtService, cfg.SessionServiceConfig(auditSvc))
	if err != nil {
		return fmt.Errorf("initialise session service: %w", err)
	}

	mfaOpts := []mfa.Option{mfa.WithIssuer(cfg.Auth.Issuer)}
	if cfg.Auth.MFA.BackupCodeCount > 0 {
		mfaOpts = append(mfaOpts, mfa.WithBackupCodeCount(cfg.Auth.MFA.BackupCodeCount))
	}
	if cfg.Auth.MFA.QRCodeSize > 0 {
		mfaOpts = append(mfaOpts, mfa.WithQRCodeSize(cfg.Auth.MFA.QRCodeSize))
	}
	mfaSvc, err := mfa.NewService(db, encryptionKey, mfaOpts...)
	if err != nil {
		return fmt.Errorf("initialise mfa service: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(db, ratelimit.Config{Rules: cfg.RateLimitRules()})
	if err != nil {
		return fmt.Errorf("initialise rate limiter: %w", err)
	}

	verifier, err := iauth.NewVerifier(db, mfaSvc, limiter, cfg.VerifierConfig(auditSvc))
	if err != nil {
		return fmt.Errorf("initialise verifier: %w", err)
	}

	deviceSvc, err := iauth.NewDeviceService(db, iauth.DeviceConfig{Audit: auditSvc})
	if err != nil {
		return fmt.Errorf("initialise device service: %w", err)
	}

	cleaner := maintenance.NewCleaner(sessionSvc, auditSvc, limiter,
		maintenance.WithAuditRetentionDays(cfg.Retention.AuditDays))
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	router, err := api.NewRouter(db, api.Services{
		JWT:      jwtService,
		Verifier: verifier,
		Sessions: sessionSvc,
		Devices:  deviceSvc,
		MFA:      mfaSvc,
		Audit:    auditSvc,
		Limiter:  limiter,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func ensureSecretsPresent(cfg *app.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}

	cfg.Security.MasterKey = strings.TrimSpace(cfg.Security.MasterKey)
	if cfg.Security.MasterKey == "" {
		return errors.New("security.master_key must be configured")
	}
	cfg.Security.KeySalt = strings.TrimSpace(cfg.Security.KeySalt)
	if cfg.Security.KeySalt == "" {
		return errors.New("security.key_salt must be configured")
	}

	return nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	db, err := database.OpenAndMigrate(cfg.DatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(cfg.Database.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
