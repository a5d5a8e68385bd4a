package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/certivault/certivault/internal/auth"
	"github.com/certivault/certivault/internal/auth/mfa"
	"github.com/certivault/certivault/internal/handlers"
	"github.com/certivault/certivault/internal/middleware"
	"github.com/certivault/certivault/internal/ratelimit"
	"github.com/certivault/certivault/internal/security"
)

// Services bundles the dependencies the router wires into handlers.
type Services struct {
	JWT      *iauth.JWTService
	Verifier *iauth.Verifier
	Sessions *iauth.SessionService
	Devices  *iauth.DeviceService
	MFA      *mfa.Service
	Audit    *security.AuditService
	Limiter  *ratelimit.Limiter
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(db *gorm.DB, svcs Services) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if svcs.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if svcs.Verifier == nil {
		return nil, fmt.Errorf("verifier must be provided")
	}
	if svcs.Sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if svcs.Devices == nil {
		return nil, fmt.Errorf("device service must be provided")
	}
	if svcs.MFA == nil {
		return nil, fmt.Errorf("mfa service must be provided")
	}
	if svcs.Audit == nil {
		return nil, fmt.Errorf("audit service must be provided")
	}
	if svcs.Limiter == nil {
		return nil, fmt.Errorf("rate limiter must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Health endpoint (public)
	r.GET("/health", handlers.Health())

	authHandler := handlers.NewAuthHandler(db, svcs.JWT, svcs.Verifier, svcs.Sessions, svcs.Devices)

	// Public auth routes, rate limited per source IP.
	auth := r.Group("/api/auth")
	{
		auth.POST("/login",
			middleware.RateLimit(svcs.Limiter, ratelimit.ResourceAuth, ratelimit.ActionLogin),
			authHandler.Login)
		auth.POST("/refresh",
			middleware.RateLimit(svcs.Limiter, ratelimit.ResourceSession, ratelimit.ActionRefresh),
			authHandler.Refresh)
	}

	// Second-factor completion runs under the pending-token scope.
	r.POST("/api/auth/verify-2fa",
		middleware.AuthPending(svcs.JWT),
		middleware.RateLimit(svcs.Limiter, ratelimit.ResourceMFA, ratelimit.ActionSecondFactor),
		authHandler.VerifySecondFactor)

	// Protected routes
	requireAuth := middleware.Auth(svcs.JWT)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.GET("/auth/sessions", authHandler.ListSessions)
	api.POST("/auth/sessions/revoke/:id", authHandler.RevokeSession)

	mfaHandler := handlers.NewMFAHandler(db, svcs.MFA, svcs.Audit)
	mfaGroup := api.Group("/mfa")
	{
		mfaGroup.POST("/enroll",
			middleware.RateLimit(svcs.Limiter, ratelimit.ResourceMFA, ratelimit.ActionEnroll),
			mfaHandler.Enroll)
		mfaGroup.GET("/enroll/qrcode", mfaHandler.QRCode)
		mfaGroup.POST("/activate", mfaHandler.Activate)
		mfaGroup.GET("/status", mfaHandler.Status)
		mfaGroup.POST("/backup-codes/regenerate", mfaHandler.RegenerateBackupCodes)
		mfaGroup.POST("/disable", mfaHandler.Disable)
	}

	deviceHandler := handlers.NewDeviceHandler(svcs.Devices)
	devices := api.Group("/devices")
	{
		devices.GET("", deviceHandler.List)
		devices.POST("/:id/trust", deviceHandler.Trust)
		devices.POST("/:id/revoke", deviceHandler.Revoke)
	}

	auditHandler := handlers.NewAuditHandler(svcs.Audit)
	api.GET("/security/audit", auditHandler.List)

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
