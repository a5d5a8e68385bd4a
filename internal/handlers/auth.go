package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/certivault/certivault/internal/auth"
	"github.com/certivault/certivault/internal/middleware"
	"github.com/certivault/certivault/internal/models"
	appErrors "github.com/certivault/certivault/pkg/errors"
	"github.com/certivault/certivault/pkg/response"
)

// AuthHandler manages authentication flows (login/verify-2fa/refresh/logout/me).
type AuthHandler struct {
	db       *gorm.DB
	jwt      *iauth.JWTService
	verifier *iauth.Verifier
	sessions *iauth.SessionService
	devices  *iauth.DeviceService
}

func NewAuthHandler(db *gorm.DB, jwt *iauth.JWTService, verifier *iauth.Verifier, sessions *iauth.SessionService, devices *iauth.DeviceService) *AuthHandler {
	return &AuthHandler{db: db, jwt: jwt, verifier: verifier, sessions: sessions, devices: devices}
}

type loginRequest struct {
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceName        string `json:"device_name"`
}

type verifySecondFactorRequest struct {
	Code              string `json:"code" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceName        string `json:"device_name"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	outcome, err := h.verifier.VerifyPassword(requestContext(c), iauth.PasswordInput{
		Email:             req.Email,
		Password:          req.Password,
		IPAddress:         c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		response.Error(c, mapVerifierError(err))
		return
	}

	if outcome.Status == iauth.StatusSecondFactorRequired {
		pending, err := h.jwt.GeneratePendingToken(outcome.User.ID, outcome.User.TenantID)
		if err != nil {
			response.Error(c, appErrors.ErrInternalServer)
			return
		}

		response.Success(c, http.StatusOK, gin.H{
			"status":        "second_factor_required",
			"pending_token": pending,
		})
		return
	}

	h.establishSession(c, outcome, req.DeviceFingerprint, req.DeviceName)
}

// POST /api/auth/verify-2fa
func (h *AuthHandler) VerifySecondFactor(c *gin.Context) {
	claims := pendingClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req verifySecondFactorRequest
	if !bindAndValidate(c, &req) {
		return
	}

	outcome, err := h.verifier.VerifySecondFactor(requestContext(c), iauth.SecondFactorInput{
		UserID:    claims.UserID,
		Code:      req.Code,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, mapVerifierError(err))
		return
	}

	h.establishSession(c, outcome, req.DeviceFingerprint, req.DeviceName)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, _, err := h.sessions.RefreshSession(req.RefreshToken, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, mapSessionError(err))
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req logoutRequest
	// The body is optional: an authenticated caller can log out by session.
	_ = c.ShouldBindJSON(&req)

	if token := strings.TrimSpace(req.RefreshToken); token != "" {
		if err := h.sessions.Logout(token); err != nil {
			response.Error(c, appErrors.ErrInternalServer)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"revoked": true})
		return
	}

	sid := currentSessionID(c)
	if sid == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeSession(sid, ""); err != nil && !errors.Is(err, iauth.ErrSessionNotFound) {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, userPayload(&user))
}

// GET /api/auth/sessions
func (h *AuthHandler) ListSessions(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessions, err := h.sessions.ListActiveSessions(userID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// DELETE /api/auth/sessions/:id
func (h *AuthHandler) RevokeSession(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))

	var session models.Session
	if err := h.db.Take(&session, "id = ?", sessionID).Error; err != nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}
	if session.UserID != userID {
		response.Error(c, appErrors.ErrForbidden)
		return
	}

	if err := h.sessions.RevokeSession(sessionID, ""); err != nil {
		if errors.Is(err, iauth.ErrSessionNotFound) {
			response.Error(c, appErrors.ErrNotFound)
			return
		}
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// establishSession finishes a fully verified login: it resolves the device,
// creates the session, and writes the token payload.
func (h *AuthHandler) establishSession(c *gin.Context, outcome *iauth.Outcome, fingerprint, deviceName string) {
	user := outcome.User

	var deviceID *string
	if fp := strings.TrimSpace(fingerprint); fp != "" {
		device, err := h.devices.Identify(user.ID, iauth.DeviceInfo{
			Fingerprint: fp,
			DisplayName: deviceName,
			UserAgent:   c.Request.UserAgent(),
		})
		if err != nil {
			response.Error(c, appErrors.ErrInternalServer)
			return
		}
		if device.IsRevoked {
			response.Error(c, appErrors.ErrDeviceRevoked)
			return
		}
		deviceID = &device.ID
	}

	pair, _, err := h.sessions.CreateSession(user.ID, iauth.SessionMetadata{
		TenantID:  user.TenantID,
		DeviceID:  deviceID,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	payload := gin.H{
		"status": "authenticated",
		"tokens": tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
		"user":   userPayload(user),
	}
	if outcome.UsedBackupCode {
		payload["used_backup_code"] = true
		payload["remaining_backup_codes"] = outcome.RemainingBackupCodes
	}

	response.Success(c, http.StatusOK, payload)
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":                 user.ID,
		"tenant_id":          user.TenantID,
		"email":              user.Email,
		"first_name":         user.FirstName,
		"last_name":          user.LastName,
		"is_active":          user.IsActive,
		"two_factor_enabled": user.TwoFactorEnabled,
		"last_login_at":      user.LastLoginAt,
	}
}

func pendingClaims(c *gin.Context) *iauth.Claims {
	v, ok := c.Get(middleware.CtxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*iauth.Claims)
	if claims == nil || !claims.Pending() {
		return nil
	}
	return claims
}

func mapVerifierError(err error) error {
	switch {
	// A disabled account reads as bad credentials so callers cannot probe
	// which addresses have an account at all.
	case errors.Is(err, iauth.ErrInvalidCredentials), errors.Is(err, iauth.ErrAccountDisabled):
		return appErrors.ErrInvalidCredentials
	case errors.Is(err, iauth.ErrAccountLocked):
		return appErrors.ErrAccountLocked
	case errors.Is(err, iauth.ErrSecondFactorInvalid), errors.Is(err, iauth.ErrSecondFactorNotEnabled):
		return appErrors.ErrInvalidSecondFactor
	case errors.Is(err, iauth.ErrTooManyAttempts):
		return appErrors.ErrRateLimited
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, iauth.ErrTokenReuse):
		return appErrors.ErrTokenReused
	case errors.Is(err, iauth.ErrSessionExpired):
		return appErrors.ErrTokenExpired
	case errors.Is(err, iauth.ErrDeviceRevoked):
		return appErrors.ErrDeviceRevoked
	case errors.Is(err, iauth.ErrSessionNotFound),
		errors.Is(err, iauth.ErrSessionInvalidToken),
		errors.Is(err, iauth.ErrSessionRevoked):
		return appErrors.ErrTokenNotFound
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}
