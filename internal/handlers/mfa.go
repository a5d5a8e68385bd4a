package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/certivault/certivault/internal/auth/mfa"
	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/security"
	appErrors "github.com/certivault/certivault/pkg/errors"
	"github.com/certivault/certivault/pkg/response"
)

// MFAHandler manages two-factor enrollment and backup codes.
type MFAHandler struct {
	db    *gorm.DB
	mfa   *mfa.Service
	audit security.Recorder
}

func NewMFAHandler(db *gorm.DB, mfaService *mfa.Service, audit security.Recorder) *MFAHandler {
	return &MFAHandler{db: db, mfa: mfaService, audit: audit}
}

// POST /api/mfa/enroll
func (h *MFAHandler) Enroll(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	enrollment, err := h.mfa.StartEnrollment(user.ID, user.Email)
	if err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	// The secret and backup codes are shown exactly once.
	response.Success(c, http.StatusOK, gin.H{
		"secret":       enrollment.Secret,
		"otpauth_url":  enrollment.OtpauthURL,
		"backup_codes": enrollment.BackupCodes,
	})
}

// GET /api/mfa/qr
func (h *MFAHandler) QRCode(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	png, err := h.mfa.QRCodePNG(user.ID, user.Email)
	if err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

type activateRequest struct {
	Code string `json:"code" validate:"required"`
}

// POST /api/mfa/activate
func (h *MFAHandler) Activate(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req activateRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.mfa.Activate(user.ID, req.Code); err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	h.record(c, security.Entry{
		EventType:    security.EventMFAEnrolled,
		ActorID:      user.ID,
		ActorEmail:   user.Email,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		IsSuccessful: true,
	})

	response.Success(c, http.StatusOK, gin.H{"enabled": true})
}

// GET /api/mfa
func (h *MFAHandler) Status(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	enabled, err := h.mfa.IsEnabled(user.ID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	payload := gin.H{"enabled": enabled}
	if enabled {
		remaining, err := h.mfa.RemainingBackupCodes(user.ID)
		if err != nil {
			response.Error(c, appErrors.ErrInternalServer)
			return
		}
		payload["remaining_backup_codes"] = remaining
	}

	response.Success(c, http.StatusOK, payload)
}

// POST /api/mfa/backup-codes
func (h *MFAHandler) RegenerateBackupCodes(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	codes, err := h.mfa.RegenerateBackupCodes(user.ID)
	if err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	h.record(c, security.Entry{
		EventType:    security.EventBackupCodesReissued,
		Severity:     models.SeverityWarning,
		ActorID:      user.ID,
		ActorEmail:   user.Email,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		IsSuccessful: true,
	})

	response.Success(c, http.StatusOK, gin.H{"backup_codes": codes})
}

// DELETE /api/mfa
func (h *MFAHandler) Disable(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	if err := h.mfa.Disable(user.ID); err != nil {
		response.Error(c, mapMFAError(err))
		return
	}

	h.record(c, security.Entry{
		EventType:    security.EventMFADisabled,
		Severity:     models.SeverityWarning,
		ActorID:      user.ID,
		ActorEmail:   user.Email,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		IsSuccessful: true,
	})

	response.Success(c, http.StatusOK, gin.H{"enabled": false})
}

func (h *MFAHandler) currentUser(c *gin.Context) (*models.User, bool) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}

	var user models.User
	if err := h.db.Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return &user, true
}

func (h *MFAHandler) record(c *gin.Context, entry security.Entry) {
	if h.audit == nil {
		return
	}
	h.audit.Record(requestContext(c), entry)
}

func mapMFAError(err error) error {
	switch {
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		return appErrors.NewBadRequest("two-factor authentication is already enabled")
	case errors.Is(err, mfa.ErrNotEnabled), errors.Is(err, mfa.ErrCredentialNotFound):
		return appErrors.NewBadRequest("two-factor authentication is not enabled")
	case errors.Is(err, mfa.ErrInvalidCode):
		return appErrors.ErrInvalidSecondFactor
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}
