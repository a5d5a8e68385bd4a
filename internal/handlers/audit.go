package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/security"
	appErrors "github.com/certivault/certivault/pkg/errors"
	"github.com/certivault/certivault/pkg/response"
)

// AuditHandler reads the security audit trail.
type AuditHandler struct {
	audit *security.AuditService
}

func NewAuditHandler(audit *security.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// GET /api/security/audit
func (h *AuditHandler) List(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	opts := security.ListOptions{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "page_size", 50),
		Filters: security.Filters{
			// Users only ever see their own trail.
			ActorID:   userID,
			EventType: strings.TrimSpace(c.Query("event_type")),
			Severity:  models.AuditSeverity(strings.TrimSpace(c.Query("severity"))),
		},
	}

	if since := strings.TrimSpace(c.Query("since")); since != "" {
		if parsed, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Filters.Since = &parsed
		}
	}
	if until := strings.TrimSpace(c.Query("until")); until != "" {
		if parsed, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Filters.Until = &parsed
		}
	}

	entries, total, err := h.audit.List(requestContext(c), opts)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"entries": entries,
		"total":   total,
	})
}
