package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/certivault/certivault/internal/auth"
	appErrors "github.com/certivault/certivault/pkg/errors"
	"github.com/certivault/certivault/pkg/response"
)

// DeviceHandler exposes the device trust registry.
type DeviceHandler struct {
	devices *iauth.DeviceService
}

func NewDeviceHandler(devices *iauth.DeviceService) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

// GET /api/devices
func (h *DeviceHandler) List(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	devices, err := h.devices.ListDevices(userID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"devices": devices})
}

// POST /api/devices/:id/trust
func (h *DeviceHandler) Trust(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	device, err := h.devices.Trust(userID, c.Param("id"))
	if err != nil {
		response.Error(c, mapDeviceError(err))
		return
	}

	response.Success(c, http.StatusOK, device)
}

type revokeDeviceRequest struct {
	Reason string `json:"reason"`
}

// DELETE /api/devices/:id
func (h *DeviceHandler) Revoke(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req revokeDeviceRequest
	_ = c.ShouldBindJSON(&req)

	err := h.devices.Revoke(userID, c.Param("id"), userID, strings.TrimSpace(req.Reason))
	if err != nil {
		response.Error(c, mapDeviceError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

func mapDeviceError(err error) error {
	switch {
	case errors.Is(err, iauth.ErrDeviceNotFound):
		return appErrors.ErrNotFound
	case errors.Is(err, iauth.ErrDeviceForbidden):
		return appErrors.ErrForbidden
	case errors.Is(err, iauth.ErrDeviceAlreadyRevoked):
		return appErrors.NewBadRequest("device is already revoked")
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}
