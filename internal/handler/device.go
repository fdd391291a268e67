package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"devlink-server/internal/auth"
	"devlink-server/internal/middleware"
	"devlink-server/internal/model"
	"devlink-server/internal/presence"
	"devlink-server/internal/store"
)

type DeviceHandler struct {
	Store       *store.Store
	Registry    *presence.Registry
	TokenConfig auth.TokenConfig
}

type registerDeviceBody struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
}

// Register creates a device row owned by the caller and mints the device
// token the device will present on its transport authenticate.
func (h *DeviceHandler) Register(c *gin.Context) {
	controllerID, ok := middleware.ControllerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body registerDeviceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	d := model.Device{
		ID:        uuid.NewString(),
		OwnerID:   controllerID,
		Name:      body.Name,
		PublicKey: body.PublicKey,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := h.Store.RegisterDevice(c.Request.Context(), d); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Device registration failed"})
		return
	}

	deviceToken, err := auth.CreateDeviceToken(d.ID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device": gin.H{
			"id":        d.ID,
			"name":      d.Name,
			"createdAt": d.CreatedAt,
		},
		"deviceToken": deviceToken,
	})
}

func (h *DeviceHandler) List(c *gin.Context) {
	controllerID, ok := middleware.ControllerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	devices, err := h.Store.ListDevices(c.Request.Context(), controllerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Device lookup failed"})
		return
	}

	resp := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		_, online := h.Registry.LookupDeviceSession(d.ID)
		resp = append(resp, gin.H{
			"id":        d.ID,
			"name":      d.Name,
			"createdAt": d.CreatedAt,
			"online":    online,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}
