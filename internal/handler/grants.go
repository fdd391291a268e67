package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"devlink-server/internal/middleware"
	"devlink-server/internal/perm"
	"devlink-server/internal/store"
)

// GrantHandler manages delegated control. Every mutation invalidates the
// oracle's cached decision for the pair so revocation takes effect without
// waiting out the TTL.
type GrantHandler struct {
	Store  *store.Store
	Oracle *perm.Oracle
}

type upsertGrantBody struct {
	ControllerID string   `json:"controllerId"`
	Permissions  []string `json:"permissions"`
}

func (h *GrantHandler) requireOwner(c *gin.Context, deviceID string) (string, bool) {
	controllerID, ok := middleware.ControllerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return "", false
	}
	owner, err := h.Store.IsOwner(c.Request.Context(), controllerID, deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ownership lookup failed"})
		return "", false
	}
	if !owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not the device owner"})
		return "", false
	}
	return controllerID, true
}

func (h *GrantHandler) Upsert(c *gin.Context) {
	deviceID := c.Param("id")
	if _, ok := h.requireOwner(c, deviceID); !ok {
		return
	}

	var body upsertGrantBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ControllerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	if err := h.Store.UpsertGrant(c.Request.Context(), body.ControllerID, deviceID, body.Permissions, now); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Grant failed"})
		return
	}
	h.Oracle.Invalidate(body.ControllerID, deviceID)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *GrantHandler) Revoke(c *gin.Context) {
	deviceID := c.Param("id")
	if _, ok := h.requireOwner(c, deviceID); !ok {
		return
	}

	grantee := c.Param("controllerId")
	if grantee == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.Store.RevokeGrant(c.Request.Context(), grantee, deviceID, time.Now().UnixMilli())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Grant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Revoke failed"})
		return
	}
	h.Oracle.Invalidate(grantee, deviceID)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *GrantHandler) List(c *gin.Context) {
	deviceID := c.Param("id")
	if _, ok := h.requireOwner(c, deviceID); !ok {
		return
	}

	grants, err := h.Store.ListGrantsForDevice(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Grant lookup failed"})
		return
	}

	resp := make([]gin.H, 0, len(grants))
	for _, g := range grants {
		resp = append(resp, gin.H{
			"controllerId": g.ControllerID,
			"status":       g.Status,
			"permissions":  g.Permissions,
			"grantedAt":    g.GrantedAt,
			"revokedAt":    g.RevokedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"grants": resp})
}
