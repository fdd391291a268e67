package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"devlink-server/internal/auth"
	"devlink-server/internal/middleware"
	"devlink-server/internal/store"
)

type AuthHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Limiter     *middleware.RateLimiter
}

type authBody struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// Auth enrolls or recognizes a controller by its public key. The caller
// proves key possession by signing the challenge; only then is a token
// minted.
func (h *AuthHandler) Auth(c *gin.Context) {
	if h.Limiter != nil && !h.Limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := auth.VerifyEnrollment(body.PublicKey, body.Challenge, body.Signature); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UnixMilli()
	ctrl, err := h.Store.GetOrCreateController(c.Request.Context(), uuid.NewString(), body.PublicKey, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Enrollment failed"})
		return
	}

	token, err := auth.CreateControllerToken(ctrl.ID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "controllerId": ctrl.ID})
}
