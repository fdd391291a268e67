package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"devlink-server/internal/auth"
)

const controllerIDContextKey = "controllerID"

func ControllerIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(controllerIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// RequireController admits bearer tokens of controller principals only;
// device tokens cannot open the admin surface.
func RequireController(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyControllerToken(parts[1], cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(controllerIDContextKey, claims.Subject)
		c.Next()
	}
}
