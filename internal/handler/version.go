package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is the relay build reported to clients. Overridden at link time
// for release builds.
var Version = "dev"

type VersionHandler struct{}

// Check reports the server build so controllers and devices can gate
// features that need a newer relay.
func (h *VersionHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"server": "devlink-server", "version": Version})
}
