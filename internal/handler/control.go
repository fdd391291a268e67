package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"devlink-server/internal/command"
	"devlink-server/internal/middleware"
	"devlink-server/internal/model"
	"devlink-server/internal/perm"
	"devlink-server/internal/task"
)

type ControlHandler struct {
	Router *command.Router
}

// Submit accepts a control request and returns the task id immediately.
// Unreachable devices still produce a pollable (failed) task; only
// admission errors are surfaced synchronously.
func (h *ControlHandler) Submit(c *gin.Context) {
	controllerID, ok := middleware.ControllerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	kind := c.Param("kind")
	deviceID := c.Param("deviceId")
	if kind == "" || deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	params := make(map[string]any)
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	t, err := h.Router.Submit(c.Request.Context(), controllerID, deviceID, kind, params)
	if err != nil {
		var invalid *command.InvalidParamsError
		var denied *perm.DeniedError
		switch {
		case errors.As(err, &invalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
		case errors.As(err, &denied):
			c.JSON(http.StatusForbidden, gin.H{"error": denied.Error()})
		case errors.Is(err, task.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "No open stream to stop"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Submission failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"taskId": t.ID, "state": t.State})
}

// Status polls a task. Tasks submitted by other controllers are
// indistinguishable from tasks that never existed.
func (h *ControlHandler) Status(c *gin.Context) {
	controllerID, ok := middleware.ControllerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	t, err := h.Router.GetStatus(c.Param("id"), controllerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, taskBody(t))
}

func (h *ControlHandler) Cancel(c *gin.Context) {
	controllerID, ok := middleware.ControllerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	t, err := h.Router.Cancel(controllerID, c.Param("id"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	// A conflict means the task finished first; report its actual state.
	c.JSON(http.StatusOK, taskBody(t))
}

func taskBody(t model.Task) gin.H {
	body := gin.H{
		"taskId":    t.ID,
		"deviceId":  t.DeviceID,
		"kind":      t.Kind,
		"state":     t.State,
		"createdAt": t.CreatedAt,
	}
	if t.State.Terminal() {
		body["resolvedAt"] = t.ResolvedAt
		if t.State == model.TaskCompleted && t.Result != nil {
			body["result"] = t.Result
		}
		if t.Error != nil {
			body["error"] = t.Error
		}
	}
	return body
}
