// ABOUTME: Thin administrative HTTP surface over the session registry.
// ABOUTME: Stats snapshot, system broadcast fan-out, and forced disconnects.

package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/registry"
)

// AdminAPI exposes the registry's administrative operations over HTTP.
type AdminAPI struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewAdminAPI creates the admin surface. Pass nil logger for default.
func NewAdminAPI(reg *registry.Registry, logger *slog.Logger) *AdminAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAPI{
		registry: reg,
		logger:   logger.With("component", "admin"),
	}
}

// RegisterRoutes attaches the admin endpoints to a router group.
func (a *AdminAPI) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", a.handleStats)
	rg.POST("/broadcast", a.handleBroadcast)
	rg.DELETE("/connections/:session_id", a.handleDisconnect)
}

// handleStats returns the live connection count, per-session metadata and
// the typing-state snapshot.
func (a *AdminAPI) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.registry.Stats())
}

// BroadcastRequest is the body of POST /api/broadcast.
type BroadcastRequest struct {
	Message string `json:"message" binding:"required"`
	Level   string `json:"level"`
}

// handleBroadcast wraps the message in a SYSTEM envelope addressed to the
// "system" sentinel session and fans it out. The returned count is the
// recipient count observed at dispatch time; actual delivery is best-effort.
func (a *AdminAPI) handleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	level := req.Level
	if level == "" {
		level = "info"
	}

	count := a.registry.Broadcast(protocol.NewSystem(protocol.SystemSessionID, req.Message, level))
	a.logger.Info("broadcast dispatched", "level", level, "recipients", count)
	c.JSON(http.StatusOK, gin.H{"recipients": count})
}

// handleDisconnect forcibly tears down one session. Unknown sessions report
// not-found rather than silently succeeding.
func (a *AdminAPI) handleDisconnect(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := a.registry.ForceDisconnect(sessionID); err != nil {
		if errors.Is(err, registry.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": sessionID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "session_id": sessionID})
}
