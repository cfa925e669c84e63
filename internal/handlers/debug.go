package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-realtime/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, service RealtimeService, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/conversations/:conversation_id/sockets", func(c *gin.Context) {
		conversationID := c.Param("conversation_id")
		sockets := service.RoomMembers(conversationID)
		if sockets == nil {
			sockets = []string{}
		}
		c.JSON(http.StatusOK, gin.H{
			"conversationId": conversationID,
			"sockets":        sockets,
			"components":     service.Health(c.Request.Context()),
		})
	})

	// emits the eviction audit record without evicting anyone
	router.POST("/debug/conversations/:conversation_id/audit-eviction", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		target := c.DefaultQuery("user_id", "debug-user")
		auditEviction(c, emitter, c.Param("conversation_id"), target, true)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
