package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports component state. A degraded component does not fail the probe.
func Health(service RealtimeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		components := service.Health(c.Request.Context())
		status := "ok"
		for _, state := range components {
			if state != "ok" {
				status = "degraded"
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "components": components})
	}
}
