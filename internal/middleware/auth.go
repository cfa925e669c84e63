package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-realtime/internal/identity"
	"conversation-realtime/internal/observability"
)

// AuthMiddleware validates the bearer token with the configured authenticator.
func AuthMiddleware(auth identity.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := observability.BearerToken(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		id, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", id.UserID)
		c.Set("role", id.Role)
		c.Next()
	}
}

// RequireAdmin rejects principals without the admin role. It must run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get("role")
		role, _ := value.(identity.Role)
		if !(identity.Identity{Role: role}).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}
