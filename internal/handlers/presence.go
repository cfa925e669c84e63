package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-realtime/internal/models"
	"conversation-realtime/internal/presence"
	"conversation-realtime/internal/repositories"
	"conversation-realtime/internal/ws"
)

// RealtimeService is the slice of the gateway exposed over HTTP.
type RealtimeService interface {
	ConversationPresence(ctx context.Context, conversationID string) ([]models.ParticipantPresence, error)
	UserStatus(ctx context.Context, userID string) (presence.Status, error)
	EvictParticipant(ctx context.Context, conversationID, userID string) error
	UpdateConversation(ctx context.Context, conversationID string, status models.ConversationStatus) error
	Health(ctx context.Context) map[string]string
	RoomMembers(conversationID string) []string
}

// PresenceHandler serves read-only presence endpoints.
type PresenceHandler struct {
	service   RealtimeService
	directory repositories.ConversationRepository
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(service RealtimeService, directory repositories.ConversationRepository) *PresenceHandler {
	return &PresenceHandler{service: service, directory: directory}
}

// ConversationPresence lists participants of a conversation with their live presence.
func (h *PresenceHandler) ConversationPresence(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	userID := c.GetString("userID")

	member, err := h.directory.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	participants, err := h.service.ConversationPresence(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, ws.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presence"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conversationID, "participants": participants})
}

// UserStatus reports whether a user is online anywhere.
func (h *PresenceHandler) UserStatus(c *gin.Context) {
	userID := c.Param("user_id")
	status, err := h.service.UserStatus(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}

	resp := gin.H{"userId": userID, "status": status.State}
	if !status.LastSeen.IsZero() {
		resp["lastSeen"] = status.LastSeen
	}
	c.JSON(http.StatusOK, resp)
}
