package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-realtime/internal/models"
	"conversation-realtime/internal/telemetry"
)

// AdminHandler exposes internal endpoints used by the persistence side.
type AdminHandler struct {
	service RealtimeService
	emitter *telemetry.AuditEmitter
}

// NewAdminHandler builds an AdminHandler. emitter may be nil.
func NewAdminHandler(service RealtimeService, emitter *telemetry.AuditEmitter) *AdminHandler {
	return &AdminHandler{service: service, emitter: emitter}
}

// EvictParticipant removes a user's sockets from the conversation room everywhere.
func (h *AdminHandler) EvictParticipant(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	target := c.Param("user_id")

	if err := h.service.EvictParticipant(c.Request.Context(), conversationID, target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to evict participant"})
		return
	}
	auditEviction(c, h.emitter, conversationID, target, false)
	c.JSON(http.StatusAccepted, gin.H{"status": "evicting"})
}

func auditEviction(c *gin.Context, emitter *telemetry.AuditEmitter, conversationID, target string, sample bool) {
	fields := map[string]string{
		"conversation_id": conversationID,
		"target_user_id":  target,
	}
	if sample {
		fields["sample"] = "true"
	}
	emitter.Emit(c.Request.Context(), "WARN", "participant evicted", requestIDFromContext(c), userIDFromContext(c), fields)
}

type statusRequest struct {
	Status models.ConversationStatus `json:"status" binding:"required"`
}

// UpdateStatus broadcasts a conversation status change to connected participants.
func (h *AdminHandler) UpdateStatus(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.UpdateConversation(c.Request.Context(), conversationID, req.Status); err != nil {
		if errors.Is(err, models.ErrInvalidAction) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
		return
	}
	h.emitter.Emit(c.Request.Context(), "INFO", "conversation status changed", requestIDFromContext(c), userIDFromContext(c), map[string]string{
		"conversation_id": conversationID,
		"status":          string(req.Status),
	})
	c.JSON(http.StatusAccepted, gin.H{"status": req.Status})
}
