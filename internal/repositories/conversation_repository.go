package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"conversation-realtime/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrParticipantNotFound  = errors.New("participant not found")
)

// ConversationRepository is the Participant Directory: who may take part in a conversation.
type ConversationRepository interface {
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error)
	GetParticipant(ctx context.Context, conversationID string, userID string) (models.Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const participantColumns = `conversation_id, user_id, role, joined_at, left_at, last_read_at, notifications_enabled`

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, project_id, type, status, assigned_to, created_at, updated_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user currently belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2 AND left_at IS NULL)`, conversationID, userID)
	return exists, err
}

// GetParticipant returns the active participant row for the user.
func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID string, userID string) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p, `SELECT `+participantColumns+` FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2 AND left_at IS NULL`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, err
}

// ListParticipants returns active participants ordered by join time.
func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	var participants []models.Participant
	err := r.db.SelectContext(ctx, &participants, `SELECT `+participantColumns+` FROM conversation_participants WHERE conversation_id=$1 AND left_at IS NULL ORDER BY joined_at ASC`, conversationID)
	return participants, err
}
