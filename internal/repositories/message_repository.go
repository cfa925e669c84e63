package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"conversation-realtime/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotMessageOwner = errors.New("message belongs to another user")
)

// MessageRepository is the message persistence collaborator.
type MessageRepository interface {
	AppendMessage(ctx context.Context, conversationID string, senderID string, content string, msgType models.MessageType, metadata []byte) (models.Message, error)
	EditMessage(ctx context.Context, conversationID string, messageID string, editorID string, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, conversationID string, messageID string, actorID string, moderator bool) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string, userID string, messageIDs []string) (int, error)
	FetchSince(ctx context.Context, conversationID string, since models.Watermark, limit int) ([]models.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, type, metadata, created_at, edited_at, deleted_at`

// AppendMessage stores a new message and touches the conversation.
func (r *MessageRepo) AppendMessage(ctx context.Context, conversationID string, senderID string, content string, msgType models.MessageType, metadata []byte) (models.Message, error) {
	if msgType == "" {
		msgType = models.MessageText
	}
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var msg models.Message
	if err = tx.GetContext(ctx, &msg, `INSERT INTO messages (id, conversation_id, sender_id, content, type, metadata)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb) RETURNING `+messageColumns,
		uuid.NewString(), conversationID, senderID, content, msgType, string(metadata)); err != nil {
		return models.Message{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id=$1`, conversationID); err != nil {
		return models.Message{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// EditMessage replaces content of a live message written by editorID.
func (r *MessageRepo) EditMessage(ctx context.Context, conversationID string, messageID string, editorID string, content string) (models.Message, error) {
	current, err := r.getLive(ctx, conversationID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.SenderID != editorID {
		return models.Message{}, ErrNotMessageOwner
	}

	var msg models.Message
	err = r.db.GetContext(ctx, &msg, `UPDATE messages SET content=$1, edited_at=NOW()
        WHERE id=$2 AND conversation_id=$3 AND deleted_at IS NULL RETURNING `+messageColumns, content, messageID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage marks a message deleted. Moderators may delete any message.
func (r *MessageRepo) DeleteMessage(ctx context.Context, conversationID string, messageID string, actorID string, moderator bool) (models.Message, error) {
	current, err := r.getLive(ctx, conversationID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.SenderID != actorID && !moderator {
		return models.Message{}, ErrNotMessageOwner
	}

	var msg models.Message
	err = r.db.GetContext(ctx, &msg, `UPDATE messages SET deleted_at=NOW()
        WHERE id=$1 AND conversation_id=$2 AND deleted_at IS NULL RETURNING `+messageColumns, messageID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkRead inserts read receipts, ignoring duplicates, and advances the
// participant's last_read_at. It returns the number of new receipts.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, userID string, messageIDs []string) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT INTO message_read_receipts (message_id, user_id)
        SELECT id, $2 FROM messages WHERE conversation_id=$1 AND id = ANY($3)
        ON CONFLICT (message_id, user_id) DO NOTHING`, conversationID, userID, pq.Array(messageIDs))
	if err != nil {
		return 0, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversation_participants
        SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz),
            (SELECT MAX(created_at) FROM messages WHERE conversation_id=$1 AND id = ANY($3)))
        WHERE conversation_id=$1 AND user_id=$2 AND left_at IS NULL`, conversationID, userID, pq.Array(messageIDs)); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int(inserted), nil
}

// FetchSince returns live messages strictly after the watermark in creation order.
func (r *MessageRepo) FetchSince(ctx context.Context, conversationID string, since models.Watermark, limit int) ([]models.Message, error) {
	at := since.At
	if at.IsZero() {
		at = time.Unix(0, 0).UTC()
	}
	var msgs []models.Message
	var err error
	if since.MessageID == "" {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND deleted_at IS NULL AND created_at > $2
        ORDER BY created_at ASC, id ASC LIMIT $3`, conversationID, at, limit)
		return msgs, err
	}
	err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND deleted_at IS NULL AND (created_at, id) > ($2, $3)
        ORDER BY created_at ASC, id ASC LIMIT $4`, conversationID, at, since.MessageID, limit)
	return msgs, err
}

// LatestMessage returns the newest live message, or nil when the conversation is empty.
func (r *MessageRepo) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND deleted_at IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepo) getLive(ctx context.Context, conversationID string, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1 AND conversation_id=$2 AND deleted_at IS NULL`, messageID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
