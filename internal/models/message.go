package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Message is a persisted conversation message.
type Message struct {
	ID             string          `db:"id" json:"id"`
	ConversationID string          `db:"conversation_id" json:"conversationId"`
	SenderID       string          `db:"sender_id" json:"senderId"`
	Content        string          `db:"content" json:"content"`
	Type           MessageType     `db:"type" json:"type"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	EditedAt       sql.NullTime    `db:"edited_at" json:"-"`
	DeletedAt      sql.NullTime    `db:"deleted_at" json:"-"`
}

// MarshalJSON renders nullable markers as optional timestamps.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(struct {
		alias
		EditedAt  *time.Time `json:"editedAt,omitempty"`
		DeletedAt *time.Time `json:"deletedAt,omitempty"`
	}{
		alias:     alias(m),
		EditedAt:  nullTimePtr(m.EditedAt),
		DeletedAt: nullTimePtr(m.DeletedAt),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		EditedAt  *time.Time `json:"editedAt,omitempty"`
		DeletedAt *time.Time `json:"deletedAt,omitempty"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.EditedAt != nil {
		m.EditedAt = sql.NullTime{Time: *aux.EditedAt, Valid: true}
	}
	if aux.DeletedAt != nil {
		m.DeletedAt = sql.NullTime{Time: *aux.DeletedAt, Valid: true}
	}
	return nil
}

// Watermark returns the keyset position of the message.
func (m Message) Watermark() Watermark {
	return Watermark{At: m.CreatedAt, MessageID: m.ID}
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	MessageID string    `db:"message_id" json:"messageId"`
	UserID    string    `db:"user_id" json:"userId"`
	ReadAt    time.Time `db:"read_at" json:"readAt"`
}

// Watermark is a (createdAt, id) boundary. Messages strictly after it are unseen.
// A watermark without a message id, such as a participant's lastReadAt, covers
// everything created up to and including At.
type Watermark struct {
	At        time.Time `json:"at"`
	MessageID string    `json:"messageId,omitempty"`
}

// IsZero reports whether the watermark is unset.
func (w Watermark) IsZero() bool {
	return w.At.IsZero() && w.MessageID == ""
}

// Before reports whether w sorts strictly before other.
func (w Watermark) Before(other Watermark) bool {
	if !w.At.Equal(other.At) {
		return w.At.Before(other.At)
	}
	// an empty id covers every message created at that instant
	switch {
	case w.MessageID == "":
		return false
	case other.MessageID == "":
		return true
	}
	return w.MessageID < other.MessageID
}

// Max returns the later of the two watermarks.
func (w Watermark) Max(other Watermark) Watermark {
	if w.Before(other) {
		return other
	}
	return w
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
