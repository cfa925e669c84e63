package models

import (
	"database/sql"
	"time"
)

// ConversationType classifies what a conversation is attached to.
type ConversationType string

const (
	ConversationProject ConversationType = "project"
	ConversationSupport ConversationType = "support"
	ConversationGeneral ConversationType = "general"
)

// ConversationStatus is the lifecycle state owned by the persistence side.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusClosed   ConversationStatus = "closed"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusClosed:
		return true
	}
	return false
}

// Conversation is a chat thread between agency staff and clients.
type Conversation struct {
	ID         string             `db:"id" json:"id"`
	ProjectID  sql.NullString     `db:"project_id" json:"-"`
	Type       ConversationType   `db:"type" json:"type"`
	Status     ConversationStatus `db:"status" json:"status"`
	AssignedTo sql.NullString     `db:"assigned_to" json:"-"`
	CreatedAt  time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time          `db:"updated_at" json:"updatedAt"`
}

// ParticipantRole is the per-conversation role of a user.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// CanModerate reports whether the role may delete other users' messages.
func (r ParticipantRole) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Participant links a user to a conversation.
type Participant struct {
	ConversationID       string          `db:"conversation_id" json:"conversationId"`
	UserID               string          `db:"user_id" json:"userId"`
	Role                 ParticipantRole `db:"role" json:"role"`
	JoinedAt             time.Time       `db:"joined_at" json:"joinedAt"`
	LeftAt               sql.NullTime    `db:"left_at" json:"-"`
	LastReadAt           sql.NullTime    `db:"last_read_at" json:"-"`
	NotificationsEnabled bool            `db:"notifications_enabled" json:"notificationsEnabled"`
}

// ParticipantPresence is a participant as seen in a room snapshot.
type ParticipantPresence struct {
	UserID     string          `json:"userId"`
	Role       ParticipantRole `json:"role"`
	Online     bool            `json:"online"`
	InRoom     bool            `json:"inRoom"`
	LastSeen   *time.Time      `json:"lastSeen,omitempty"`
	LastReadAt *time.Time      `json:"lastReadAt,omitempty"`
}
