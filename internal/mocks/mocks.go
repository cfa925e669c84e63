package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"conversation-realtime/internal/identity"
	"conversation-realtime/internal/models"
	"conversation-realtime/internal/presence"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) GetParticipant(ctx context.Context, conversationID string, userID string) (models.Participant, error) {
	args := m.Called(ctx, conversationID, userID)
	var p models.Participant
	if val := args.Get(0); val != nil {
		p = val.(models.Participant)
	}
	return p, args.Error(1)
}

func (m *ConversationRepositoryMock) ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	args := m.Called(ctx, conversationID)
	var list []models.Participant
	if val := args.Get(0); val != nil {
		list = val.([]models.Participant)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, conversationID string, senderID string, content string, msgType models.MessageType, metadata []byte) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content, msgType, metadata)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) EditMessage(ctx context.Context, conversationID string, messageID string, editorID string, content string) (models.Message, error) {
	args := m.Called(ctx, conversationID, messageID, editorID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, conversationID string, messageID string, actorID string, moderator bool) (models.Message, error) {
	args := m.Called(ctx, conversationID, messageID, actorID, moderator)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID string, userID string, messageIDs []string) (int, error) {
	args := m.Called(ctx, conversationID, userID, messageIDs)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) FetchSince(ctx context.Context, conversationID string, since models.Watermark, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, since, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msg *models.Message
	if val := args.Get(0); val != nil {
		msg = val.(*models.Message)
	}
	return msg, args.Error(1)
}

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, token string) (identity.Identity, error) {
	args := m.Called(ctx, token)
	var id identity.Identity
	if val := args.Get(0); val != nil {
		id = val.(identity.Identity)
	}
	return id, args.Error(1)
}

type NotifySinkMock struct {
	mock.Mock
}

func (m *NotifySinkMock) NotifyNewMessage(ctx context.Context, recipients []string, msg models.Message) error {
	args := m.Called(ctx, recipients, msg)
	return args.Error(0)
}

// RealtimeServiceMock stands in for the gateway behind the HTTP handlers.
type RealtimeServiceMock struct {
	mock.Mock
}

func (m *RealtimeServiceMock) ConversationPresence(ctx context.Context, conversationID string) ([]models.ParticipantPresence, error) {
	args := m.Called(ctx, conversationID)
	var list []models.ParticipantPresence
	if val := args.Get(0); val != nil {
		list = val.([]models.ParticipantPresence)
	}
	return list, args.Error(1)
}

func (m *RealtimeServiceMock) UserStatus(ctx context.Context, userID string) (presence.Status, error) {
	args := m.Called(ctx, userID)
	var status presence.Status
	if val := args.Get(0); val != nil {
		status = val.(presence.Status)
	}
	return status, args.Error(1)
}

func (m *RealtimeServiceMock) EvictParticipant(ctx context.Context, conversationID string, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *RealtimeServiceMock) UpdateConversation(ctx context.Context, conversationID string, status models.ConversationStatus) error {
	args := m.Called(ctx, conversationID, status)
	return args.Error(0)
}

func (m *RealtimeServiceMock) Health(ctx context.Context) map[string]string {
	args := m.Called(ctx)
	var health map[string]string
	if val := args.Get(0); val != nil {
		health = val.(map[string]string)
	}
	return health
}

func (m *RealtimeServiceMock) RoomMembers(conversationID string) []string {
	args := m.Called(conversationID)
	var members []string
	if val := args.Get(0); val != nil {
		members = val.([]string)
	}
	return members
}
