package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType discriminates outbound and fan-out events.
type EventType string

const (
	EventNewMessage          EventType = "new-message"
	EventMessageUpdated      EventType = "message-updated"
	EventMessageDeleted      EventType = "message-deleted"
	EventMessageRead         EventType = "message-read"
	EventUserJoined          EventType = "user-joined"
	EventUserLeft            EventType = "user-left"
	EventUserTyping          EventType = "user-typing"
	EventUserStoppedTyping   EventType = "user-stopped-typing"
	EventUserStatusChange    EventType = "user-status-change"
	EventConversationUpdated EventType = "conversation-updated"
	EventParticipantRemoved  EventType = "participant-removed"
	EventConversationJoined  EventType = "conversation-joined"
	EventAck                 EventType = "ack"
	EventSystemStatus        EventType = "system-status"
	EventError               EventType = "error"
)

// Ephemeral events may be dropped under backpressure before message events.
func (t EventType) Ephemeral() bool {
	switch t {
	case EventUserTyping, EventUserStoppedTyping, EventUserStatusChange, EventSystemStatus:
		return true
	}
	return false
}

// Payload is implemented by every typed event body.
type Payload interface {
	eventType() EventType
}

type NewMessage struct {
	Message  Message `json:"message"`
	IsOwn    bool    `json:"isOwn"`
	Replayed bool    `json:"replayed,omitempty"`
}

type MessageUpdated struct {
	Message Message `json:"message"`
}

type MessageDeleted struct {
	MessageID string    `json:"messageId"`
	DeletedBy string    `json:"deletedBy"`
	DeletedAt time.Time `json:"deletedAt"`
}

type MessageRead struct {
	UserID     string    `json:"userId"`
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

type UserJoined struct {
	UserID string          `json:"userId"`
	Role   ParticipantRole `json:"role,omitempty"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

type UserTyping struct {
	UserID string `json:"userId"`
}

type UserStoppedTyping struct {
	UserID string `json:"userId"`
}

// PresenceStatus is the coarse online state of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type UserStatusChange struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

type ConversationUpdated struct {
	Status ConversationStatus `json:"status,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// ParticipantRemoved instructs every instance to evict a user's sockets.
// Present is set when the user held a socket in the room on any instance.
type ParticipantRemoved struct {
	UserID  string `json:"userId"`
	Present bool   `json:"present"`
}

// ConversationJoined is the snapshot returned to a socket that joined a room.
type ConversationJoined struct {
	Conversation Conversation          `json:"conversation"`
	Participants []ParticipantPresence `json:"participants"`
	Typing       []string              `json:"typing"`
}

type Ack struct {
	Action  ActionType `json:"action"`
	Message *Message   `json:"message,omitempty"`
	Count   int        `json:"count,omitempty"`
}

type SystemStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
}

type ErrorPayload struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Action  ActionType `json:"action,omitempty"`
}

func (NewMessage) eventType() EventType          { return EventNewMessage }
func (MessageUpdated) eventType() EventType      { return EventMessageUpdated }
func (MessageDeleted) eventType() EventType      { return EventMessageDeleted }
func (MessageRead) eventType() EventType         { return EventMessageRead }
func (UserJoined) eventType() EventType          { return EventUserJoined }
func (UserLeft) eventType() EventType            { return EventUserLeft }
func (UserTyping) eventType() EventType          { return EventUserTyping }
func (UserStoppedTyping) eventType() EventType   { return EventUserStoppedTyping }
func (UserStatusChange) eventType() EventType    { return EventUserStatusChange }
func (ConversationUpdated) eventType() EventType { return EventConversationUpdated }
func (ParticipantRemoved) eventType() EventType  { return EventParticipantRemoved }
func (ConversationJoined) eventType() EventType  { return EventConversationJoined }
func (Ack) eventType() EventType                 { return EventAck }
func (SystemStatus) eventType() EventType        { return EventSystemStatus }
func (ErrorPayload) eventType() EventType        { return EventError }

// Origin identifies the socket and process that caused an event.
type Origin struct {
	Instance string `json:"instance,omitempty"`
	ConnID   string `json:"connId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// Event is the unit carried by the fan-out bus and delivered to sockets.
type Event struct {
	ID             string
	Type           EventType
	ConversationID string
	RequestID      string
	Origin         Origin
	OccurredAt     time.Time
	Payload        Payload
}

// NewEvent stamps a payload with a sortable id and timestamp.
func NewEvent(conversationID string, payload Payload) Event {
	return Event{
		ID:             ulid.Make().String(),
		Type:           payload.eventType(),
		ConversationID: conversationID,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	}
}

// WithOrigin returns a copy of e attributed to origin.
func (e Event) WithOrigin(origin Origin) Event {
	e.Origin = origin
	return e
}

type eventWire struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Origin         *Origin         `json:"origin,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the bus form of the event, origin included.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	origin := e.Origin
	return json.Marshal(eventWire{
		ID:             e.ID,
		Type:           e.Type,
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
		Origin:         &origin,
		OccurredAt:     e.OccurredAt,
		Payload:        payload,
	})
}

// UnmarshalJSON decodes the payload according to the type discriminator.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:             wire.ID,
		Type:           wire.Type,
		ConversationID: wire.ConversationID,
		RequestID:      wire.RequestID,
		OccurredAt:     wire.OccurredAt,
		Payload:        payload,
	}
	if wire.Origin != nil {
		e.Origin = *wire.Origin
	}
	return nil
}

// ClientJSON encodes the form sent to sockets, without origin metadata.
func (e Event) ClientJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{
		ID:             e.ID,
		Type:           e.Type,
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
		OccurredAt:     e.OccurredAt,
		Payload:        payload,
	})
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventNewMessage:
		p = &NewMessage{}
	case EventMessageUpdated:
		p = &MessageUpdated{}
	case EventMessageDeleted:
		p = &MessageDeleted{}
	case EventMessageRead:
		p = &MessageRead{}
	case EventUserJoined:
		p = &UserJoined{}
	case EventUserLeft:
		p = &UserLeft{}
	case EventUserTyping:
		p = &UserTyping{}
	case EventUserStoppedTyping:
		p = &UserStoppedTyping{}
	case EventUserStatusChange:
		p = &UserStatusChange{}
	case EventConversationUpdated:
		p = &ConversationUpdated{}
	case EventParticipantRemoved:
		p = &ParticipantRemoved{}
	case EventConversationJoined:
		p = &ConversationJoined{}
	case EventAck:
		p = &Ack{}
	case EventSystemStatus:
		p = &SystemStatus{}
	case EventError:
		p = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

// deref keeps payloads stored by value so type switches see one form.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *NewMessage:
		return *v
	case *MessageUpdated:
		return *v
	case *MessageDeleted:
		return *v
	case *MessageRead:
		return *v
	case *UserJoined:
		return *v
	case *UserLeft:
		return *v
	case *UserTyping:
		return *v
	case *UserStoppedTyping:
		return *v
	case *UserStatusChange:
		return *v
	case *ConversationUpdated:
		return *v
	case *ParticipantRemoved:
		return *v
	case *ConversationJoined:
		return *v
	case *Ack:
		return *v
	case *SystemStatus:
		return *v
	case *ErrorPayload:
		return *v
	}
	return p
}
