package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ActionType discriminates inbound client frames.
type ActionType string

const (
	ActionJoinConversation  ActionType = "join-conversation"
	ActionLeaveConversation ActionType = "leave-conversation"
	ActionSendMessage       ActionType = "send-message"
	ActionEditMessage       ActionType = "edit-message"
	ActionDeleteMessage     ActionType = "delete-message"
	ActionMarkRead          ActionType = "message-read"
	ActionTypingStart       ActionType = "typing-start"
	ActionTypingStop        ActionType = "typing-stop"
	ActionHeartbeat         ActionType = "heartbeat"
)

// ErrInvalidAction is returned for frames that cannot be decoded or fail validation.
var ErrInvalidAction = errors.New("invalid action")

// MaxContentLength bounds message bodies accepted over the socket.
const MaxContentLength = 10000

// ActionPayload is implemented by every typed inbound body.
type ActionPayload interface {
	actionType() ActionType
	validate() error
}

type JoinConversation struct {
	ConversationID string     `json:"conversationId"`
	Since          *Watermark `json:"since,omitempty"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Type           MessageType     `json:"type,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type EditMessage struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
}

type DeleteMessage struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
}

type Heartbeat struct{}

func (JoinConversation) actionType() ActionType  { return ActionJoinConversation }
func (LeaveConversation) actionType() ActionType { return ActionLeaveConversation }
func (SendMessage) actionType() ActionType       { return ActionSendMessage }
func (EditMessage) actionType() ActionType       { return ActionEditMessage }
func (DeleteMessage) actionType() ActionType     { return ActionDeleteMessage }
func (MarkRead) actionType() ActionType          { return ActionMarkRead }
func (TypingStart) actionType() ActionType       { return ActionTypingStart }
func (TypingStop) actionType() ActionType        { return ActionTypingStop }
func (Heartbeat) actionType() ActionType         { return ActionHeartbeat }

func (a JoinConversation) validate() error  { return requireConversation(a.ConversationID) }
func (a LeaveConversation) validate() error { return requireConversation(a.ConversationID) }
func (a TypingStart) validate() error       { return requireConversation(a.ConversationID) }
func (a TypingStop) validate() error        { return requireConversation(a.ConversationID) }
func (Heartbeat) validate() error           { return nil }

func (a SendMessage) validate() error {
	if err := requireConversation(a.ConversationID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidAction)
	}
	if len(a.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidAction, MaxContentLength)
	}
	switch a.Type {
	case "", MessageText, MessageFile:
	default:
		// system messages are produced server side only
		return fmt.Errorf("%w: message type %q not allowed", ErrInvalidAction, a.Type)
	}
	if len(a.Metadata) > 0 && !json.Valid(a.Metadata) {
		return fmt.Errorf("%w: metadata is not valid json", ErrInvalidAction)
	}
	return nil
}

func (a EditMessage) validate() error {
	if err := requireConversation(a.ConversationID); err != nil {
		return err
	}
	if a.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalidAction)
	}
	if strings.TrimSpace(a.Content) == "" || len(a.Content) > MaxContentLength {
		return fmt.Errorf("%w: invalid content", ErrInvalidAction)
	}
	return nil
}

func (a DeleteMessage) validate() error {
	if err := requireConversation(a.ConversationID); err != nil {
		return err
	}
	if a.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalidAction)
	}
	return nil
}

func (a MarkRead) validate() error {
	if err := requireConversation(a.ConversationID); err != nil {
		return err
	}
	if len(a.MessageIDs) == 0 {
		return fmt.Errorf("%w: messageIds is required", ErrInvalidAction)
	}
	return nil
}

func requireConversation(id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidAction)
	}
	return nil
}

// Action is a decoded inbound frame.
type Action struct {
	Type      ActionType
	RequestID string
	Payload   ActionPayload
}

// ConversationID returns the target room of the action, empty for heartbeats.
func (a Action) ConversationID() string {
	switch p := a.Payload.(type) {
	case JoinConversation:
		return p.ConversationID
	case LeaveConversation:
		return p.ConversationID
	case SendMessage:
		return p.ConversationID
	case EditMessage:
		return p.ConversationID
	case DeleteMessage:
		return p.ConversationID
	case MarkRead:
		return p.ConversationID
	case TypingStart:
		return p.ConversationID
	case TypingStop:
		return p.ConversationID
	}
	return ""
}

type actionWire struct {
	Type      ActionType      `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseAction decodes and validates a client frame.
func ParseAction(data []byte) (Action, error) {
	var wire actionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	var payload ActionPayload
	var err error
	switch wire.Type {
	case ActionJoinConversation:
		payload, err = decodeAction[JoinConversation](wire.Payload)
	case ActionLeaveConversation:
		payload, err = decodeAction[LeaveConversation](wire.Payload)
	case ActionSendMessage:
		payload, err = decodeAction[SendMessage](wire.Payload)
	case ActionEditMessage:
		payload, err = decodeAction[EditMessage](wire.Payload)
	case ActionDeleteMessage:
		payload, err = decodeAction[DeleteMessage](wire.Payload)
	case ActionMarkRead:
		payload, err = decodeAction[MarkRead](wire.Payload)
	case ActionTypingStart:
		payload, err = decodeAction[TypingStart](wire.Payload)
	case ActionTypingStop:
		payload, err = decodeAction[TypingStop](wire.Payload)
	case ActionHeartbeat:
		payload = Heartbeat{}
	default:
		return Action{Type: wire.Type, RequestID: wire.RequestID}, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, wire.Type)
	}
	action := Action{Type: wire.Type, RequestID: wire.RequestID}
	if err != nil {
		return action, err
	}
	if err := payload.validate(); err != nil {
		return action, err
	}
	action.Payload = payload
	return action, nil
}

func decodeAction[T ActionPayload](raw json.RawMessage) (ActionPayload, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return v, nil
}
