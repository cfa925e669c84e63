package ws

import (
	"errors"

	"conversation-realtime/internal/models"
)

var (
	ErrAuth               = errors.New("authentication failed")
	ErrForbidden          = errors.New("not a participant of this conversation")
	ErrNotJoined          = errors.New("conversation not joined on this connection")
	ErrNotFound           = errors.New("not found")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrPersistence        = errors.New("persistence failed")
	ErrSaturated          = errors.New("outbound queue saturated")
)

// ErrorCode maps an action error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth_failed"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConversationClosed):
		return "conversation_closed"
	case errors.Is(err, models.ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, ErrSaturated):
		return "saturated"
	}
	return "internal"
}
