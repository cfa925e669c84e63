package ws

import (
	"time"

	"github.com/google/uuid"

	"conversation-realtime/internal/identity"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	Role        identity.Role
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	return uuid.NewString()
}
