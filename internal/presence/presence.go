package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"conversation-realtime/internal/models"
)

// ErrUnavailable wraps backend failures so callers can flip the degraded flag.
var ErrUnavailable = errors.New("presence store unavailable")

// Status is the coarse presence of a user as seen by every instance.
type Status struct {
	State    models.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

// Online reports whether at least one fresh socket is registered.
func (s Status) Online() bool {
	return s.State == models.PresenceOnline
}

// Store tracks sockets per user and per conversation. Every entry expires
// after the configured TTL unless refreshed by Touch.
type Store interface {
	SetOnline(ctx context.Context, userID, socketID string) (becameOnline bool, err error)
	RemoveSocket(ctx context.Context, userID, socketID string) (remaining int, err error)
	SetOffline(ctx context.Context, userID string) error
	GetStatus(ctx context.Context, userID string) (Status, error)
	AddToConversation(ctx context.Context, conversationID, userID, socketID string) error
	RemoveFromConversation(ctx context.Context, conversationID, userID, socketID string) error
	ListConversationUsers(ctx context.Context, conversationID string) ([]string, error)
	Touch(ctx context.Context, userID, socketID string, conversationIDs []string) error
}

const memberSep = "|"

func roomMember(userID, socketID string) string {
	return userID + memberSep + socketID
}

func memberUser(member string) string {
	user, _, _ := strings.Cut(member, memberSep)
	return user
}

// uniqueUsers collapses room members to a sorted list of user ids.
func uniqueUsers(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, m := range members {
		u := memberUser(m)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
