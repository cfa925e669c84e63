package presence

import (
	"context"
	"sync"
	"time"

	"conversation-realtime/internal/models"
)

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sockets  map[string]map[string]time.Time
	rooms    map[string]map[string]time.Time
	lastSeen map[string]time.Time
}

// NewMemoryStore builds an empty MemoryStore using the wall clock.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStoreWithClock(ttl, time.Now)
}

// NewMemoryStoreWithClock builds a MemoryStore driven by now.
func NewMemoryStoreWithClock(ttl time.Duration, now func() time.Time) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      now,
		sockets:  make(map[string]map[string]time.Time),
		rooms:    make(map[string]map[string]time.Time),
		lastSeen: make(map[string]time.Time),
	}
}

func trim(set map[string]time.Time, now time.Time) {
	for k, exp := range set {
		if !exp.After(now) {
			delete(set, k)
		}
	}
}

func (s *MemoryStore) SetOnline(_ context.Context, userID, socketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	set := s.sockets[userID]
	if set == nil {
		set = make(map[string]time.Time)
		s.sockets[userID] = set
	}
	trim(set, now)
	became := len(set) == 0
	set[socketID] = now.Add(s.ttl)
	s.lastSeen[userID] = now
	return became, nil
}

func (s *MemoryStore) RemoveSocket(_ context.Context, userID, socketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lastSeen[userID] = now
	set := s.sockets[userID]
	if set == nil {
		return 0, nil
	}
	delete(set, socketID)
	trim(set, now)
	if len(set) == 0 {
		delete(s.sockets, userID)
	}
	return len(set), nil
}

func (s *MemoryStore) SetOffline(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sockets, userID)
	s.lastSeen[userID] = s.now()
	return nil
}

func (s *MemoryStore) GetStatus(_ context.Context, userID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{State: models.PresenceOffline, LastSeen: s.lastSeen[userID]}
	if set := s.sockets[userID]; set != nil {
		trim(set, s.now())
		if len(set) > 0 {
			status.State = models.PresenceOnline
		}
	}
	return status, nil
}

func (s *MemoryStore) AddToConversation(_ context.Context, conversationID, userID, socketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[conversationID]
	if room == nil {
		room = make(map[string]time.Time)
		s.rooms[conversationID] = room
	}
	room[roomMember(userID, socketID)] = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) RemoveFromConversation(_ context.Context, conversationID, userID, socketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := s.rooms[conversationID]; room != nil {
		delete(room, roomMember(userID, socketID))
		if len(room) == 0 {
			delete(s.rooms, conversationID)
		}
	}
	return nil
}

func (s *MemoryStore) ListConversationUsers(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[conversationID]
	if room == nil {
		return []string{}, nil
	}
	trim(room, s.now())
	members := make([]string, 0, len(room))
	for m := range room {
		members = append(members, m)
	}
	return uniqueUsers(members), nil
}

func (s *MemoryStore) Touch(_ context.Context, userID, socketID string, conversationIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiry := now.Add(s.ttl)
	set := s.sockets[userID]
	if set == nil {
		set = make(map[string]time.Time)
		s.sockets[userID] = set
	}
	set[socketID] = expiry
	s.lastSeen[userID] = now
	for _, conversationID := range conversationIDs {
		room := s.rooms[conversationID]
		if room == nil {
			room = make(map[string]time.Time)
			s.rooms[conversationID] = room
		}
		room[roomMember(userID, socketID)] = expiry
	}
	return nil
}
