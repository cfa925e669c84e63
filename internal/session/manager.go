package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"conversation-realtime/internal/models"
)

// Expired is a typing entry removed by Sweep.
type Expired struct {
	ConversationID string
	UserID         string
}

type typingEntry struct {
	expiresAt time.Time
	version   uint64
	// announced is false while another instance already reports the user
	// typing; such entries start and end without events.
	announced bool
}

type conversation struct {
	mu     sync.Mutex
	status models.ConversationStatus
	// typing holds users typing through a socket on this instance.
	typing map[string]typingEntry
	// observed holds typing users announced by other instances, for snapshots only.
	observed   map[string]time.Time
	watermarks map[string]time.Time
}

// Manager owns the runtime state of every conversation with a local socket.
// A conversation is active while present in the map and idle otherwise.
type Manager struct {
	mu      sync.RWMutex
	convs   map[string]*conversation
	ttl     time.Duration
	sched   scheduler
	version atomic.Uint64
}

func NewManager(typingTTL time.Duration) *Manager {
	return &Manager{convs: make(map[string]*conversation), ttl: typingTTL}
}

func (m *Manager) get(conversationID string) *conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.convs[conversationID]
}

// Activate moves the conversation to active, returning true on the idle to active transition.
func (m *Manager) Activate(conversationID string, status models.ConversationStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[conversationID]; ok {
		if status != "" {
			conv.mu.Lock()
			conv.status = status
			conv.mu.Unlock()
		}
		return false
	}
	m.convs[conversationID] = &conversation{
		status:     status,
		typing:     make(map[string]typingEntry),
		observed:   make(map[string]time.Time),
		watermarks: make(map[string]time.Time),
	}
	return true
}

// Deactivate drops the conversation state and returns the users whose typing was cut short.
func (m *Manager) Deactivate(conversationID string) []string {
	m.mu.Lock()
	conv, ok := m.convs[conversationID]
	delete(m.convs, conversationID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	users := make([]string, 0, len(conv.typing))
	for u, e := range conv.typing {
		if e.announced {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users
}

// Active reports whether the conversation has state on this instance.
func (m *Manager) Active(conversationID string) bool {
	return m.get(conversationID) != nil
}

// ActiveCount is the number of active conversations.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

func (m *Manager) SetStatus(conversationID string, status models.ConversationStatus) {
	if conv := m.get(conversationID); conv != nil {
		conv.mu.Lock()
		conv.status = status
		conv.mu.Unlock()
	}
}

// Status returns the cached conversation status.
func (m *Manager) Status(conversationID string) (models.ConversationStatus, bool) {
	conv := m.get(conversationID)
	if conv == nil {
		return "", false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.status, true
}

// StartTyping sets or refreshes the typing deadline. It returns true only when
// the user starts typing as far as the conversation can tell: not typing here
// before and not reported typing by another instance.
func (m *Manager) StartTyping(conversationID, userID string, now time.Time) bool {
	conv := m.get(conversationID)
	if conv == nil {
		return false
	}

	conv.mu.Lock()
	prev, already := conv.typing[userID]
	announce := false
	if !already || !prev.announced {
		exp, observed := conv.observed[userID]
		announce = !observed || !exp.After(now)
	}
	entry := typingEntry{expiresAt: now.Add(m.ttl), version: m.version.Add(1), announced: prev.announced || announce}
	conv.typing[userID] = entry
	conv.mu.Unlock()

	m.sched.push(deadline{conversationID: conversationID, userID: userID, at: entry.expiresAt, version: entry.version})
	return announce
}

// StopTyping removes the entry and reports whether its start was announced.
func (m *Manager) StopTyping(conversationID, userID string) bool {
	conv := m.get(conversationID)
	if conv == nil {
		return false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	entry, ok := conv.typing[userID]
	if !ok {
		return false
	}
	delete(conv.typing, userID)
	return entry.announced
}

// Observe records typing state announced by another instance.
func (m *Manager) Observe(conversationID, userID string, typing bool, now time.Time) {
	conv := m.get(conversationID)
	if conv == nil {
		return
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if typing {
		conv.observed[userID] = now.Add(m.ttl)
		return
	}
	delete(conv.observed, userID)
}

// Typing lists users currently typing in the conversation, sorted.
func (m *Manager) Typing(conversationID string, now time.Time) []string {
	conv := m.get(conversationID)
	if conv == nil {
		return []string{}
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()

	seen := make(map[string]struct{})
	for u, e := range conv.typing {
		if e.expiresAt.After(now) {
			seen[u] = struct{}{}
		}
	}
	for u, exp := range conv.observed {
		if exp.After(now) {
			seen[u] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Sweep removes every typing entry whose deadline passed and returns each
// announced removal exactly once.
func (m *Manager) Sweep(now time.Time) []Expired {
	var expired []Expired
	for _, d := range m.sched.due(now) {
		conv := m.get(d.conversationID)
		if conv == nil {
			continue
		}
		conv.mu.Lock()
		entry, ok := conv.typing[d.userID]
		if ok && entry.version == d.version {
			delete(conv.typing, d.userID)
			if entry.announced {
				expired = append(expired, Expired{ConversationID: d.conversationID, UserID: d.userID})
			}
		}
		for u, exp := range conv.observed {
			if !exp.After(now) {
				delete(conv.observed, u)
			}
		}
		conv.mu.Unlock()
	}
	return expired
}

// Pending is the number of scheduled deadlines, stale ones included.
func (m *Manager) Pending() int {
	return m.sched.len()
}

// MarkRead advances the read watermark of the user and returns its value.
// Older marks leave it unchanged.
func (m *Manager) MarkRead(conversationID, userID string, at time.Time) time.Time {
	conv := m.get(conversationID)
	if conv == nil {
		return at
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if current, ok := conv.watermarks[userID]; ok && !at.After(current) {
		return current
	}
	conv.watermarks[userID] = at
	return at
}

// Watermark returns the last read time of the user, if known.
func (m *Manager) Watermark(conversationID, userID string) (time.Time, bool) {
	conv := m.get(conversationID)
	if conv == nil {
		return time.Time{}, false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	at, ok := conv.watermarks[userID]
	return at, ok
}
