package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"conversation-realtime/internal/models"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// PresenceTopic carries global user-status-change events.
const PresenceTopic = "presence"

// ConversationTopic returns the topic all instances use for a conversation.
func ConversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// Handler receives decoded events in publish order for its topic.
type Handler func(ctx context.Context, ev models.Event)

// Subscription detaches a handler from its topic.
type Subscription interface {
	Unsubscribe() error
}

// Bus broadcasts events to every process subscribed to a topic.
type Bus interface {
	Publish(ctx context.Context, topic string, ev models.Event) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}

type entry struct {
	id uint64
	h  Handler
}

// registry keeps handlers per topic in subscription order.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	next     uint64
	logger   zerolog.Logger
}

func newRegistry(logger zerolog.Logger) *registry {
	return &registry{handlers: make(map[string][]entry), logger: logger}
}

// add registers h and reports whether it is the first handler of the topic.
func (r *registry) add(topic string, h Handler) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	first := len(r.handlers[topic]) == 0
	r.handlers[topic] = append(r.handlers[topic], entry{id: r.next, h: h})
	return r.next, first
}

// topics lists every topic with at least one handler.
func (r *registry) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// remove drops the handler and reports whether the topic has no handlers left.
func (r *registry) remove(topic string, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[topic]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.handlers, topic)
		return true
	}
	r.handlers[topic] = entries
	return false
}

func (r *registry) dispatch(ctx context.Context, topic string, data []byte) {
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable bus event")
		return
	}

	r.mu.RLock()
	entries := append([]entry(nil), r.handlers[topic]...)
	r.mu.RUnlock()

	for _, e := range entries {
		e.h(ctx, ev)
	}
}

type subscription struct {
	once   sync.Once
	remove func() error
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.remove() })
	return err
}
