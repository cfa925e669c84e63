package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"conversation-realtime/internal/models"
)

// MemoryBus delivers synchronously within one process. Events still pass
// through their JSON wire form.
type MemoryBus struct {
	reg    *registry
	closed atomic.Bool
}

func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{reg: newRegistry(logger.With().Str("component", "bus").Str("backend", "memory").Logger())}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b.reg.dispatch(ctx, topic, data)
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	id, _ := b.reg.add(topic, h)
	return &subscription{remove: func() error {
		b.reg.remove(topic, id)
		return nil
	}}, nil
}

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	return nil
}
