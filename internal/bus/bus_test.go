package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/models"
)

func TestMemoryBusDeliversInOrderToTopic(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var got []string
	_, err := b.Subscribe(ctx, ConversationTopic("c1"), func(_ context.Context, ev models.Event) {
		got = append(got, ev.Payload.(models.UserTyping).UserID)
	})
	require.NoError(t, err)

	var other int
	_, err = b.Subscribe(ctx, ConversationTopic("c2"), func(context.Context, models.Event) { other++ })
	require.NoError(t, err)

	for _, user := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, ConversationTopic("c1"), models.NewEvent("c1", models.UserTyping{UserID: user})))
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, other)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var calls int
	sub, err := b.Subscribe(ctx, PresenceTopic, func(context.Context, models.Event) { calls++ })
	require.NoError(t, err)

	ev := models.NewEvent("", models.UserStatusChange{UserID: "u1", Status: models.PresenceOnline})
	require.NoError(t, b.Publish(ctx, PresenceTopic, ev))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, PresenceTopic, ev))

	assert.Equal(t, 1, calls)
}

func TestMemoryBusCarriesOrigin(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var got models.Event
	_, err := b.Subscribe(ctx, ConversationTopic("c1"), func(_ context.Context, ev models.Event) { got = ev })
	require.NoError(t, err)

	ev := models.NewEvent("c1", models.MessageRead{UserID: "bob", MessageIDs: []string{"m1"}}).
		WithOrigin(models.Origin{Instance: "i1", ConnID: "conn-1", UserID: "bob"})
	require.NoError(t, b.Publish(ctx, ConversationTopic("c1"), ev))

	assert.Equal(t, "conn-1", got.Origin.ConnID)
	assert.Equal(t, models.EventMessageRead, got.Type)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), PresenceTopic, models.NewEvent("", models.UserLeft{UserID: "u"}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryDropsUndecodableEvents(t *testing.T) {
	reg := newRegistry(zerolog.Nop())
	var calls int
	reg.add("t", func(context.Context, models.Event) { calls++ })

	reg.dispatch(context.Background(), "t", []byte(`{"type":"nope"}`))
	assert.Zero(t, calls)
}

type flakyBus struct {
	*MemoryBus
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("broker unavailable")
	}
	return f.MemoryBus.Publish(ctx, topic, ev)
}

func TestPublishWithRetryRecovers(t *testing.T) {
	b := &flakyBus{MemoryBus: NewMemoryBus(zerolog.Nop())}
	b.failures.Store(2)

	var delivered int
	_, err := b.Subscribe(context.Background(), ConversationTopic("c1"), func(context.Context, models.Event) { delivered++ })
	require.NoError(t, err)

	err = PublishWithRetry(context.Background(), b, ConversationTopic("c1"), models.NewEvent("c1", models.UserLeft{UserID: "u"}), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(3), b.attempts.Load())
	assert.Equal(t, 1, delivered)
}

func TestPublishWithRetryStopsOnContext(t *testing.T) {
	b := &flakyBus{MemoryBus: NewMemoryBus(zerolog.Nop())}
	b.failures.Store(1 << 20)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := PublishWithRetry(ctx, b, PresenceTopic, models.NewEvent("", models.UserLeft{UserID: "u"}), time.Minute)
	require.Error(t, err)
	assert.GreaterOrEqual(t, b.attempts.Load(), int32(1))
}
