package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/models"
)

type fakeChannel struct {
	mu         sync.Mutex
	bindings   []string
	published  []string
	deliveries chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, key)
	return nil
}

func (c *fakeChannel) QueueUnbind(_, key, _ string, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.bindings {
		if b == key {
			c.bindings = append(c.bindings[:i], c.bindings[i+1:]...)
			break
		}
	}
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, _ amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, key)
	return nil
}

func (c *fakeChannel) boundKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bindings...)
}

func (c *fakeChannel) publishedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

type fakeConn struct {
	mu       sync.Mutex
	channels []*fakeChannel
	notify   chan *amqp.Error
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConn) Close() error { return nil }

// consumer is the second channel opened on the connection.
func (c *fakeConn) consumer() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[1]
}

func (c *fakeConn) publisher() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0]
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
}

type fakeBroker struct {
	mu       sync.Mutex
	failures int
	conns    []*fakeConn
}

func (b *fakeBroker) dial() (amqpConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) refuse(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *fakeBroker) connections() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeConn(nil), b.conns...)
}

func TestAMQPBusRecoversAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	b, err := newAMQPBus(broker.dial, "realtime", "a", time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	got := make(chan models.Event, 4)
	_, err = b.Subscribe(ctx, "conversation.c1", func(_ context.Context, ev models.Event) { got <- ev })
	require.NoError(t, err)
	first := broker.connections()[0]
	assert.Equal(t, []string{"conversation.c1"}, first.consumer().boundKeys())

	broker.refuse(1000)
	first.drop()

	ev := models.NewEvent("c1", models.UserLeft{UserID: "bob"})
	require.Eventually(t, func() bool {
		return errors.Is(b.Publish(ctx, "conversation.c1", ev), ErrDisconnected)
	}, 2*time.Second, 5*time.Millisecond)

	broker.refuse(0)
	require.Eventually(t, func() bool {
		return len(broker.connections()) == 2 && b.Publish(ctx, "conversation.c1", ev) == nil
	}, 2*time.Second, 5*time.Millisecond)

	second := broker.connections()[1]
	assert.Equal(t, []string{"conversation.c1"}, second.consumer().boundKeys())
	assert.Contains(t, second.publisher().publishedKeys(), "conversation.c1")

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	second.consumer().deliveries <- amqp.Delivery{RoutingKey: "conversation.c1", Body: body}
	select {
	case received := <-got:
		assert.Equal(t, ev.ID, received.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after reconnect")
	}
}

func TestAMQPBusSubscribeWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	b, err := newAMQPBus(broker.dial, "realtime", "a", time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	broker.refuse(1000)
	broker.connections()[0].drop()

	ev := models.NewEvent("c2", models.UserLeft{UserID: "bob"})
	require.Eventually(t, func() bool {
		return errors.Is(b.Publish(ctx, "conversation.c2", ev), ErrDisconnected)
	}, 2*time.Second, 5*time.Millisecond)

	_, err = b.Subscribe(ctx, "conversation.c2", func(context.Context, models.Event) {})
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Empty(t, b.reg.topics())
}
