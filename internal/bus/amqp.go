package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"conversation-realtime/internal/models"
)

// ErrDisconnected is returned while the AMQP bus is redialing the broker.
var ErrDisconnected = errors.New("bus disconnected")

const amqpRedialInterval = 500 * time.Millisecond

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type amqpConn interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// amqpSession is one live connection with its consumer stream.
type amqpSession struct {
	conn       amqpConn
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
}

// AMQPBus fans events out through a RabbitMQ topic exchange. Each instance
// owns one exclusive auto-delete queue and binds it per subscribed topic.
// A lost connection is redialed with backoff; the exchange and queue are
// declared again and every subscribed topic is rebound.
type AMQPBus struct {
	dial          func() (amqpConn, error)
	exchange      string
	queue         string
	redialInitial time.Duration
	reg           *registry
	logger        zerolog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}

	// mu guards the live connection and serializes publishes.
	mu   sync.Mutex
	conn amqpConn
	pub  amqpChannel
	sub  amqpChannel
}

// NewAMQPBus declares the exchange and the instance queue and starts consuming.
func NewAMQPBus(url, exchange, instanceID string, logger zerolog.Logger) (*AMQPBus, error) {
	dial := func() (amqpConn, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
	return newAMQPBus(dial, exchange, instanceID, amqpRedialInterval, logger)
}

func newAMQPBus(dial func() (amqpConn, error), exchange, instanceID string, redialInitial time.Duration, logger zerolog.Logger) (*AMQPBus, error) {
	logger = logger.With().Str("component", "bus").Str("backend", "amqp").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	b := &AMQPBus{
		dial:          dial,
		exchange:      exchange,
		queue:         "realtime." + instanceID,
		redialInitial: redialInitial,
		reg:           newRegistry(logger),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	s, err := b.connect()
	if err != nil {
		cancel()
		return nil, err
	}
	go b.run(s)

	logger.Info().Str("exchange", exchange).Str("queue", b.queue).Msg("amqp bus connected")
	return b, nil
}

// connect dials, declares the topology, binds every registered topic and
// installs the new channels.
func (b *AMQPBus) connect() (*amqpSession, error) {
	conn, err := b.dial()
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	fail := func(err error) (*amqpSession, error) {
		_ = conn.Close()
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("amqp publish channel: %w", err))
	}
	sub, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("amqp consume channel: %w", err))
	}
	if err := pub.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange: %w", err))
	}
	if _, err := sub.QueueDeclare(b.queue, false, true, true, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		_ = conn.Close()
		return nil, ErrClosed
	}
	for _, topic := range b.reg.topics() {
		if err := sub.QueueBind(b.queue, topic, b.exchange, false, nil); err != nil {
			return fail(fmt.Errorf("rebind %s: %w", topic, err))
		}
	}
	deliveries, err := sub.Consume(b.queue, "", true, true, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume: %w", err))
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.conn, b.pub, b.sub = conn, pub, sub
	return &amqpSession{conn: conn, deliveries: deliveries, closed: closed}, nil
}

func (b *AMQPBus) run(s *amqpSession) {
	defer close(b.done)
	for {
		reason := b.consume(s)
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn().Str("reason", reason).Msg("amqp connection lost, redialing")
		b.detach(s)

		next, err := b.redial()
		if err != nil {
			return
		}
		b.logger.Info().Str("queue", b.queue).Msg("amqp bus reconnected")
		s = next
	}
}

func (b *AMQPBus) consume(s *amqpSession) string {
	for {
		select {
		case d, ok := <-s.deliveries:
			if !ok {
				return "delivery channel closed"
			}
			b.reg.dispatch(b.ctx, d.RoutingKey, d.Body)
		case err := <-s.closed:
			if err != nil {
				return err.Error()
			}
			return "connection closed"
		case <-b.ctx.Done():
			return "bus closed"
		}
	}
}

func (b *AMQPBus) detach(s *amqpSession) {
	b.mu.Lock()
	if b.conn == s.conn {
		b.conn, b.pub, b.sub = nil, nil, nil
	}
	b.mu.Unlock()
	_ = s.conn.Close()
}

// redial retries connect with exponential backoff until it succeeds or the bus is closed.
func (b *AMQPBus) redial() (*amqpSession, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.redialInitial
	bo.MaxElapsedTime = 0

	var s *amqpSession
	err := backoff.RetryNotify(func() error {
		next, err := b.connect()
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		s = next
		return nil
	}, backoff.WithContext(bo, b.ctx), func(err error, wait time.Duration) {
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("amqp redial failed")
	})
	return s, err
}

func (b *AMQPBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		return ErrDisconnected
	}
	return b.pub.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Timestamp:   time.Now(),
		Type:        string(ev.Type),
		Body:        body,
	})
}

func (b *AMQPBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, first := b.reg.add(topic, h)
	if first {
		if b.sub == nil {
			b.reg.remove(topic, id)
			return nil, ErrDisconnected
		}
		if err := b.sub.QueueBind(b.queue, topic, b.exchange, false, nil); err != nil {
			b.reg.remove(topic, id)
			return nil, fmt.Errorf("bind %s: %w", topic, err)
		}
	}
	return &subscription{remove: func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if last := b.reg.remove(topic, id); last && b.sub != nil {
			return b.sub.QueueUnbind(b.queue, topic, b.exchange, nil)
		}
		return nil
	}}, nil
}

func (b *AMQPBus) Close() error {
	b.cancel()
	b.mu.Lock()
	conn := b.conn
	b.conn, b.pub, b.sub = nil, nil, nil
	b.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-b.done
	return err
}
