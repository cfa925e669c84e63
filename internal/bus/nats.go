package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"conversation-realtime/internal/models"
)

// NATSBus maps topics to NATS subjects under a fixed prefix.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewNATSBus(url, instanceID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "bus").Str("backend", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("conversation-realtime-"+instanceID),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats bus connected")
	return &NATSBus{nc: nc, prefix: "realtime.", logger: logger, ctx: ctx, cancel: cancel}, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.prefix+topic, data)
}

func (b *NATSBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	ns, err := b.nc.Subscribe(b.prefix+topic, func(m *nats.Msg) {
		var ev models.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable bus event")
			return
		}
		h(b.ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &subscription{remove: ns.Unsubscribe}, nil
}

func (b *NATSBus) Close() error {
	b.cancel()
	return b.nc.Drain()
}
