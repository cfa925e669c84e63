package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conversation-realtime/internal/models"
	"conversation-realtime/internal/observability"
)

const retryInitialInterval = 100 * time.Millisecond

// PublishWithRetry republishes ev with exponential backoff until it succeeds,
// maxElapsed passes or ctx is done.
func PublishWithRetry(ctx context.Context, b Bus, topic string, ev models.Event, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxElapsedTime = maxElapsed

	err := backoff.RetryNotify(func() error {
		return b.Publish(ctx, topic, ev)
	}, backoff.WithContext(bo, ctx), func(error, time.Duration) {
		observability.IncBusPublishRetry("retry")
	})
	if err != nil {
		observability.IncBusPublishRetry("gave_up")
		return err
	}
	observability.IncBusPublishRetry("recovered")
	return nil
}
