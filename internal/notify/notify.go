package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"conversation-realtime/internal/models"
)

// TaskNewMessage is consumed by the notification worker.
const TaskNewMessage = "notification:new-message"

// Sink receives messages for recipients that are not connected.
type Sink interface {
	NotifyNewMessage(ctx context.Context, recipients []string, msg models.Message) error
}

// NewMessagePayload is the asynq task body.
type NewMessagePayload struct {
	Recipients     []string  `json:"recipients"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

const previewLength = 140

func newPayload(recipients []string, msg models.Message) NewMessagePayload {
	preview := []rune(msg.Content)
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	return NewMessagePayload{
		Recipients:     recipients,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        string(preview),
		CreatedAt:      msg.CreatedAt,
	}
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink enqueues notification tasks on a Redis-backed asynq queue.
type AsynqSink struct {
	client enqueuer
	closer func() error
	queue  string
	logger zerolog.Logger
}

// NewAsynqSink builds a sink from a redis:// URL.
func NewAsynqSink(redisURL, queue string, logger zerolog.Logger) (*AsynqSink, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	client := asynq.NewClient(opt)
	return &AsynqSink{
		client: client,
		closer: client.Close,
		queue:  queue,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

func (s *AsynqSink) NotifyNewMessage(ctx context.Context, recipients []string, msg models.Message) error {
	if len(recipients) == 0 {
		return nil
	}
	body, err := json.Marshal(newPayload(recipients, msg))
	if err != nil {
		return err
	}
	// one task per message id; a retried publish must not notify twice
	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(TaskNewMessage, body),
		asynq.Queue(s.queue),
		asynq.MaxRetry(5),
		asynq.TaskID(msg.ID),
		asynq.Retention(time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue notification: %w", err)
	}
	s.logger.Debug().Str("task_id", info.ID).Int("recipients", len(recipients)).Msg("notification enqueued")
	return nil
}

func (s *AsynqSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

type noopSink struct{}

// NewNoopSink returns a Sink that discards notifications.
func NewNoopSink() Sink {
	return noopSink{}
}

func (noopSink) NotifyNewMessage(context.Context, []string, models.Message) error {
	return nil
}
