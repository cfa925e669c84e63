package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/models"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1"}, nil
}

func TestAsynqSinkEnqueuesPayload(t *testing.T) {
	fake := &fakeEnqueuer{}
	sink := &AsynqSink{client: fake, queue: "notifications", logger: zerolog.Nop()}

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: strings.Repeat("é", 200), CreatedAt: time.Now().UTC()}
	require.NoError(t, sink.NotifyNewMessage(context.Background(), []string{"bob"}, msg))

	require.Len(t, fake.tasks, 1)
	assert.Equal(t, TaskNewMessage, fake.tasks[0].Type())
	var payload NewMessagePayload
	require.NoError(t, json.Unmarshal(fake.tasks[0].Payload(), &payload))
	assert.Equal(t, []string{"bob"}, payload.Recipients)
	assert.Equal(t, "m1", payload.MessageID)
	assert.Len(t, []rune(payload.Preview), previewLength)
}

func TestAsynqSinkSkipsEmptyRecipients(t *testing.T) {
	fake := &fakeEnqueuer{}
	sink := &AsynqSink{client: fake, queue: "notifications", logger: zerolog.Nop()}

	require.NoError(t, sink.NotifyNewMessage(context.Background(), nil, models.Message{ID: "m1"}))
	assert.Empty(t, fake.tasks)
}

func TestAsynqSinkDuplicateTaskIsNotAnError(t *testing.T) {
	sink := &AsynqSink{client: &fakeEnqueuer{err: asynq.ErrTaskIDConflict}, logger: zerolog.Nop()}
	assert.NoError(t, sink.NotifyNewMessage(context.Background(), []string{"bob"}, models.Message{ID: "m1"}))
}

func TestAsynqSinkWrapsErrors(t *testing.T) {
	sink := &AsynqSink{client: &fakeEnqueuer{err: assert.AnError}, logger: zerolog.Nop()}
	err := sink.NotifyNewMessage(context.Background(), []string{"bob"}, models.Message{ID: "m1"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNewAsynqSinkRejectsBadURL(t *testing.T) {
	_, err := NewAsynqSink("://bad", "notifications", zerolog.Nop())
	assert.Error(t, err)
}
