package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/mocks"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(publisher, "audit.realtime", "conversation-realtime", "test", zerolog.Nop())

	var captured AuditEnvelope
	publisher.On("Publish", mock.Anything, "audit.realtime", mock.AnythingOfType("telemetry.AuditEnvelope"), map[string]string{"x-request-id": "req-1"}).
		Run(func(args mock.Arguments) { captured = args.Get(2).(AuditEnvelope) }).
		Return(nil).Once()

	user := "admin-1"
	emitter.Emit(context.Background(), "WARN", "participant evicted", "req-1", &user, map[string]string{"conversation_id": "conv-1"})

	publisher.AssertExpectations(t)
	require.NotNil(t, captured.UserID)
	assert.Equal(t, "admin-1", *captured.UserID)
	assert.Equal(t, "audit_log", captured.EventType)
	assert.Equal(t, "conv-1", captured.Payload.Fields["conversation_id"])
}

func TestAuditEmitterNilSafe(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "x", "", nil, nil)
	})
}
