package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/models"
)

func messageEvent(id string) models.Event {
	return models.NewEvent("c1", models.NewMessage{Message: models.Message{ID: id, ConversationID: "c1", Content: id}})
}

func TestEnqueueDropsEphemeralBeforeMessages(t *testing.T) {
	c := NewClient(&fakeSocket{}, ConnInfo{UserID: "alice"}, 2)
	now := time.Now()

	require.True(t, c.Enqueue(models.NewEvent("c1", models.UserTyping{UserID: "bob"}), now))
	require.True(t, c.Enqueue(messageEvent("m1"), now))

	// full: the queued typing event makes room for the message
	assert.True(t, c.Enqueue(messageEvent("m2"), now))
	// full of messages: ephemeral and message events are both refused
	assert.False(t, c.Enqueue(models.NewEvent("c1", models.UserTyping{UserID: "bob"}), now))
	assert.False(t, c.Enqueue(messageEvent("m3"), now))

	events := drain(t, c)
	require.Len(t, events, 2)
	assert.Equal(t, "m1", events[0].Payload.(models.NewMessage).Message.ID)
	assert.Equal(t, "m2", events[1].Payload.(models.NewMessage).Message.ID)
}

func TestSaturationClearsOnDrain(t *testing.T) {
	c := NewClient(&fakeSocket{}, ConnInfo{UserID: "alice"}, 1)
	now := time.Now()

	require.True(t, c.Enqueue(messageEvent("m1"), now))
	assert.False(t, c.Saturated(now.Add(time.Minute), time.Second))

	c.Enqueue(messageEvent("m2"), now)
	assert.False(t, c.Saturated(now.Add(500*time.Millisecond), time.Second))
	assert.True(t, c.Saturated(now.Add(time.Second), time.Second))

	drain(t, c)
	assert.False(t, c.Saturated(now.Add(time.Minute), time.Second))
}

func TestCloseIsIdempotent(t *testing.T) {
	socket := &fakeSocket{}
	c := NewClient(socket, ConnInfo{UserID: "alice"}, 4)
	c.Enqueue(messageEvent("m1"), time.Now())

	c.Close(websocket.CloseTryAgainLater, "saturated")
	c.Close(websocket.CloseNormalClosure, "bye")

	assert.Equal(t, websocket.CloseTryAgainLater, socket.code())
	assert.Equal(t, 1, socket.closes)
	assert.Zero(t, c.Pending())
	assert.False(t, c.Enqueue(messageEvent("m2"), time.Now()))
}

func TestWriteLoopPreservesOrder(t *testing.T) {
	socket := &fakeSocket{}
	c := NewClient(socket, ConnInfo{UserID: "alice"}, 16)
	c.Start()
	defer c.Close(websocket.CloseNormalClosure, "")

	for i := 1; i <= 5; i++ {
		c.Enqueue(messageEvent(fmt.Sprintf("m%d", i)), time.Now())
	}

	require.Eventually(t, func() bool { return len(socket.written()) == 5 }, time.Second, 5*time.Millisecond)
	for i, raw := range socket.written() {
		var ev models.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, fmt.Sprintf("m%d", i+1), ev.Payload.(models.NewMessage).Message.ID)
	}
}

func TestMarkDeliveredPerRoom(t *testing.T) {
	c := NewClient(&fakeSocket{}, ConnInfo{UserID: "alice"}, 4)

	assert.True(t, c.markDelivered("c1", "m1"))
	assert.False(t, c.markDelivered("c1", "m1"))
	assert.True(t, c.markDelivered("c2", "m1"))

	c.forgetRoom("c1")
	assert.True(t, c.markDelivered("c1", "m1"))
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		"forbidden":           ErrForbidden,
		"not_joined":          ErrNotJoined,
		"not_found":           fmt.Errorf("lookup: %w", ErrNotFound),
		"conversation_closed": ErrConversationClosed,
		"invalid_action":      fmt.Errorf("%w: bad", models.ErrInvalidAction),
		"persistence_failed":  fmt.Errorf("%w: db down", ErrPersistence),
		"internal":            errors.New("boom"),
	}
	for code, err := range cases {
		assert.Equal(t, code, ErrorCode(err), code)
	}
}
