package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionSendMessage(t *testing.T) {
	action, err := ParseAction([]byte(`{"type":"send-message","requestId":"r1","payload":{"conversationId":"conv-1","content":"hello"}}`))
	require.NoError(t, err)

	assert.Equal(t, ActionSendMessage, action.Type)
	assert.Equal(t, "r1", action.RequestID)
	assert.Equal(t, "conv-1", action.ConversationID())
	send, ok := action.Payload.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", send.Content)
}

func TestParseActionRejectsInvalidFrames(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"type":"shout","payload":{}}`,
		"no conversation": `{"type":"typing-start","payload":{}}`,
		"empty content":   `{"type":"send-message","payload":{"conversationId":"c","content":"  "}}`,
		"system type":     `{"type":"send-message","payload":{"conversationId":"c","content":"x","type":"system"}}`,
		"no message ids":  `{"type":"message-read","payload":{"conversationId":"c","messageIds":[]}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAction([]byte(frame))
			assert.ErrorIs(t, err, ErrInvalidAction)
		})
	}
}

func TestParseActionKeepsRequestIDOnFailure(t *testing.T) {
	action, err := ParseAction([]byte(`{"type":"edit-message","requestId":"r9","payload":{"conversationId":"c"}}`))
	require.Error(t, err)
	assert.Equal(t, "r9", action.RequestID)
	assert.Equal(t, ActionEditMessage, action.Type)
}

func TestEventBusRoundTripKeepsPayloadType(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := NewEvent("conv-1", NewMessage{Message: Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "hello", Type: MessageText, CreatedAt: created}})
	ev = ev.WithOrigin(Origin{Instance: "a", ConnID: "c1", UserID: "alice"})

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "c1", decoded.Origin.ConnID)
	payload, ok := decoded.Payload.(NewMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", payload.Message.Content)
	assert.True(t, payload.Message.CreatedAt.Equal(created))
}

func TestEventUnknownTypeFails(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"id":"x","type":"bogus","payload":{}}`), &ev)
	require.Error(t, err)
}

func TestClientJSONOmitsOrigin(t *testing.T) {
	ev := NewEvent("conv-1", UserTyping{UserID: "bob"}).WithOrigin(Origin{ConnID: "secret"})
	data, err := ev.ClientJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"type":"user-typing"`)
}

func TestWatermarkOrdering(t *testing.T) {
	base := time.Now()
	a := Watermark{At: base, MessageID: "a"}
	b := Watermark{At: base, MessageID: "b"}
	c := Watermark{At: base.Add(time.Second)}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.Equal(t, c, a.Max(c))
	assert.Equal(t, b, b.Max(a))
	assert.True(t, Watermark{}.IsZero())
}

func TestWatermarkWithoutIDCoversInstant(t *testing.T) {
	base := time.Now()
	read := Watermark{At: base}
	msg := Watermark{At: base, MessageID: "m1"}

	assert.False(t, read.Before(msg))
	assert.True(t, msg.Before(read))
	assert.True(t, Watermark{}.Before(msg))
}

func TestEphemeralEventTypes(t *testing.T) {
	assert.True(t, EventUserTyping.Ephemeral())
	assert.True(t, EventUserStatusChange.Ephemeral())
	assert.False(t, EventNewMessage.Ephemeral())
	assert.False(t, EventMessageRead.Ephemeral())
}
