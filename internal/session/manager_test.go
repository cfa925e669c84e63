package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/models"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestTypingExpiresExactlyOnce(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	assert.True(t, m.StartTyping("c1", "alice", t0))
	assert.Empty(t, m.Sweep(t0.Add(2*time.Second)))

	expired := m.Sweep(t0.Add(3 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, Expired{ConversationID: "c1", UserID: "alice"}, expired[0])

	assert.Empty(t, m.Sweep(t0.Add(10*time.Second)))
	assert.False(t, m.StopTyping("c1", "alice"))
}

func TestTypingRefreshIgnoresStaleDeadline(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	assert.True(t, m.StartTyping("c1", "alice", t0))
	assert.False(t, m.StartTyping("c1", "alice", t0.Add(2*time.Second)))
	assert.Equal(t, 2, m.Pending())

	assert.Empty(t, m.Sweep(t0.Add(4*time.Second)))
	assert.Equal(t, []string{"alice"}, m.Typing("c1", t0.Add(4*time.Second)))

	expired := m.Sweep(t0.Add(5 * time.Second))
	assert.Len(t, expired, 1)
	assert.Zero(t, m.Pending())
}

func TestStopTypingBeatsExpiry(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	m.StartTyping("c1", "alice", t0)
	assert.True(t, m.StopTyping("c1", "alice"))
	assert.False(t, m.StopTyping("c1", "alice"))
	assert.Empty(t, m.Sweep(t0.Add(time.Minute)))
}

func TestRestartAfterStopSchedulesNewDeadline(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	m.StartTyping("c1", "alice", t0)
	m.StopTyping("c1", "alice")
	assert.True(t, m.StartTyping("c1", "alice", t0.Add(time.Second)))

	// the first deadline at t0+3s is stale, the second fires at t0+4s
	assert.Empty(t, m.Sweep(t0.Add(3*time.Second)))
	assert.Len(t, m.Sweep(t0.Add(4*time.Second)), 1)
}

func TestDeactivateDropsTyping(t *testing.T) {
	m := NewManager(3 * time.Second)
	assert.True(t, m.Activate("c1", models.StatusActive))
	assert.False(t, m.Activate("c1", ""))

	m.StartTyping("c1", "bob", t0)
	m.StartTyping("c1", "alice", t0)

	assert.Equal(t, []string{"alice", "bob"}, m.Deactivate("c1"))
	assert.False(t, m.Active("c1"))
	assert.Empty(t, m.Sweep(t0.Add(time.Minute)))
	assert.False(t, m.StartTyping("c1", "bob", t0))
}

func TestObservedTypingIsSnapshotOnly(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	m.Observe("c1", "remote", true, t0)
	m.StartTyping("c1", "local", t0)
	assert.Equal(t, []string{"local", "remote"}, m.Typing("c1", t0.Add(time.Second)))

	expired := m.Sweep(t0.Add(3 * time.Second))
	assert.Equal(t, []Expired{{ConversationID: "c1", UserID: "local"}}, expired)
	assert.Empty(t, m.Typing("c1", t0.Add(3*time.Second)))

	m.Observe("c1", "remote", true, t0.Add(4*time.Second))
	m.Observe("c1", "remote", false, t0.Add(4*time.Second))
	assert.Empty(t, m.Typing("c1", t0.Add(4*time.Second)))
}

func TestReadWatermarkIsMonotonic(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	assert.Equal(t, t0, m.MarkRead("c1", "bob", t0))
	assert.Equal(t, t0.Add(time.Minute), m.MarkRead("c1", "bob", t0.Add(time.Minute)))
	assert.Equal(t, t0.Add(time.Minute), m.MarkRead("c1", "bob", t0))

	at, ok := m.Watermark("c1", "bob")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), at)
}

func TestConversationStatus(t *testing.T) {
	m := NewManager(3 * time.Second)
	_, ok := m.Status("c1")
	assert.False(t, ok)

	m.Activate("c1", models.StatusActive)
	m.SetStatus("c1", models.StatusClosed)
	status, ok := m.Status("c1")
	require.True(t, ok)
	assert.Equal(t, models.StatusClosed, status)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestTypingReportedElsewhereStaysSilent(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	m.Observe("c1", "alice", true, t0)
	assert.False(t, m.StartTyping("c1", "alice", t0.Add(time.Second)))
	assert.Equal(t, []string{"alice"}, m.Typing("c1", t0.Add(time.Second)))

	assert.Empty(t, m.Sweep(t0.Add(4*time.Second)))
	assert.False(t, m.StopTyping("c1", "alice"))
	assert.Empty(t, m.Deactivate("c1"))
}

func TestSilentTypingIsAnnouncedOnceOtherInstanceStops(t *testing.T) {
	m := NewManager(3 * time.Second)
	m.Activate("c1", models.StatusActive)

	m.Observe("c1", "alice", true, t0)
	assert.False(t, m.StartTyping("c1", "alice", t0))

	m.Observe("c1", "alice", false, t0.Add(time.Second))
	assert.True(t, m.StartTyping("c1", "alice", t0.Add(time.Second)))
	assert.False(t, m.StartTyping("c1", "alice", t0.Add(2*time.Second)))
	assert.True(t, m.StopTyping("c1", "alice"))
}
