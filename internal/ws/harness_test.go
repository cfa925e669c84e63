package ws

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"conversation-realtime/internal/bus"
	"conversation-realtime/internal/models"
	"conversation-realtime/internal/notify"
	"conversation-realtime/internal/presence"
	"conversation-realtime/internal/reconcile"
	"conversation-realtime/internal/repositories"
	"conversation-realtime/internal/session"
)

type fakeSocket struct {
	mu        sync.Mutex
	writes    [][]byte
	closeCode int
	closes    int
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		s.mu.Lock()
		s.closeCode = int(binary.BigEndian.Uint16(data))
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *fakeSocket) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDirectory struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	participants  map[string]map[string]models.Participant
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		conversations: make(map[string]models.Conversation),
		participants:  make(map[string]map[string]models.Participant),
	}
}

// add creates a conversation; the first member is its owner.
func (d *fakeDirectory) add(conversationID string, status models.ConversationStatus, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[conversationID] = models.Conversation{ID: conversationID, Type: models.ConversationGeneral, Status: status}
	set := make(map[string]models.Participant)
	for i, userID := range members {
		role := models.RoleMember
		if i == 0 {
			role = models.RoleOwner
		}
		set[userID] = models.Participant{ConversationID: conversationID, UserID: userID, Role: role, NotificationsEnabled: true}
	}
	d.participants[conversationID] = set
}

func (d *fakeDirectory) muteNotifications(conversationID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.participants[conversationID][userID]
	p.NotificationsEnabled = false
	d.participants[conversationID][userID] = p
}

func (d *fakeDirectory) GetConversation(_ context.Context, conversationID string) (models.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.conversations[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv, nil
}

func (d *fakeDirectory) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.participants[conversationID][userID]
	return ok, nil
}

func (d *fakeDirectory) GetParticipant(_ context.Context, conversationID, userID string) (models.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[conversationID][userID]
	if !ok {
		return models.Participant{}, repositories.ErrParticipantNotFound
	}
	return p, nil
}

func (d *fakeDirectory) ListParticipants(_ context.Context, conversationID string) ([]models.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Participant, 0, len(d.participants[conversationID]))
	for _, p := range d.participants[conversationID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (d *fakeDirectory) advanceLastRead(conversationID, userID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[conversationID][userID]
	if !ok {
		return
	}
	if !p.LastReadAt.Valid || at.After(p.LastReadAt.Time) {
		p.LastReadAt = sql.NullTime{Time: at, Valid: true}
		d.participants[conversationID][userID] = p
	}
}

// fakeMessages keeps messages in creation order with keyset semantics.
type fakeMessages struct {
	mu       sync.Mutex
	now      func() time.Time
	dir      *fakeDirectory
	seq      int
	messages []models.Message
	receipts map[string]struct{}
}

func newFakeMessages(now func() time.Time, dir *fakeDirectory) *fakeMessages {
	return &fakeMessages{now: now, dir: dir, receipts: make(map[string]struct{})}
}

func (f *fakeMessages) AppendMessage(_ context.Context, conversationID, senderID, content string, msgType models.MessageType, metadata []byte) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msgType == "" {
		msgType = models.MessageText
	}
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	f.seq++
	msg := models.Message{
		ID:             fmt.Sprintf("m%04d", f.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		Metadata:       json.RawMessage(metadata),
		CreatedAt:      f.now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeMessages) find(conversationID, messageID string) (int, error) {
	for i, m := range f.messages {
		if m.ID == messageID && m.ConversationID == conversationID && !m.DeletedAt.Valid {
			return i, nil
		}
	}
	return -1, repositories.ErrMessageNotFound
}

func (f *fakeMessages) EditMessage(_ context.Context, conversationID, messageID, editorID, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(conversationID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if f.messages[i].SenderID != editorID {
		return models.Message{}, repositories.ErrNotMessageOwner
	}
	f.messages[i].Content = content
	f.messages[i].EditedAt = sql.NullTime{Time: f.now().UTC(), Valid: true}
	return f.messages[i], nil
}

func (f *fakeMessages) DeleteMessage(_ context.Context, conversationID, messageID, actorID string, moderator bool) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(conversationID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if f.messages[i].SenderID != actorID && !moderator {
		return models.Message{}, repositories.ErrNotMessageOwner
	}
	f.messages[i].DeletedAt = sql.NullTime{Time: f.now().UTC(), Valid: true}
	return f.messages[i], nil
}

func (f *fakeMessages) MarkRead(_ context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	var newest time.Time
	for _, id := range messageIDs {
		i, err := f.find(conversationID, id)
		if err != nil {
			continue
		}
		if f.messages[i].CreatedAt.After(newest) {
			newest = f.messages[i].CreatedAt
		}
		key := id + "|" + userID
		if _, ok := f.receipts[key]; ok {
			continue
		}
		f.receipts[key] = struct{}{}
		count++
	}
	if !newest.IsZero() {
		f.dir.advanceLastRead(conversationID, userID, newest)
	}
	return count, nil
}

func (f *fakeMessages) FetchSince(_ context.Context, conversationID string, since models.Watermark, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID || m.DeletedAt.Valid || !since.Before(m.Watermark()) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMessages) LatestMessage(_ context.Context, conversationID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		m := f.messages[i]
		if m.ConversationID == conversationID && !m.DeletedAt.Valid {
			return &m, nil
		}
	}
	return nil, nil
}

// flakyBus fails the next failures publishes of new-message events.
type flakyBus struct {
	*bus.MemoryBus
	mu        sync.Mutex
	failures  int
	delivered int
}

func (f *flakyBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	f.mu.Lock()
	if ev.Type == models.EventNewMessage {
		if f.failures > 0 {
			f.failures--
			f.mu.Unlock()
			return fmt.Errorf("broker unreachable")
		}
		f.delivered++
	}
	f.mu.Unlock()
	return f.MemoryBus.Publish(ctx, topic, ev)
}

func (f *flakyBus) newMessagesPublished() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

// gatedBus blocks subscriptions to one topic until release is closed.
type gatedBus struct {
	*bus.MemoryBus
	topic   string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedBus(topic string) *gatedBus {
	return &gatedBus{
		MemoryBus: bus.NewMemoryBus(zerolog.Nop()),
		topic:     topic,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (b *gatedBus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	if topic == b.topic {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.MemoryBus.Subscribe(ctx, topic, h)
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	dir      *fakeDirectory
	msgs     *fakeMessages
	bus      bus.Bus
	presence *presence.MemoryStore
	notifier notify.Sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	dir := newFakeDirectory()
	return &harness{
		t:        t,
		clock:    clock,
		dir:      dir,
		msgs:     newFakeMessages(clock.Now, dir),
		bus:      bus.NewMemoryBus(zerolog.Nop()),
		presence: presence.NewMemoryStoreWithClock(90*time.Second, clock.Now),
	}
}

func (h *harness) gateway(instanceID string) *Gateway {
	h.t.Helper()
	g := NewGateway(Deps{
		Directory:  h.dir,
		Messages:   h.msgs,
		Presence:   h.presence,
		Bus:        h.bus,
		Sessions:   session.NewManager(3 * time.Second),
		Reconciler: reconcile.NewReconciler(h.msgs, 50, 10),
		Notifier:   h.notifier,
	}, Options{
		InstanceID:        instanceID,
		SendQueueSize:     64,
		SaturationTimeout: 5 * time.Second,
		PublishRetryMax:   5 * time.Second,
		Now:               h.clock.Now,
	}, zerolog.Nop())
	require.NoError(h.t, g.Start(context.Background()))
	h.t.Cleanup(func() { g.Shutdown(context.Background()) })
	return g
}

func (h *harness) connect(g *Gateway, userID string) *Client {
	return h.connectWithCapacity(g, userID, 64)
}

func (h *harness) connectWithCapacity(g *Gateway, userID string, capacity int) *Client {
	c := NewClient(&fakeSocket{}, ConnInfo{UserID: userID, ConnectedAt: h.clock.Now()}, capacity)
	g.Connect(context.Background(), c)
	return c
}

func send(g *Gateway, c *Client, frame string) {
	g.HandleInbound(context.Background(), c, []byte(frame))
}

func join(g *Gateway, c *Client, conversationID string) {
	send(g, c, fmt.Sprintf(`{"type":"join-conversation","payload":{"conversationId":%q}}`, conversationID))
}

// drain pops every queued event of c without a running writer.
func drain(t *testing.T, c *Client) []models.Event {
	t.Helper()
	var out []models.Event
	for {
		payload, ok := c.pop()
		if !ok {
			return out
		}
		var ev models.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		out = append(out, ev)
	}
}

func ofType(events []models.Event, t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func errorCodes(events []models.Event) []string {
	var out []string
	for _, ev := range ofType(events, models.EventError) {
		out = append(out, ev.Payload.(models.ErrorPayload).Code)
	}
	return out
}
