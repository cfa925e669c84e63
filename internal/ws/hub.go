package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"conversation-realtime/internal/bus"
	"conversation-realtime/internal/models"
	"conversation-realtime/internal/notify"
	"conversation-realtime/internal/observability"
	"conversation-realtime/internal/presence"
	"conversation-realtime/internal/reconcile"
	"conversation-realtime/internal/repositories"
	"conversation-realtime/internal/session"
)

const (
	seenEventLimit = 4096
	notifyTimeout  = 10 * time.Second

	componentBus      = "bus"
	componentPresence = "presence"
)

// Deps are the collaborators of a Gateway.
type Deps struct {
	Directory  repositories.ConversationRepository
	Messages   repositories.MessageRepository
	Presence   presence.Store
	Bus        bus.Bus
	Sessions   *session.Manager
	Reconciler *reconcile.Reconciler
	Notifier   notify.Sink
}

type Options struct {
	InstanceID        string
	SendQueueSize     int
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SaturationTimeout time.Duration
	PublishRetryMax   time.Duration
	Now               func() time.Time
}

// Gateway owns the live sockets of this instance and their room memberships.
type Gateway struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	// subMu guards subs, roomLocks and presenceSub. Bus calls for a room
	// happen under that room's lock only.
	subMu       sync.Mutex
	subs        map[string]bus.Subscription
	roomLocks   map[string]*roomLock
	presenceSub bus.Subscription

	seenMu sync.Mutex
	seen   *recentSet

	// outboxes holds events per topic queued behind a failed publish.
	outMu    sync.Mutex
	outboxes map[string][]models.Event

	healthMu sync.Mutex
	degraded map[string]bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewGateway creates a gateway with no sockets.
func NewGateway(deps Deps, opts Options, logger zerolog.Logger) *Gateway {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewNoopSink()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SaturationTimeout <= 0 {
		opts.SaturationTimeout = 10 * time.Second
	}
	if opts.PublishRetryMax <= 0 {
		opts.PublishRetryMax = 2 * time.Minute
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Gateway{
		deps:     deps,
		opts:     opts,
		now:      opts.Now,
		logger:   logger.With().Str("component", "gateway").Str("instance", opts.InstanceID).Logger(),
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		subs:      make(map[string]bus.Subscription),
		roomLocks: make(map[string]*roomLock),
		seen:     newRecentSet(seenEventLimit),
		outboxes: make(map[string][]models.Event),
		degraded: make(map[string]bool),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Start subscribes to the global presence topic.
func (g *Gateway) Start(ctx context.Context) error {
	sub, err := g.deps.Bus.Subscribe(ctx, bus.PresenceTopic, g.Deliver)
	if err != nil {
		return fmt.Errorf("subscribe presence topic: %w", err)
	}
	g.subMu.Lock()
	g.presenceSub = sub
	g.subMu.Unlock()
	return nil
}

func (g *Gateway) origin(c *Client) models.Origin {
	return models.Origin{Instance: g.opts.InstanceID, ConnID: c.ID, UserID: c.UserID()}
}

// Connect registers an authenticated client and marks its user online.
func (g *Gateway) Connect(ctx context.Context, c *Client) {
	g.mu.Lock()
	g.clients[c.ID] = c
	g.mu.Unlock()

	observability.IncWSActive()
	publishLifecycle(ctx, "ws_connect", c.Info, "")

	became, err := g.deps.Presence.SetOnline(ctx, c.UserID(), c.ID)
	if err != nil {
		g.presenceFailed("set_online", err)
		return
	}
	g.componentOK(componentPresence)
	if became {
		g.publishStatus(ctx, c.UserID(), models.PresenceOnline)
	}
}

func (g *Gateway) publishStatus(ctx context.Context, userID string, status models.PresenceStatus) {
	ev := models.NewEvent("", models.UserStatusChange{UserID: userID, Status: status, LastSeen: g.now().UTC()}).
		WithOrigin(models.Origin{Instance: g.opts.InstanceID, UserID: userID})
	g.publish(ctx, bus.PresenceTopic, ev)
}

// Authorize checks that the conversation exists and the user takes part in it.
func (g *Gateway) Authorize(ctx context.Context, conversationID, userID string) error {
	_, _, err := g.authorize(ctx, conversationID, userID)
	return err
}

func (g *Gateway) authorize(ctx context.Context, conversationID, userID string) (models.Conversation, models.Participant, error) {
	conv, err := g.deps.Directory.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return conv, models.Participant{}, ErrNotFound
	}
	if err != nil {
		return conv, models.Participant{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	participant, err := g.deps.Directory.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, repositories.ErrParticipantNotFound) {
		return conv, participant, ErrForbidden
	}
	if err != nil {
		return conv, participant, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return conv, participant, nil
}

// JoinRoom adds the socket to the conversation room, sends it a snapshot and
// replays what it missed. Joining twice is a no-op apart from a fresh snapshot.
func (g *Gateway) JoinRoom(ctx context.Context, c *Client, conversationID string, since *models.Watermark, requestID string) error {
	conv, participant, err := g.authorize(ctx, conversationID, c.UserID())
	if err != nil {
		return err
	}

	g.mu.Lock()
	if _, connected := g.clients[c.ID]; !connected {
		g.mu.Unlock()
		return nil
	}
	_, already := c.rooms[conversationID]
	firstForUser := false
	if !already {
		room := g.rooms[conversationID]
		if room == nil {
			room = make(map[string]*Client)
			g.rooms[conversationID] = room
		}
		firstForUser = !userInRoomLocked(room, c.UserID())
		room[c.ID] = c
	}
	c.rooms[conversationID] = participant.Role
	g.mu.Unlock()

	unlock := g.lockRoom(conversationID)
	if !g.inRoom(c, conversationID) {
		// disconnected meanwhile; its leave already released the room
		unlock()
		return nil
	}
	g.deps.Sessions.Activate(conversationID, conv.Status)
	g.subscribeRoomLocked(ctx, conversationID)
	unlock()

	if !already {
		if err := g.deps.Presence.AddToConversation(ctx, conversationID, c.UserID(), c.ID); err != nil {
			g.presenceFailed("add_to_conversation", err)
		}
		if firstForUser {
			ev := models.NewEvent(conversationID, models.UserJoined{UserID: c.UserID(), Role: participant.Role}).WithOrigin(g.origin(c))
			g.publish(ctx, bus.ConversationTopic(conversationID), ev)
		}
	}

	participants, err := g.deps.Directory.ListParticipants(ctx, conversationID)
	if err != nil {
		g.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("list participants failed")
	}
	for _, p := range participants {
		if p.LastReadAt.Valid {
			g.deps.Sessions.MarkRead(conversationID, p.UserID, p.LastReadAt.Time)
		}
	}
	joined := models.NewEvent(conversationID, g.snapshot(ctx, conv, participants))
	joined.RequestID = requestID
	c.Enqueue(joined, g.now())

	g.reconcile(ctx, c, conversationID, since, participant)
	return nil
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// lockRoom serializes subscription changes of one conversation and returns
// the matching unlock.
func (g *Gateway) lockRoom(conversationID string) func() {
	g.subMu.Lock()
	l := g.roomLocks[conversationID]
	if l == nil {
		l = &roomLock{}
		g.roomLocks[conversationID] = l
	}
	l.refs++
	g.subMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.subMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.roomLocks, conversationID)
		}
		g.subMu.Unlock()
	}
}

func (g *Gateway) inRoom(c *Client, conversationID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.rooms[conversationID][c.ID]
	return ok
}

// subscribeRoomLocked requires the room lock of conversationID.
func (g *Gateway) subscribeRoomLocked(ctx context.Context, conversationID string) {
	g.subMu.Lock()
	_, ok := g.subs[conversationID]
	g.subMu.Unlock()
	if ok {
		return
	}
	sub, err := g.deps.Bus.Subscribe(ctx, bus.ConversationTopic(conversationID), g.Deliver)
	if err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("bus subscribe failed")
		g.componentFailed(componentBus)
		return
	}
	g.subMu.Lock()
	g.subs[conversationID] = sub
	g.subMu.Unlock()
}

func (g *Gateway) reconcile(ctx context.Context, c *Client, conversationID string, since *models.Watermark, participant models.Participant) {
	var mark models.Watermark
	if participant.LastReadAt.Valid {
		mark = models.Watermark{At: participant.LastReadAt.Time}
	}
	if since != nil {
		mark = mark.Max(*since)
	}

	missed, truncated, err := g.deps.Reconciler.Missed(ctx, conversationID, mark)
	if err != nil {
		g.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("reconcile failed")
		g.sendError(c, models.ActionJoinConversation, "", conversationID, fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	now := g.now()
	replayed := 0
	for _, msg := range missed {
		if !c.markDelivered(conversationID, msg.ID) {
			continue
		}
		ev := models.NewEvent(conversationID, models.NewMessage{Message: msg, IsOwn: msg.SenderID == c.UserID(), Replayed: true})
		c.Enqueue(ev, now)
		replayed++
	}
	observability.AddReconciled(replayed)
	if truncated {
		g.logger.Info().Str("conversation_id", conversationID).Str("conn_id", c.ID).Int("replayed", replayed).Msg("reconcile hit page cap")
	}
}

func userInRoomLocked(room map[string]*Client, userID string) bool {
	for _, other := range room {
		if other.UserID() == userID {
			return true
		}
	}
	return false
}

// removeFromRoomLocked requires g.mu held for writing.
func (g *Gateway) removeFromRoomLocked(c *Client, conversationID string) (lastForUser, roomEmpty, ok bool) {
	if _, joined := c.rooms[conversationID]; !joined {
		return false, false, false
	}
	delete(c.rooms, conversationID)
	room := g.rooms[conversationID]
	delete(room, c.ID)
	lastForUser = !userInRoomLocked(room, c.UserID())
	if len(room) == 0 {
		delete(g.rooms, conversationID)
		roomEmpty = true
	}
	return lastForUser, roomEmpty, true
}

// LeaveRoom removes the socket from the room. Leaving a room that was not
// joined is a no-op.
func (g *Gateway) LeaveRoom(ctx context.Context, c *Client, conversationID string) {
	g.mu.Lock()
	lastForUser, roomEmpty, ok := g.removeFromRoomLocked(c, conversationID)
	g.mu.Unlock()
	if !ok {
		return
	}
	g.afterLeave(ctx, c, conversationID, lastForUser, roomEmpty)
}

func (g *Gateway) afterLeave(ctx context.Context, c *Client, conversationID string, lastForUser, roomEmpty bool) {
	c.forgetRoom(conversationID)
	if err := g.deps.Presence.RemoveFromConversation(ctx, conversationID, c.UserID(), c.ID); err != nil {
		g.presenceFailed("remove_from_conversation", err)
	}
	if lastForUser {
		topic := bus.ConversationTopic(conversationID)
		if g.deps.Sessions.StopTyping(conversationID, c.UserID()) {
			g.publish(ctx, topic, models.NewEvent(conversationID, models.UserStoppedTyping{UserID: c.UserID()}).WithOrigin(g.origin(c)))
		}
		g.publish(ctx, topic, models.NewEvent(conversationID, models.UserLeft{UserID: c.UserID()}).WithOrigin(g.origin(c)))
	}
	if roomEmpty {
		g.releaseIfIdle(ctx, conversationID)
	}
}

// releaseIfIdle drops the bus subscription and session state of a room with no local sockets.
func (g *Gateway) releaseIfIdle(ctx context.Context, conversationID string) {
	unlock := g.lockRoom(conversationID)
	g.mu.RLock()
	empty := len(g.rooms[conversationID]) == 0
	g.mu.RUnlock()
	if !empty {
		unlock()
		return
	}
	g.subMu.Lock()
	sub := g.subs[conversationID]
	delete(g.subs, conversationID)
	g.subMu.Unlock()
	cut := g.deps.Sessions.Deactivate(conversationID)
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("bus unsubscribe failed")
		}
	}
	unlock()

	for _, userID := range cut {
		ev := models.NewEvent(conversationID, models.UserStoppedTyping{UserID: userID}).
			WithOrigin(models.Origin{Instance: g.opts.InstanceID, UserID: userID})
		g.publish(ctx, bus.ConversationTopic(conversationID), ev)
	}
}

// Disconnect removes the client from every room and marks its user offline
// when no socket is left anywhere. It is safe to call more than once.
func (g *Gateway) Disconnect(ctx context.Context, c *Client, reason string) {
	type leave struct {
		conversationID string
		lastForUser    bool
		roomEmpty      bool
	}

	g.mu.Lock()
	if _, ok := g.clients[c.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.ID)
	leaves := make([]leave, 0, len(c.rooms))
	for conversationID := range c.rooms {
		last, empty, _ := g.removeFromRoomLocked(c, conversationID)
		leaves = append(leaves, leave{conversationID: conversationID, lastForUser: last, roomEmpty: empty})
	}
	stillLocal := g.userConnectedLocked(c.UserID())
	g.mu.Unlock()

	c.Close(websocket.CloseNormalClosure, reason)
	observability.DecWSActive()
	publishLifecycle(ctx, "ws_disconnect", c.Info, reason)

	for _, l := range leaves {
		g.afterLeave(ctx, c, l.conversationID, l.lastForUser, l.roomEmpty)
	}

	remaining, err := g.deps.Presence.RemoveSocket(ctx, c.UserID(), c.ID)
	if err != nil {
		g.presenceFailed("remove_socket", err)
		return
	}
	if remaining > 0 || stillLocal {
		return
	}
	if err := g.deps.Presence.SetOffline(ctx, c.UserID()); err != nil {
		g.presenceFailed("set_offline", err)
		return
	}
	g.publishStatus(ctx, c.UserID(), models.PresenceOffline)
}

func (g *Gateway) userConnectedLocked(userID string) bool {
	for _, c := range g.clients {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

func (g *Gateway) userConnected(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.userConnectedLocked(userID)
}

func (g *Gateway) joined(c *Client, conversationID string) (models.ParticipantRole, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	role, ok := c.rooms[conversationID]
	return role, ok
}

func (g *Gateway) roomsOf(c *Client) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for conversationID := range c.rooms {
		out = append(out, conversationID)
	}
	return out
}

func (g *Gateway) roomClients(conversationID string) []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room := g.rooms[conversationID]
	out := make([]*Client, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

func (g *Gateway) allClients() []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c)
	}
	return out
}

// RoomMembers lists the connection ids joined to the conversation on this instance.
func (g *Gateway) RoomMembers(conversationID string) []string {
	clients := g.roomClients(conversationID)
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.ID)
	}
	return out
}

func (g *Gateway) firstSighting(eventID string) bool {
	if eventID == "" {
		return true
	}
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	return g.seen.add(eventID)
}

// Deliver is the bus callback. It fans an event out to the local sockets of
// its room only.
func (g *Gateway) Deliver(ctx context.Context, ev models.Event) {
	if !g.firstSighting(ev.ID) {
		return
	}
	now := g.now()

	switch p := ev.Payload.(type) {
	case models.UserStatusChange:
		for _, c := range g.allClients() {
			c.Enqueue(ev, now)
		}
		return
	case models.ParticipantRemoved:
		g.evictLocal(ctx, ev.ConversationID, p.UserID, p.Present)
		return
	case models.UserTyping:
		if ev.Origin.Instance != g.opts.InstanceID {
			g.deps.Sessions.Observe(ev.ConversationID, p.UserID, true, now)
		}
	case models.UserStoppedTyping:
		if ev.Origin.Instance != g.opts.InstanceID {
			g.deps.Sessions.Observe(ev.ConversationID, p.UserID, false, now)
		}
	case models.MessageRead:
		g.deps.Sessions.MarkRead(ev.ConversationID, p.UserID, p.ReadAt)
	case models.ConversationUpdated:
		if p.Status != "" {
			g.deps.Sessions.SetStatus(ev.ConversationID, p.Status)
		}
	}

	for _, c := range g.roomClients(ev.ConversationID) {
		if g.skipOrigin(c, ev) {
			continue
		}
		out := ev
		if nm, ok := ev.Payload.(models.NewMessage); ok {
			if !c.markDelivered(ev.ConversationID, nm.Message.ID) {
				continue
			}
			nm.IsOwn = nm.Message.SenderID == c.UserID()
			out.Payload = nm
		}
		c.Enqueue(out, now)
	}
}

// skipOrigin reports whether c caused ev and must not receive it back.
func (g *Gateway) skipOrigin(c *Client, ev models.Event) bool {
	switch ev.Type {
	case models.EventUserTyping, models.EventUserStoppedTyping:
		return ev.Origin.UserID != "" && ev.Origin.UserID == c.UserID()
	case models.EventConversationUpdated:
		return false
	}
	return ev.Origin.ConnID != "" && ev.Origin.Instance == g.opts.InstanceID && ev.Origin.ConnID == c.ID
}

// EvictParticipant closes every room membership of the user in the
// conversation on all instances.
func (g *Gateway) EvictParticipant(ctx context.Context, conversationID, userID string) error {
	ev := models.NewEvent(conversationID, models.ParticipantRemoved{UserID: userID, Present: g.inConversation(ctx, conversationID, userID)}).
		WithOrigin(models.Origin{Instance: g.opts.InstanceID})
	g.publish(ctx, bus.ConversationTopic(conversationID), ev)
	return nil
}

// inConversation reports whether the user holds a socket in the room on any
// instance, falling back to this instance when presence is unavailable.
func (g *Gateway) inConversation(ctx context.Context, conversationID, userID string) bool {
	g.mu.RLock()
	local := userInRoomLocked(g.rooms[conversationID], userID)
	g.mu.RUnlock()
	if local {
		return true
	}
	users, err := g.deps.Presence.ListConversationUsers(ctx, conversationID)
	if err != nil {
		g.presenceFailed("list_conversation_users", err)
		return false
	}
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

func (g *Gateway) evictLocal(ctx context.Context, conversationID, userID string, present bool) {
	g.mu.Lock()
	var evicted []*Client
	for _, c := range g.rooms[conversationID] {
		if c.UserID() == userID {
			evicted = append(evicted, c)
		}
	}
	roomEmpty := false
	for _, c := range evicted {
		_, empty, _ := g.removeFromRoomLocked(c, conversationID)
		roomEmpty = roomEmpty || empty
	}
	g.mu.Unlock()

	now := g.now()
	status, _ := g.deps.Sessions.Status(conversationID)
	for _, c := range evicted {
		c.forgetRoom(conversationID)
		if err := g.deps.Presence.RemoveFromConversation(ctx, conversationID, userID, c.ID); err != nil {
			g.presenceFailed("remove_from_conversation", err)
		}
		c.Enqueue(models.NewEvent(conversationID, models.ConversationUpdated{Status: status, Reason: "removed"}), now)
	}
	if len(evicted) > 0 {
		g.logger.Info().Str("conversation_id", conversationID).Str("user_id", userID).Int("sockets", len(evicted)).Msg("participant evicted")
	}

	if g.deps.Sessions.StopTyping(conversationID, userID) {
		ev := models.NewEvent(conversationID, models.UserStoppedTyping{UserID: userID}).
			WithOrigin(models.Origin{Instance: g.opts.InstanceID, UserID: userID})
		g.publish(ctx, bus.ConversationTopic(conversationID), ev)
	}

	if present || len(evicted) > 0 {
		left := models.NewEvent(conversationID, models.UserLeft{UserID: userID}).
			WithOrigin(models.Origin{Instance: g.opts.InstanceID, UserID: userID})
		for _, c := range g.roomClients(conversationID) {
			c.Enqueue(left, now)
		}
	}
	if roomEmpty {
		g.releaseIfIdle(ctx, conversationID)
	}
}

// UpdateConversation broadcasts a status change owned by the persistence side.
func (g *Gateway) UpdateConversation(ctx context.Context, conversationID string, status models.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidAction, status)
	}
	ev := models.NewEvent(conversationID, models.ConversationUpdated{Status: status, Reason: "status_changed"}).
		WithOrigin(models.Origin{Instance: g.opts.InstanceID})
	g.publish(ctx, bus.ConversationTopic(conversationID), ev)
	return nil
}

// publish sends ev to the bus. On failure the event is delivered locally and,
// unless ephemeral, queued in the topic outbox. While an outbox is non-empty
// later events of that topic queue behind it so remote instances see them in
// publish order.
func (g *Gateway) publish(ctx context.Context, topic string, ev models.Event) {
	g.outMu.Lock()
	if pending, busy := g.outboxes[topic]; busy {
		g.outboxes[topic] = append(pending, ev)
		g.outMu.Unlock()
		g.Deliver(ctx, ev)
		return
	}
	g.outMu.Unlock()

	err := g.deps.Bus.Publish(ctx, topic, ev)
	if err == nil {
		g.componentOK(componentBus)
		return
	}

	observability.IncBusPublishError(string(ev.Type))
	g.logger.Warn().Err(err).Str("topic", topic).Str("type", string(ev.Type)).Msg("bus publish failed, delivering locally")
	g.componentFailed(componentBus)
	g.Deliver(ctx, ev)
	if ev.Type.Ephemeral() {
		return
	}

	g.outMu.Lock()
	pending, busy := g.outboxes[topic]
	g.outboxes[topic] = append(pending, ev)
	g.outMu.Unlock()
	if busy {
		return
	}
	g.bg.Add(1)
	go g.flushOutbox(topic)
}

// flushOutbox republishes the queued events of topic in order and removes the
// outbox once it is empty.
func (g *Gateway) flushOutbox(topic string) {
	defer g.bg.Done()
	var lastErr error
	for {
		g.outMu.Lock()
		pending := g.outboxes[topic]
		if len(pending) == 0 {
			delete(g.outboxes, topic)
			g.outMu.Unlock()
			break
		}
		ev := pending[0]
		g.outMu.Unlock()

		if ev.Type.Ephemeral() {
			lastErr = g.deps.Bus.Publish(g.bgCtx, topic, ev)
		} else {
			lastErr = bus.PublishWithRetry(g.bgCtx, g.deps.Bus, topic, ev, g.opts.PublishRetryMax)
		}
		if lastErr != nil {
			g.logger.Error().Err(lastErr).Str("topic", topic).Str("event_id", ev.ID).Msg("giving up on bus publish")
		}

		g.outMu.Lock()
		g.outboxes[topic] = g.outboxes[topic][1:]
		g.outMu.Unlock()
	}
	if lastErr == nil {
		g.componentOK(componentBus)
	}
}

func (g *Gateway) notifyOffline(msg models.Message) {
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		ctx, cancel := context.WithTimeout(g.bgCtx, notifyTimeout)
		defer cancel()

		participants, err := g.deps.Directory.ListParticipants(ctx, msg.ConversationID)
		if err != nil {
			g.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("notify: list participants failed")
			return
		}
		var recipients []string
		for _, p := range participants {
			if p.UserID == msg.SenderID || !p.NotificationsEnabled || g.userConnected(p.UserID) {
				continue
			}
			status, err := g.deps.Presence.GetStatus(ctx, p.UserID)
			if err != nil || status.Online() {
				continue
			}
			recipients = append(recipients, p.UserID)
		}
		if err := g.deps.Notifier.NotifyNewMessage(ctx, recipients, msg); err != nil {
			g.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("notify: enqueue failed")
		}
	}()
}
