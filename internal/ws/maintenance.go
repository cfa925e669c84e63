package ws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"conversation-realtime/internal/bus"
	"conversation-realtime/internal/models"
	"conversation-realtime/internal/observability"
	"conversation-realtime/internal/presence"
)

// Run drives typing expiry, saturation checks and presence refresh until ctx
// is done.
func (g *Gateway) Run(ctx context.Context) {
	sweepEvery := g.opts.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 500 * time.Millisecond
	}
	heartbeatEvery := g.opts.HeartbeatInterval
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			g.Sweep(ctx, g.now())
		case <-heartbeat.C:
			g.Heartbeat(ctx)
		}
	}
}

// Sweep expires typing indicators and disconnects clients whose outbound
// queue stayed full past the saturation timeout.
func (g *Gateway) Sweep(ctx context.Context, now time.Time) {
	for _, expired := range g.deps.Sessions.Sweep(now) {
		ev := models.NewEvent(expired.ConversationID, models.UserStoppedTyping{UserID: expired.UserID}).
			WithOrigin(models.Origin{Instance: g.opts.InstanceID, UserID: expired.UserID})
		g.publish(ctx, bus.ConversationTopic(expired.ConversationID), ev)
	}

	for _, c := range g.allClients() {
		if !c.Saturated(now, g.opts.SaturationTimeout) {
			continue
		}
		observability.IncSaturatedDisconnect()
		g.logger.Warn().Str("conn_id", c.ID).Str("user_id", c.UserID()).Int("pending", c.Pending()).Msg("disconnecting saturated client")
		publishLifecycle(ctx, "ws_error", c.Info, ErrSaturated.Error())
		c.Close(websocket.CloseTryAgainLater, ErrSaturated.Error())
		g.Disconnect(ctx, c, ErrSaturated.Error())
	}

	g.mu.RLock()
	rooms := len(g.rooms)
	g.mu.RUnlock()
	observability.SetActiveRooms(rooms)
}

// Heartbeat refreshes presence of every local socket and retries room
// subscriptions that failed earlier.
func (g *Gateway) Heartbeat(ctx context.Context) {
	for _, c := range g.allClients() {
		g.touch(ctx, c)
	}

	g.mu.RLock()
	rooms := make([]string, 0, len(g.rooms))
	for conversationID := range g.rooms {
		rooms = append(rooms, conversationID)
	}
	g.mu.RUnlock()

	for _, conversationID := range rooms {
		unlock := g.lockRoom(conversationID)
		g.mu.RLock()
		occupied := len(g.rooms[conversationID]) > 0
		g.mu.RUnlock()
		if occupied {
			g.subscribeRoomLocked(ctx, conversationID)
		}
		unlock()
	}
}

// UserStatus reports the presence of a user across all instances.
func (g *Gateway) UserStatus(ctx context.Context, userID string) (presence.Status, error) {
	status, err := g.deps.Presence.GetStatus(ctx, userID)
	if err != nil {
		g.presenceFailed("get_status", err)
		if g.userConnected(userID) {
			return presence.Status{State: models.PresenceOnline, LastSeen: g.now().UTC()}, nil
		}
		return presence.Status{}, fmt.Errorf("user status: %w", err)
	}
	if !status.Online() && g.userConnected(userID) {
		status.State = models.PresenceOnline
	}
	return status, nil
}

// Health reports ok or degraded per external component.
func (g *Gateway) Health(context.Context) map[string]string {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	out := map[string]string{componentBus: "ok", componentPresence: "ok"}
	for name, degraded := range g.degraded {
		if degraded {
			out[name] = "degraded"
		}
	}
	return out
}

func (g *Gateway) presenceFailed(op string, err error) {
	observability.IncPresenceError(op)
	g.logger.Warn().Err(err).Str("op", op).Msg("presence store failed")
	g.componentFailed(componentPresence)
}

func (g *Gateway) componentFailed(name string) {
	if g.setDegraded(name, true) {
		g.logger.Warn().Str("dependency", name).Msg("running degraded")
		g.broadcastSystemStatus(name, "degraded")
	}
}

func (g *Gateway) componentOK(name string) {
	if g.setDegraded(name, false) {
		g.logger.Info().Str("dependency", name).Msg("recovered")
		g.broadcastSystemStatus(name, "ok")
	}
}

// setDegraded returns true when the flag changed.
func (g *Gateway) setDegraded(name string, degraded bool) bool {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	if g.degraded[name] == degraded {
		return false
	}
	g.degraded[name] = degraded
	return true
}

func (g *Gateway) broadcastSystemStatus(component, status string) {
	ev := models.NewEvent("", models.SystemStatus{Component: component, Status: status})
	now := g.now()
	for _, c := range g.allClients() {
		c.Enqueue(ev, now)
	}
}

// Shutdown closes every socket with going-away, waits for background
// publishes and notifications, then drops all subscriptions.
func (g *Gateway) Shutdown(ctx context.Context) {
	clients := g.allClients()
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
		g.Disconnect(ctx, c, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn().Msg("shutdown deadline reached with background work pending")
	}
	g.bgCancel()

	g.subMu.Lock()
	defer g.subMu.Unlock()
	for conversationID, sub := range g.subs {
		_ = sub.Unsubscribe()
		delete(g.subs, conversationID)
	}
	if g.presenceSub != nil {
		_ = g.presenceSub.Unsubscribe()
		g.presenceSub = nil
	}
}
