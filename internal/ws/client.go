package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conversation-realtime/internal/models"
	"conversation-realtime/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	recentPerRoom  = 256
)

type outbound struct {
	payload   []byte
	ephemeral bool
}

// recentSet remembers the most recent ids up to limit.
type recentSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{limit: limit, ids: make(map[string]struct{})}
}

func (r *recentSet) add(id string) bool {
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

// Client is one live socket. Outbound events go through a bounded queue
// drained by a single writer goroutine.
type Client struct {
	ID   string
	Info ConnInfo

	socket   Socket
	capacity int
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once

	mu             sync.Mutex
	queue          []outbound
	saturatedSince time.Time
	closed         bool
	recent         map[string]*recentSet

	// guarded by Gateway.mu
	rooms map[string]models.ParticipantRole
}

// NewClient wraps socket. Start must be called to begin writing.
func NewClient(socket Socket, info ConnInfo, capacity int) *Client {
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	if capacity <= 0 {
		capacity = 128
	}
	return &Client{
		ID:       info.ConnID,
		Info:     info,
		socket:   socket,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		recent:   make(map[string]*recentSet),
		rooms:    make(map[string]models.ParticipantRole),
	}
}

func (c *Client) UserID() string {
	return c.Info.UserID
}

// Start launches the write loop. It must be called exactly once per client.
func (c *Client) Start() {
	go c.writeLoop()
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Enqueue adds ev to the outbound queue without blocking. When the queue is
// full an ephemeral event is dropped; a message event evicts the oldest
// queued ephemeral event or is dropped itself.
func (c *Client) Enqueue(ev models.Event, now time.Time) bool {
	payload, err := ev.ClientJSON()
	if err != nil {
		return false
	}
	item := outbound{payload: payload, ephemeral: ev.Type.Ephemeral()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	accepted := true
	if len(c.queue) >= c.capacity {
		if c.saturatedSince.IsZero() {
			c.saturatedSince = now
		}
		accepted = c.makeRoomLocked(item)
	}
	if accepted {
		c.queue = append(c.queue, item)
	}
	c.mu.Unlock()

	if !accepted {
		return false
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
	observability.IncDelivered(string(ev.Type))
	return true
}

func (c *Client) makeRoomLocked(item outbound) bool {
	if item.ephemeral {
		observability.IncDropped("ephemeral")
		return false
	}
	for i, queued := range c.queue {
		if queued.ephemeral {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			observability.IncDropped("ephemeral_evicted")
			return true
		}
	}
	observability.IncDropped("message")
	return false
}

// Saturated reports whether the queue has stayed full for at least threshold.
func (c *Client) Saturated(now time.Time, threshold time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.saturatedSince.IsZero() && now.Sub(c.saturatedSince) >= threshold
}

// Pending is the number of queued outbound events.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// markDelivered records a message id for the room and reports whether it is new.
func (c *Client) markDelivered(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.recent[conversationID]
	if set == nil {
		set = newRecentSet(recentPerRoom)
		c.recent[conversationID] = set
	}
	return set.add(messageID)
}

func (c *Client) forgetRoom(conversationID string) {
	c.mu.Lock()
	delete(c.recent, conversationID)
	c.mu.Unlock()
}

func (c *Client) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	item := c.queue[0]
	c.queue[0] = outbound{}
	c.queue = c.queue[1:]
	c.saturatedSince = time.Time{}
	return item.payload, true
}

// Close sends a close frame with code and stops the writer.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
		_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.socket.Close()
	})
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for {
				payload, ok := c.pop()
				if !ok {
					break
				}
				if err := c.write(websocket.TextMessage, payload); err != nil {
					c.Close(websocket.CloseGoingAway, "write failed")
					return
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	if err := c.socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.socket.WriteMessage(messageType, payload)
}
