package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"conversation-realtime/internal/identity"
	"conversation-realtime/internal/models"
	"conversation-realtime/internal/observability"
)

// WebSocketHandler upgrades authenticated requests and feeds their frames to the gateway.
type WebSocketHandler struct {
	gateway  *Gateway
	auth     identity.Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandler constructs a WebSocketHandler. An empty allowedOrigins accepts any origin.
func NewWebSocketHandler(gateway *Gateway, auth identity.Authenticator, allowedOrigins []string, logger zerolog.Logger) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &WebSocketHandler{
		gateway: gateway,
		auth:    auth,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Handle upgrades a connection that joins rooms through join-conversation frames.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	h.serve(c, "")
}

// HandleConversation upgrades a connection and joins the conversation in the path.
func (h *WebSocketHandler) HandleConversation(c *gin.Context) {
	h.serve(c, c.Param("conversation_id"))
}

func (h *WebSocketHandler) serve(c *gin.Context, conversationID string) {
	ctx, span := otel.Tracer("conversation-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := observability.BearerToken(c.Request)
	if !ok {
		observability.IncWSEvent("auth_failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	id, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		observability.IncWSEvent("auth_failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if conversationID != "" {
		if err := h.gateway.Authorize(ctx, conversationID, id.UserID); err != nil {
			c.JSON(httpStatus(err), gin.H{"error": ErrorCode(err)})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      id.UserID,
		Role:        id.Role,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := NewClient(conn, info, h.gateway.opts.SendQueueSize)

	connCtx, cancel := context.WithCancel(trace.ContextWithSpanContext(context.Background(), span.SpanContext()))
	h.gateway.Connect(connCtx, client)
	client.Start()

	if conversationID != "" {
		if err := h.gateway.JoinRoom(connCtx, client, conversationID, nil, ""); err != nil {
			h.gateway.sendError(client, models.ActionJoinConversation, "", conversationID, err)
		}
	}

	go h.readLoop(connCtx, cancel, conn, client)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *Client) {
	reason := "client closed"
	defer func() {
		cancel()
		h.gateway.Disconnect(context.WithoutCancel(ctx), client, reason)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("conn_id", client.ID).Msg("socket read failed")
				publishLifecycle(ctx, "ws_error", client.Info, reason)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.gateway.HandleInbound(ctx, client, data)
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidAction):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
