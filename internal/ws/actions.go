package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conversation-realtime/internal/bus"
	"conversation-realtime/internal/models"
	"conversation-realtime/internal/observability"
	"conversation-realtime/internal/repositories"
)

// HandleInbound decodes one client frame and runs it. Failures are reported
// back to the socket as error events carrying the request id.
func (g *Gateway) HandleInbound(ctx context.Context, c *Client, data []byte) {
	action, err := models.ParseAction(data)
	if err == nil {
		err = g.dispatch(ctx, c, action)
	}
	observability.IncAction(string(action.Type), ErrorCode(err))
	if err != nil {
		g.sendError(c, action.Type, action.RequestID, action.ConversationID(), err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, action models.Action) error {
	switch p := action.Payload.(type) {
	case models.JoinConversation:
		return g.JoinRoom(ctx, c, p.ConversationID, p.Since, action.RequestID)
	case models.LeaveConversation:
		g.LeaveRoom(ctx, c, p.ConversationID)
		g.ack(c, action, models.Ack{Action: action.Type})
		return nil
	case models.Heartbeat:
		g.touch(ctx, c)
		if action.RequestID != "" {
			g.ack(c, action, models.Ack{Action: action.Type})
		}
		return nil
	}

	conversationID := action.ConversationID()
	role, ok := g.joined(c, conversationID)
	if !ok {
		return ErrNotJoined
	}

	switch p := action.Payload.(type) {
	case models.SendMessage:
		return g.sendMessage(ctx, c, action, p)
	case models.EditMessage:
		return g.editMessage(ctx, c, action, p)
	case models.DeleteMessage:
		return g.deleteMessage(ctx, c, action, p, role)
	case models.MarkRead:
		return g.markRead(ctx, c, action, p)
	case models.TypingStart:
		if err := g.requireOpen(conversationID); err != nil {
			return err
		}
		if g.deps.Sessions.StartTyping(conversationID, c.UserID(), g.now()) {
			g.publish(ctx, bus.ConversationTopic(conversationID),
				models.NewEvent(conversationID, models.UserTyping{UserID: c.UserID()}).WithOrigin(g.origin(c)))
		}
		return nil
	case models.TypingStop:
		if g.deps.Sessions.StopTyping(conversationID, c.UserID()) {
			g.publish(ctx, bus.ConversationTopic(conversationID),
				models.NewEvent(conversationID, models.UserStoppedTyping{UserID: c.UserID()}).WithOrigin(g.origin(c)))
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported action %q", models.ErrInvalidAction, action.Type)
}

func (g *Gateway) requireOpen(conversationID string) error {
	if status, ok := g.deps.Sessions.Status(conversationID); ok && status == models.StatusClosed {
		return ErrConversationClosed
	}
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, action models.Action, p models.SendMessage) error {
	if err := g.requireOpen(p.ConversationID); err != nil {
		return err
	}
	msg, err := g.deps.Messages.AppendMessage(ctx, p.ConversationID, c.UserID(), p.Content, p.Type, p.Metadata)
	if err != nil {
		return g.storeError(err)
	}

	c.markDelivered(p.ConversationID, msg.ID)
	g.ack(c, action, models.Ack{Action: action.Type, Message: &msg})

	ev := models.NewEvent(p.ConversationID, models.NewMessage{Message: msg}).WithOrigin(g.origin(c))
	g.publish(context.WithoutCancel(ctx), bus.ConversationTopic(p.ConversationID), ev)
	g.notifyOffline(msg)
	return nil
}

func (g *Gateway) editMessage(ctx context.Context, c *Client, action models.Action, p models.EditMessage) error {
	if err := g.requireOpen(p.ConversationID); err != nil {
		return err
	}
	msg, err := g.deps.Messages.EditMessage(ctx, p.ConversationID, p.MessageID, c.UserID(), p.Content)
	if err != nil {
		return g.storeError(err)
	}
	g.ack(c, action, models.Ack{Action: action.Type, Message: &msg})
	g.publish(context.WithoutCancel(ctx), bus.ConversationTopic(p.ConversationID),
		models.NewEvent(p.ConversationID, models.MessageUpdated{Message: msg}).WithOrigin(g.origin(c)))
	return nil
}

func (g *Gateway) deleteMessage(ctx context.Context, c *Client, action models.Action, p models.DeleteMessage, role models.ParticipantRole) error {
	if err := g.requireOpen(p.ConversationID); err != nil {
		return err
	}
	msg, err := g.deps.Messages.DeleteMessage(ctx, p.ConversationID, p.MessageID, c.UserID(), role.CanModerate())
	if err != nil {
		return g.storeError(err)
	}
	deletedAt := g.now().UTC()
	if msg.DeletedAt.Valid {
		deletedAt = msg.DeletedAt.Time
	}
	g.ack(c, action, models.Ack{Action: action.Type})
	g.publish(context.WithoutCancel(ctx), bus.ConversationTopic(p.ConversationID),
		models.NewEvent(p.ConversationID, models.MessageDeleted{MessageID: msg.ID, DeletedBy: c.UserID(), DeletedAt: deletedAt}).WithOrigin(g.origin(c)))
	return nil
}

func (g *Gateway) markRead(ctx context.Context, c *Client, action models.Action, p models.MarkRead) error {
	count, err := g.deps.Messages.MarkRead(ctx, p.ConversationID, c.UserID(), p.MessageIDs)
	if err != nil {
		return g.storeError(err)
	}
	if count > 0 {
		readAt := g.now().UTC()
		g.deps.Sessions.MarkRead(p.ConversationID, c.UserID(), readAt)
		g.publish(context.WithoutCancel(ctx), bus.ConversationTopic(p.ConversationID),
			models.NewEvent(p.ConversationID, models.MessageRead{UserID: c.UserID(), MessageIDs: p.MessageIDs, ReadAt: readAt}).WithOrigin(g.origin(c)))
	}
	g.ack(c, action, models.Ack{Action: action.Type, Count: count})
	return nil
}

func (g *Gateway) storeError(err error) error {
	switch {
	case errors.Is(err, repositories.ErrMessageNotFound):
		return ErrNotFound
	case errors.Is(err, repositories.ErrNotMessageOwner):
		return ErrForbidden
	}
	g.logger.Error().Err(err).Msg("message store failed")
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func (g *Gateway) touch(ctx context.Context, c *Client) {
	if err := g.deps.Presence.Touch(ctx, c.UserID(), c.ID, g.roomsOf(c)); err != nil {
		g.presenceFailed("touch", err)
		return
	}
	g.componentOK(componentPresence)
}

func (g *Gateway) ack(c *Client, action models.Action, ack models.Ack) {
	ev := models.NewEvent(action.ConversationID(), ack)
	ev.RequestID = action.RequestID
	c.Enqueue(ev, g.now())
}

func (g *Gateway) sendError(c *Client, actionType models.ActionType, requestID, conversationID string, err error) {
	code := ErrorCode(err)
	message := err.Error()
	switch code {
	case "persistence_failed":
		message = ErrPersistence.Error()
	case "internal":
		message = "internal error"
	}
	ev := models.NewEvent(conversationID, models.ErrorPayload{Code: code, Message: message, Action: actionType})
	ev.RequestID = requestID
	c.Enqueue(ev, g.now())
}

// snapshot builds the conversation-joined payload from durable participants
// and live presence.
func (g *Gateway) snapshot(ctx context.Context, conv models.Conversation, participants []models.Participant) models.ConversationJoined {
	now := g.now()
	inRoom := make(map[string]bool)
	users, err := g.deps.Presence.ListConversationUsers(ctx, conv.ID)
	if err != nil {
		g.presenceFailed("list_conversation_users", err)
	}
	for _, u := range users {
		inRoom[u] = true
	}
	for _, c := range g.roomClients(conv.ID) {
		inRoom[c.UserID()] = true
	}

	out := make([]models.ParticipantPresence, 0, len(participants))
	for _, p := range participants {
		out = append(out, g.participantPresence(ctx, conv.ID, p, inRoom[p.UserID]))
	}
	typing := g.deps.Sessions.Typing(conv.ID, now)
	if typing == nil {
		typing = []string{}
	}
	return models.ConversationJoined{Conversation: conv, Participants: out, Typing: typing}
}

func (g *Gateway) participantPresence(ctx context.Context, conversationID string, p models.Participant, inRoom bool) models.ParticipantPresence {
	pp := models.ParticipantPresence{
		UserID: p.UserID,
		Role:   p.Role,
		Online: g.userConnected(p.UserID),
		InRoom: inRoom,
	}
	status, err := g.deps.Presence.GetStatus(ctx, p.UserID)
	if err != nil {
		g.presenceFailed("get_status", err)
	} else {
		pp.Online = pp.Online || status.Online()
		if !status.LastSeen.IsZero() {
			lastSeen := status.LastSeen
			pp.LastSeen = &lastSeen
		}
	}

	var lastRead time.Time
	if p.LastReadAt.Valid {
		lastRead = p.LastReadAt.Time
	}
	if at, ok := g.deps.Sessions.Watermark(conversationID, p.UserID); ok && at.After(lastRead) {
		lastRead = at
	}
	if !lastRead.IsZero() {
		pp.LastReadAt = &lastRead
	}
	return pp
}

// ConversationPresence lists every participant with live presence, for the
// HTTP surface.
func (g *Gateway) ConversationPresence(ctx context.Context, conversationID string) ([]models.ParticipantPresence, error) {
	conv, err := g.deps.Directory.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	participants, err := g.deps.Directory.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return g.snapshot(ctx, conv, participants).Participants, nil
}
