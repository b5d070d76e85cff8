package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ForwardThreadReplies pushes every new thread reply to the other
// participants of that thread until ctx is cancelled. Returns immediately
// when no hub is configured.
func (s *Server) ForwardThreadReplies(ctx context.Context) error {
	if s.deps.Hub == nil {
		return nil
	}
	events, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{Names: []string{schema.EventMessageNew}})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, isMsg := ev.Payload.(*store.Message)
			if !isMsg || msg.ThreadParentID == "" {
				continue
			}
			s.notifyThread(ctx, msg)
		}
	}
}

func (s *Server) notifyThread(ctx context.Context, msg *store.Message) {
	thread, err := s.deps.Store.GetThreadMessages(ctx, msg.ThreadParentID)
	if err != nil {
		s.logger.WarnContext(ctx, "thread lookup failed", "thread_parent_id", msg.ThreadParentID, "error", err)
		return
	}
	payload := map[string]any{
		"event":            schema.EventMessageNew,
		"channel_id":       msg.ChannelID,
		"thread_parent_id": msg.ThreadParentID,
		"message_id":       msg.ID,
		"user_id":          msg.UserID,
		"content":          msg.Content,
	}
	notified := map[string]bool{msg.UserID: true}
	for _, m := range thread {
		if notified[m.UserID] {
			continue
		}
		notified[m.UserID] = true
		if err := s.notifier.Notify(ctx, m.UserID, payload); err != nil {
			s.logger.WarnContext(ctx, "notify failed", "user_id", m.UserID, "error", err)
		}
	}
}
