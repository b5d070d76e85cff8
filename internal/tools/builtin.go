package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

// Deps are the collaborators of the default tools.
type Deps struct {
	Messages store.MessageStore
	Comments store.CommentStore
	Tickets  store.TicketStore
	Hub      streaming.Hub
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// RegisterDefaults registers send_message, add_ticket_comment and
// update_ticket_status.
func RegisterDefaults(r *Registry, deps Deps) error {
	for _, t := range []Tool{
		&sendMessageTool{deps: deps},
		&addCommentTool{deps: deps},
		&updateStatusTool{deps: deps},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- send_message ---

type sendMessageTool struct{ deps Deps }

func (t *sendMessageTool) Name() string       { return SendMessage }
func (t *sendMessageTool) Capability() string { return CapabilityChat }
func (t *sendMessageTool) Required() []string { return []string{"channelId", "content"} }

func (t *sendMessageTool) Description() string {
	return "Post a chat message to a channel, optionally as a reply in a thread."
}

func (t *sendMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channelId":      map[string]any{"type": "string", "description": "Channel to post in"},
			"content":        map[string]any{"type": "string", "description": "Message text"},
			"threadParentId": map[string]any{"type": "string", "description": "Parent message id when replying in a thread"},
		},
		"required": []string{"channelId", "content"},
	}
}

func (t *sendMessageTool) Execute(ctx context.Context, call Call) (*Result, error) {
	channelID := stringArg(call.Args, "channelId")
	if _, err := t.deps.Messages.GetChannel(ctx, channelID); err != nil {
		if schema.IsNotFound(err) {
			return nil, fmt.Errorf("channel %s not found", channelID)
		}
		return nil, err
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ChannelID:      channelID,
		UserID:         call.AgentID,
		Content:        stringArg(call.Args, "content"),
		ThreadParentID: stringArg(call.Args, "threadParentId"),
		CreatedAt:      t.deps.now(),
	}
	if err := t.deps.Messages.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	streaming.Emit(ctx, t.deps.Hub, streaming.Event{
		Name:      schema.EventMessageNew,
		ChannelID: channelID,
		Payload:   msg,
	})
	return &Result{
		Summary: "message sent",
		Data:    map[string]any{"messageId": msg.ID, "channelId": channelID},
	}, nil
}

// --- add_ticket_comment ---

type addCommentTool struct{ deps Deps }

func (t *addCommentTool) Name() string       { return AddTicketComment }
func (t *addCommentTool) Capability() string { return CapabilityTickets }
func (t *addCommentTool) Required() []string { return []string{"ticketId", "content"} }

func (t *addCommentTool) Description() string {
	return "Add a comment to a ticket's progress trail."
}

func (t *addCommentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticketId": map[string]any{"type": "string", "description": "Ticket to comment on"},
			"content":  map[string]any{"type": "string", "description": "Comment text"},
		},
		"required": []string{"ticketId", "content"},
	}
}

func (t *addCommentTool) Execute(ctx context.Context, call Call) (*Result, error) {
	ticketID := stringArg(call.Args, "ticketId")
	if _, err := t.deps.Tickets.GetTicket(ctx, ticketID); err != nil {
		if schema.IsNotFound(err) {
			return nil, fmt.Errorf("ticket %s not found", ticketID)
		}
		return nil, err
	}

	c := &store.Comment{
		ID:        uuid.New().String(),
		TicketID:  ticketID,
		UserID:    call.AgentID,
		Content:   stringArg(call.Args, "content"),
		CreatedAt: t.deps.now(),
	}
	if err := t.deps.Comments.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	streaming.Emit(ctx, t.deps.Hub, streaming.Event{
		Name:     schema.EventCommentNew,
		TicketID: ticketID,
		Payload:  c,
	})
	return &Result{
		Summary: "comment added",
		Data:    map[string]any{"commentId": c.ID, "ticketId": ticketID},
	}, nil
}

// --- update_ticket_status ---

type updateStatusTool struct{ deps Deps }

func (t *updateStatusTool) Name() string       { return UpdateTicketStatus }
func (t *updateStatusTool) Capability() string { return CapabilityTickets }
func (t *updateStatusTool) Required() []string { return []string{"ticketId", "status"} }

func (t *updateStatusTool) Description() string {
	return "Move a ticket to another board column."
}

func (t *updateStatusTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticketId": map[string]any{"type": "string", "description": "Ticket to update"},
			"status": map[string]any{
				"type":        "string",
				"description": "New status",
				"enum":        schema.ValidTicketStatuses,
			},
		},
		"required": []string{"ticketId", "status"},
	}
}

func (t *updateStatusTool) Execute(ctx context.Context, call Call) (*Result, error) {
	ticketID := stringArg(call.Args, "ticketId")
	status := stringArg(call.Args, "status")
	if !schema.IsValidTicketStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	if err := t.deps.Tickets.UpdateTicketStatus(ctx, ticketID, status); err != nil {
		if schema.IsNotFound(err) {
			return nil, fmt.Errorf("ticket %s not found", ticketID)
		}
		return nil, err
	}
	ticket, err := t.deps.Tickets.GetTicket(ctx, ticketID)
	if err == nil {
		streaming.Emit(ctx, t.deps.Hub, streaming.Event{
			Name:     schema.EventTicketUpdated,
			TicketID: ticketID,
			Payload:  ticket,
		})
	}
	return &Result{
		Summary: "ticket status updated",
		Data:    map[string]any{"ticketId": ticketID, "status": status},
	}, nil
}
