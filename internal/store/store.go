package store

import "context"

// InstanceStore persists workflow instances.
// CreateInstance fails with CONFLICT when an active or paused instance already
// exists for the same (ticket, agent) pair.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	SaveInstance(ctx context.Context, inst *WorkflowInstance) error
	FindOpenInstance(ctx context.Context, ticketID, agentID string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
}

// TicketStore persists tickets.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	UpdateTicketStatus(ctx context.Context, id, status string) error
	UpdateTicket(ctx context.Context, id string, update TicketUpdate) error
	DeleteTicket(ctx context.Context, id string) error
	ListTickets(ctx context.Context, filter TicketFilter) ([]*Ticket, error)
}

// CommentStore persists ticket comments.
type CommentStore interface {
	CreateComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, ticketID string) ([]*Comment, error)
}

// MessageStore persists channels and chat messages.
type MessageStore interface {
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context) ([]*Channel, error)
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// GetChannelMessages returns the most recent top-level messages of a
	// channel, oldest first.
	GetChannelMessages(ctx context.Context, channelID string, limit int) ([]*Message, error)
	// GetThreadMessages returns the parent followed by its replies, oldest first.
	GetThreadMessages(ctx context.Context, parentID string) ([]*Message, error)
}

// UserStore persists humans and agent personas.
type UserStore interface {
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, agentsOnly bool) ([]*User, error)
}

// Store is the full persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	InstanceStore
	TicketStore
	CommentStore
	MessageStore
	UserStore

	Migrate(ctx context.Context) error
	Close() error
}
