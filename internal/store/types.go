package store

import (
	"time"

	"github.com/rendis/crew/pkg/schema"
)

// WorkflowInstance is the persisted record of one running workflow.
// Context is the sole carrier of resumability across restarts.
type WorkflowInstance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	AgentID      string                 `json:"agent_id"`
	TicketID     string                 `json:"ticket_id"`
	Status       schema.WorkflowStatus  `json:"status"`
	CurrentState string                 `json:"current_state"`
	Context      schema.WorkflowContext `json:"context"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// InstanceFilter narrows ListInstances results.
type InstanceFilter struct {
	Status   *schema.WorkflowStatus
	TicketID string
	AgentID  string
	Limit    int
}

// User is a human or agent participant.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role,omitempty"`
	Personality  string    `json:"personality,omitempty"`
	IsAgent      bool      `json:"is_agent"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasCapabilities reports whether the user carries every tag in required.
func (u *User) HasCapabilities(required []string) bool {
	have := make(map[string]bool, len(u.Capabilities))
	for _, c := range u.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Channel is a chat room.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a chat message, optionally a reply within a thread.
type Message struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channel_id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content"`
	ThreadParentID string    `json:"thread_parent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ticket is a kanban board item.
type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type,omitempty"`
	Status      string    `json:"status"`
	AssigneeID  string    `json:"assignee_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TicketUpdate holds optional fields for partial ticket updates.
type TicketUpdate struct {
	Title       *string
	Description *string
	Type        *string
	Status      *string
	AssigneeID  *string
}

// TicketFilter narrows ListTickets results.
type TicketFilter struct {
	Status     string
	AssigneeID string
	Limit      int
}

// Comment is an entry in a ticket's progress and audit trail.
type Comment struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
