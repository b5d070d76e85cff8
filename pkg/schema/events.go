package schema

// Realtime event names published on the fan-out hub. Delivery is best-effort.
const (
	EventMessageNew      = "message:new"
	EventCommentNew      = "comment:new"
	EventTicketUpdated   = "ticket:updated"
	EventWorkflowUpdated = "workflow:updated"
	EventTaskUpdated     = "task:updated"
)

// WorkflowStatus represents the lifecycle status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// IsOpen reports whether the status still counts toward the one-open-instance
// per (ticket, agent) rule.
func (s WorkflowStatus) IsOpen() bool {
	return s == WorkflowStatusActive || s == WorkflowStatusPaused
}

// IsTerminal reports whether no further mutation is expected.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// ActionStatus is the outcome recorded in an action history entry.
type ActionStatus string

const (
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusSkipped   ActionStatus = "skipped"
)

// Ticket statuses understood by the orchestrator and the ticket tools.
const (
	TicketStatusTodo       = "todo"
	TicketStatusInProgress = "in_progress"
	TicketStatusReview     = "review"
	TicketStatusBlocked    = "blocked"
	TicketStatusDone       = "done"
	TicketStatusClosed     = "closed"
)

// ValidTicketStatuses lists every status a ticket may hold.
var ValidTicketStatuses = []string{
	TicketStatusTodo,
	TicketStatusInProgress,
	TicketStatusReview,
	TicketStatusBlocked,
	TicketStatusDone,
	TicketStatusClosed,
}

// IsValidTicketStatus reports whether s is a known ticket status.
func IsValidTicketStatus(s string) bool {
	for _, v := range ValidTicketStatuses {
		if v == s {
			return true
		}
	}
	return false
}
