package actions

import (
	"context"

	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/pkg/schema"
)

// Action is a stateless unit of work bound to one workflow state. Everything
// it needs arrives in Input; everything it produces leaves in Output.
type Action interface {
	ID() string
	Name() string
	State() string
	Capabilities() []string
	Execute(ctx context.Context, input Input) (*Output, error)
}

// Input is the data provided to an action at execution time. Context is a
// snapshot; writes to it are discarded.
type Input struct {
	InstanceID string
	Ticket     *store.Ticket
	Agent      *store.User
	Context    *schema.WorkflowContext
}

// Output is the result of one action run. Data is merged into the state
// data of the current state together with Success. A non-empty NextState
// asks the engine to transition with Trigger.
type Output struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	NextState string         `json:"next_state,omitempty"`
	Trigger   string         `json:"trigger,omitempty"`
	Notes     string         `json:"notes,omitempty"`
}

// StateUpdates returns Data plus the success flag.
func (o *Output) StateUpdates() map[string]any {
	updates := make(map[string]any, len(o.Data)+1)
	for k, v := range o.Data {
		updates[k] = v
	}
	updates["success"] = o.Success
	return updates
}

// Info is a summary of a registered action for listing.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Capabilities []string `json:"capabilities,omitempty"`
}
