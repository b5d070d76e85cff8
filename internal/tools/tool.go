// Package tools holds the closed catalogue of side-effecting operations an
// agent may invoke through the model service.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Capability tags. A tool is offered only to agents carrying its tag.
const (
	CapabilityChat    = "chat"
	CapabilityTickets = "tickets"
)

// Tool names in the default catalogue.
const (
	SendMessage        = "send_message"
	AddTicketComment   = "add_ticket_comment"
	UpdateTicketStatus = "update_ticket_status"
)

// Tool is one invocable operation.
type Tool interface {
	Name() string
	Description() string
	Capability() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() map[string]any
	// Required lists argument names that must be present and non-empty.
	Required() []string
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Call is one invocation on behalf of an agent.
type Call struct {
	AgentID string
	Args    map[string]any
}

// Result is what a tool reports back.
type Result struct {
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// String renders the result for transcripts.
func (r *Result) String() string {
	if r == nil {
		return ""
	}
	if len(r.Data) == 0 {
		return r.Summary
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return r.Summary
	}
	return r.Summary + " " + string(data)
}

// requiredError formats the missing-argument message, for example
// "channelId and content are required".
func requiredError(required []string) error {
	switch len(required) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s is required", required[0])
	default:
		return fmt.Errorf("%s and %s are required",
			strings.Join(required[:len(required)-1], ", "), required[len(required)-1])
	}
}

// checkRequired fails with requiredError(required) when any required
// argument is absent or blank.
func checkRequired(args map[string]any, required []string) error {
	for _, name := range required {
		v, ok := args[name]
		if !ok || v == nil {
			return requiredError(required)
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return requiredError(required)
		}
	}
	return nil
}

// stringArg returns args[name] as a trimmed string, or "".
func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}
