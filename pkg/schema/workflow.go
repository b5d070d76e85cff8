package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a declarative state machine template shared by every
// instance of a workflow type. Definitions are registered once at startup and
// never mutated afterwards.
type WorkflowDefinition struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Type                 string              `json:"type"`
	Description          string              `json:"description,omitempty"`
	InitialState         string              `json:"initial_state"`
	FinalStates          []string            `json:"final_states"`
	StateActions         map[string][]string `json:"state_actions"`
	Transitions          []Transition        `json:"transitions"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
}

// Transition is one edge of the state machine. All guards must hold for the
// transition to be taken.
type Transition struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Trigger string  `json:"trigger"`
	Guards  []Guard `json:"guards,omitempty"`
}

// GuardLang selects the expression engine a guard is evaluated with.
type GuardLang string

const (
	GuardLangCEL  GuardLang = "cel"
	GuardLangExpr GuardLang = "expr"
	GuardLangJQ   GuardLang = "jq"
)

// Guard is a pure predicate over the prospective workflow context.
// Lang defaults to CEL.
type Guard struct {
	Name       string    `json:"name"`
	Lang       GuardLang `json:"lang,omitempty"`
	Expression string    `json:"expression"`
}

// Standard transition triggers.
const (
	TriggerComplete = "complete"
	TriggerRetry    = "retry"
	TriggerFail     = "fail"
)

// StateFailed is the absorbing failure state. Entering it fails the instance
// while CurrentState keeps the state the failure happened in.
const StateFailed = "failed"

// IsFinal reports whether state is one of the definition's final states.
func (d *WorkflowDefinition) IsFinal(state string) bool {
	for _, s := range d.FinalStates {
		if s == state {
			return true
		}
	}
	return false
}

// FindTransition returns the declared transition matching (from, to, trigger).
func (d *WorkflowDefinition) FindTransition(from, to, trigger string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.To == to && t.Trigger == trigger {
			return t, true
		}
	}
	return Transition{}, false
}

// OutgoingTransitions returns every transition leaving state, in declaration order.
func (d *WorkflowDefinition) OutgoingTransitions(state string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// States returns every state mentioned by the definition.
func (d *WorkflowDefinition) States() map[string]bool {
	states := map[string]bool{d.InitialState: true}
	for _, s := range d.FinalStates {
		states[s] = true
	}
	for s := range d.StateActions {
		states[s] = true
	}
	for _, t := range d.Transitions {
		states[t.From] = true
		states[t.To] = true
	}
	return states
}

// ActionHistoryEntry records one action execution. The history is append-only.
type ActionHistoryEntry struct {
	ActionID  string       `json:"action_id"`
	Timestamp time.Time    `json:"timestamp"`
	State     string       `json:"state"`
	Status    ActionStatus `json:"status"`
	Notes     string       `json:"notes,omitempty"`
}

// WorkflowContext is the resumable state carried by an instance. Every write
// bumps Version.
type WorkflowContext struct {
	TicketID      string                    `json:"ticket_id"`
	AgentID       string                    `json:"agent_id"`
	WorkflowType  string                    `json:"workflow_type"`
	CurrentState  string                    `json:"current_state"`
	PreviousState string                    `json:"previous_state,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	ActionHistory []ActionHistoryEntry      `json:"action_history"`
	StateData     map[string]map[string]any `json:"state_data"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
	Version       int64                     `json:"version"`
}

// NewWorkflowContext builds the context for a freshly started instance.
func NewWorkflowContext(def *WorkflowDefinition, ticketID, agentID string, now time.Time) *WorkflowContext {
	return &WorkflowContext{
		TicketID:      ticketID,
		AgentID:       agentID,
		WorkflowType:  def.Type,
		CurrentState:  def.InitialState,
		StartedAt:     now,
		UpdatedAt:     now,
		ActionHistory: []ActionHistoryEntry{},
		StateData:     map[string]map[string]any{},
		Metadata:      map[string]any{},
	}
}

// AppendHistory appends an entry and bumps the version.
func (c *WorkflowContext) AppendHistory(e ActionHistoryEntry) {
	c.ActionHistory = append(c.ActionHistory, e)
	c.touch(e.Timestamp)
}

// MergeStateData merges updates into the data of the current state. Data is
// only ever written for the state the workflow is currently in.
func (c *WorkflowContext) MergeStateData(updates map[string]any, now time.Time) {
	if len(updates) == 0 {
		return
	}
	if c.StateData == nil {
		c.StateData = map[string]map[string]any{}
	}
	data := c.StateData[c.CurrentState]
	if data == nil {
		data = map[string]any{}
		c.StateData[c.CurrentState] = data
	}
	for k, v := range updates {
		data[k] = v
	}
	c.touch(now)
}

// MoveTo records a state change.
func (c *WorkflowContext) MoveTo(state string, now time.Time) {
	c.PreviousState = c.CurrentState
	c.CurrentState = state
	c.touch(now)
}

// SetMetadata sets a metadata key and bumps the version.
func (c *WorkflowContext) SetMetadata(key string, value any, now time.Time) {
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata[key] = value
	c.touch(now)
}

func (c *WorkflowContext) touch(now time.Time) {
	c.UpdatedAt = now
	c.Version++
}

// Clone returns a deep copy made through a JSON round-trip.
func (c *WorkflowContext) Clone() (*WorkflowContext, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out WorkflowContext
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
