// Package taskflow runs open-ended tickets through a model-derived plan:
// plan once, then execute and evaluate each step with bounded, backed-off
// retries.
package taskflow

import "time"

// TaskStatus is the lifecycle status of a task run.
type TaskStatus string

const (
	TaskPlanning   TaskStatus = "planning"
	TaskExecuting  TaskStatus = "executing"
	TaskEvaluating TaskStatus = "evaluating"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the run is over.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StepStatus is the status of one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepRetrying   StepStatus = "retrying"
)

// Attempt is one execution of a step. Attempts are never discarded.
type Attempt struct {
	Number   int       `json:"number"`
	ToolUsed string    `json:"tool_used,omitempty"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// TaskStep tracks one plan step across its attempts.
type TaskStep struct {
	Index            int        `json:"index"`
	Description      string     `json:"description"`
	Status           StepStatus `json:"status"`
	ToolUsed         string     `json:"tool_used,omitempty"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      time.Time  `json:"last_retry_at,omitempty"`
	RecoveryStrategy string     `json:"recovery_strategy,omitempty"`
	Attempts         []Attempt  `json:"attempts,omitempty"`
}

// Evaluation records one verdict on a step.
type Evaluation struct {
	StepIndex int       `json:"step_index"`
	Verdict   string    `json:"verdict"`
	Proceed   bool      `json:"proceed"`
	Positive  float64   `json:"positive"`
	Negative  float64   `json:"negative"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// TaskState is the full record of a task run.
type TaskState struct {
	TicketID         string       `json:"ticket_id"`
	AgentID          string       `json:"agent_id"`
	Status           TaskStatus   `json:"status"`
	Plan             []string     `json:"plan"`
	Steps            []*TaskStep  `json:"steps"`
	CurrentStepIndex int          `json:"current_step_index"`
	Evaluations      []Evaluation `json:"evaluations"`
	Error            string       `json:"error,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// step returns the record for plan index i, or nil.
func (s *TaskState) step(i int) *TaskStep {
	for _, st := range s.Steps {
		if st.Index == i {
			return st
		}
	}
	return nil
}

// clone deep-copies the state for readers outside the run loop.
func (s *TaskState) clone() *TaskState {
	out := *s
	out.Plan = append([]string(nil), s.Plan...)
	out.Evaluations = append([]Evaluation(nil), s.Evaluations...)
	out.Steps = make([]*TaskStep, len(s.Steps))
	for i, st := range s.Steps {
		cp := *st
		cp.Attempts = append([]Attempt(nil), st.Attempts...)
		out.Steps[i] = &cp
	}
	return &out
}

// Succeeded counts completed steps.
func (s *TaskState) Succeeded() int {
	n := 0
	for _, st := range s.Steps {
		if st.Status == StepCompleted {
			n++
		}
	}
	return n
}
