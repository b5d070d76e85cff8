package taskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/logging"
	"github.com/rendis/crew/internal/metrics"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/internal/tools"
	"github.com/rendis/crew/pkg/schema"
)

// DefaultMaxRetries bounds how many times a single step is executed.
const DefaultMaxRetries = 3

// maxVerdictLen bounds the evaluator text quoted in a step comment, in runes.
const maxVerdictLen = 600

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// DefaultBackoff is the wait before retry n, indexed by n-1. Retries past
// the end reuse the last entry.
var DefaultBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToolRunner is the part of the tool registry a task needs.
type ToolRunner interface {
	Definitions(caps []string) []llm.ToolDefinition
	Execute(ctx context.Context, name string, call tools.Call) (*tools.Result, error)
}

// Config tunes retries.
type Config struct {
	MaxRetries int
	Backoff    []time.Duration
}

// Deps are a task's collaborators. Hub, Metrics and Logger may be nil.
type Deps struct {
	LLM       llm.Service
	Tools     ToolRunner
	Tickets   store.TicketStore
	Users     store.UserStore
	Comments  store.CommentStore
	Hub       streaming.Hub
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Evaluator Evaluator
	Sleep     Sleeper
	Now       func() time.Time
}

// Task is one adaptive run over a ticket. Execute drives it; the step
// methods are exported for callers that want to drive it themselves. A Task
// must not be driven from two goroutines at once; State may be read
// concurrently.
type Task struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	state    TaskState
	finished bool

	ticket *store.Ticket
	agent  *store.User
}

// New prepares a task for ticketID worked by agentID.
func New(cfg Config, deps Deps, ticketID, agentID string) *Task {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if deps.Evaluator == nil {
		deps.Evaluator = KeywordEvaluator{}
	}
	if deps.Sleep == nil {
		deps.Sleep = SleepContext
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now()
	return &Task{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "taskflow"),
		state: TaskState{
			TicketID:    ticketID,
			AgentID:     agentID,
			Status:      TaskPlanning,
			Steps:       []*TaskStep{},
			Evaluations: []Evaluation{},
			StartedAt:   now,
			UpdatedAt:   now,
		},
	}
}

// State returns a copy of the current state.
func (t *Task) State() *TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

func (t *Task) update(fn func(s *TaskState)) {
	t.mu.Lock()
	fn(&t.state)
	t.state.UpdatedAt = t.deps.Now()
	t.mu.Unlock()
}

func (t *Task) ctx(ctx context.Context) context.Context {
	return logging.WithIDs(ctx, "", t.state.TicketID, t.state.AgentID)
}

func (t *Task) load(ctx context.Context) error {
	if t.ticket != nil && t.agent != nil {
		return nil
	}
	ticket, err := t.deps.Tickets.GetTicket(ctx, t.state.TicketID)
	if err != nil {
		return err
	}
	agent, err := t.deps.Users.GetUser(ctx, t.state.AgentID)
	if err != nil {
		return err
	}
	t.ticket, t.agent = ticket, agent
	return nil
}

func (t *Task) toolDefs() []llm.ToolDefinition {
	return t.deps.Tools.Definitions(t.agent.Capabilities)
}

// Execute plans if needed, then alternates execute and evaluate until the
// plan is exhausted or a fatal error occurs. Either way exactly one summary
// comment is posted.
func (t *Task) Execute(ctx context.Context) (*TaskState, error) {
	ctx = t.ctx(ctx)
	if st := t.State(); st.Status.IsTerminal() {
		return st, nil
	}

	if len(t.State().Plan) == 0 {
		if err := t.Plan(ctx); err != nil {
			return t.State(), err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			t.finish(ctx, TaskFailed, "interrupted: "+err.Error())
			return t.State(), err
		}
		step, err := t.ExecuteNextStep(ctx)
		if err != nil {
			t.finish(ctx, TaskFailed, err.Error())
			return t.State(), err
		}
		if step == nil {
			t.finish(ctx, TaskCompleted, "")
			return t.State(), nil
		}
		if _, err := t.EvaluateStep(ctx, step); err != nil {
			t.finish(ctx, TaskFailed, err.Error())
			return t.State(), err
		}
	}
}

// Plan asks the model for a numbered plan and posts it. A model error or an
// empty plan fails the task.
func (t *Task) Plan(ctx context.Context) error {
	ctx = t.ctx(ctx)
	if err := t.load(ctx); err != nil {
		t.logger.WarnContext(ctx, "task cannot start", "error", err)
		t.finish(ctx, TaskFailed, err.Error())
		return err
	}
	t.update(func(s *TaskState) { s.Status = TaskPlanning })

	text, err := t.deps.LLM.Chat(ctx, []llm.Message{
		llm.System(systemPrompt(t.agent)),
		llm.User(planningPrompt(t.ticket, t.toolDefs())),
	})
	if err != nil {
		perr := schema.NewError(schema.ErrCodePlanningFailed, "planning call failed: "+err.Error()).WithCause(err)
		t.finish(ctx, TaskFailed, perr.Message)
		return perr
	}
	steps := ParsePlan(text)
	if len(steps) == 0 {
		perr := schema.NewError(schema.ErrCodePlanningFailed, "model reply contained no numbered steps")
		t.finish(ctx, TaskFailed, perr.Message)
		return perr
	}

	t.update(func(s *TaskState) {
		s.Plan = steps
		s.Status = TaskExecuting
	})
	var b strings.Builder
	b.WriteString("**Plan**\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	t.comment(ctx, strings.TrimRight(b.String(), "\n"))
	t.logger.InfoContext(ctx, "task planned", "steps", len(steps))
	t.emit(ctx)
	return nil
}

// ExecuteNextStep runs the step at the current index, retrying a failed one
// after its backoff. A step whose retries are used up is failed for good and
// the plan moves past it. Returns nil when no steps remain.
func (t *Task) ExecuteNextStep(ctx context.Context) (*TaskStep, error) {
	ctx = t.ctx(ctx)
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	for {
		t.mu.Lock()
		idx := t.state.CurrentStepIndex
		if idx >= len(t.state.Plan) {
			t.mu.Unlock()
			return nil, nil
		}
		step := t.state.step(idx)
		if step == nil {
			step = &TaskStep{Index: idx, Description: t.state.Plan[idx], Status: StepPending}
			t.state.Steps = append(t.state.Steps, step)
		}
		status, retries := step.Status, step.RetryCount
		t.mu.Unlock()

		switch status {
		case StepCompleted:
			t.update(func(s *TaskState) { s.CurrentStepIndex++ })
			continue
		case StepRetrying, StepFailed:
			if retries >= t.cfg.MaxRetries {
				t.abandon(ctx, step)
				continue
			}
			if err := t.deps.Sleep(ctx, t.backoff(retries)); err != nil {
				return nil, err
			}
			t.update(func(*TaskState) { step.LastRetryAt = t.deps.Now() })
		}

		t.run(ctx, step)
		return t.snapshotStep(step), nil
	}
}

func (t *Task) backoff(retry int) time.Duration {
	i := retry - 1
	if i < 0 {
		i = 0
	}
	if i >= len(t.cfg.Backoff) {
		i = len(t.cfg.Backoff) - 1
	}
	return t.cfg.Backoff[i]
}

func (t *Task) abandon(ctx context.Context, step *TaskStep) {
	t.update(func(s *TaskState) {
		step.Status = StepFailed
		s.CurrentStepIndex++
	})
	t.deps.Metrics.TaskStep("abandoned")
	t.logger.WarnContext(ctx, "step abandoned", "step", step.Index+1, "attempts", len(step.Attempts))
	t.comment(ctx, fmt.Sprintf("Step %d (%s) still failing after %d attempts, moving on. Last error: %s",
		step.Index+1, step.Description, len(step.Attempts), step.Error))
	t.emit(ctx)
}

func (t *Task) run(ctx context.Context, step *TaskStep) {
	t.update(func(s *TaskState) {
		s.Status = TaskExecuting
		step.Status = StepInProgress
	})

	t.mu.Lock()
	prompt := executionPrompt(t.ticket, &t.state, step.Index, t.toolDefs())
	t.mu.Unlock()

	attempt := Attempt{At: t.deps.Now()}
	resp, err := t.deps.LLM.ChatWithTools(ctx, []llm.Message{
		llm.System(systemPrompt(t.agent)),
		llm.User(prompt),
	}, t.toolDefs())

	switch {
	case err != nil:
		attempt.Error = "model call failed: " + err.Error()
	case len(resp.ToolCalls) == 0:
		attempt.Result = strings.TrimSpace(resp.Completion)
		if attempt.Result == "" {
			attempt.Error = "no tool call and no answer"
		}
	default:
		call := resp.ToolCalls[0]
		attempt.ToolUsed = call.Name
		res, terr := t.deps.Tools.Execute(ctx, call.Name, tools.Call{AgentID: t.agent.ID, Args: call.Arguments})
		if terr != nil {
			attempt.Error = errorMessage(terr)
		} else {
			attempt.Result = res.String()
		}
	}

	t.update(func(*TaskState) {
		attempt.Number = len(step.Attempts) + 1
		step.Attempts = append(step.Attempts, attempt)
		step.ToolUsed = attempt.ToolUsed
		step.Result = attempt.Result
		step.Error = attempt.Error
		if attempt.Error != "" {
			step.Status = StepFailed
			step.RecoveryStrategy = RecoveryStrategy(attempt.Error)
		} else {
			step.Status = StepCompleted
			step.RecoveryStrategy = ""
		}
	})
	t.deps.Metrics.TaskStep(string(step.Status))
	t.logger.InfoContext(ctx, "step executed",
		"step", step.Index+1, "status", step.Status, "tool", attempt.ToolUsed, "error", attempt.Error)
	t.emit(ctx)
}

// errorMessage prefers the bare message of a CrewError over its code prefix.
func errorMessage(err error) string {
	var ce *schema.CrewError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

// EvaluateStep asks the model whether step succeeded and applies the
// evaluator's decision: proceed moves to the next step, retry marks the step
// retrying and counts the retry. A model error is fatal.
func (t *Task) EvaluateStep(ctx context.Context, step *TaskStep) (Verdict, error) {
	ctx = t.ctx(ctx)
	if err := t.load(ctx); err != nil {
		return Verdict{}, err
	}
	t.update(func(s *TaskState) { s.Status = TaskEvaluating })

	text, err := t.deps.LLM.Chat(ctx, []llm.Message{
		llm.System(systemPrompt(t.agent)),
		llm.User(evaluationPrompt(t.ticket, step)),
	})
	if err != nil {
		return Verdict{}, schema.NewError(schema.ErrCodeModel, "evaluation call failed: "+err.Error()).WithCause(err)
	}

	v := t.deps.Evaluator.Decide(text)
	var live *TaskStep
	t.update(func(s *TaskState) {
		s.Evaluations = append(s.Evaluations, Evaluation{
			StepIndex: step.Index,
			Verdict:   text,
			Proceed:   v.Proceed,
			Positive:  v.Positive,
			Negative:  v.Negative,
			Reason:    v.Reason,
			At:        t.deps.Now(),
		})
		live = s.step(step.Index)
		if v.Proceed {
			if s.CurrentStepIndex == step.Index {
				s.CurrentStepIndex++
			}
		} else if live != nil {
			live.Status = StepRetrying
			live.RetryCount++
		}
		s.Status = TaskExecuting
	})

	verdict := clip(strings.TrimSpace(text), maxVerdictLen)
	if v.Proceed {
		t.comment(ctx, fmt.Sprintf("Step %d (%s) %s. Moving on.\n\n%s", step.Index+1, step.Description, step.Status, verdict))
	} else {
		t.deps.Metrics.TaskStep(string(StepRetrying))
		t.comment(ctx, fmt.Sprintf("Step %d (%s) needs another try (%d of %d attempts used).\n\n%s",
			step.Index+1, step.Description, len(step.Attempts), t.cfg.MaxRetries, verdict))
	}
	t.emit(ctx)
	return v, nil
}

func (t *Task) snapshotStep(step *TaskStep) *TaskStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *step
	cp.Attempts = append([]Attempt(nil), step.Attempts...)
	return &cp
}

// finish records the terminal status and posts the one summary comment.
func (t *Task) finish(ctx context.Context, status TaskStatus, reason string) {
	// The summary is posted even when the task was cancelled.
	ctx = context.WithoutCancel(ctx)
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.state.Status = status
	t.state.Error = reason
	t.state.UpdatedAt = t.deps.Now()
	succeeded, total := t.state.Succeeded(), len(t.state.Plan)
	t.mu.Unlock()

	switch status {
	case TaskCompleted:
		t.logger.InfoContext(ctx, "task completed", "succeeded", succeeded, "steps", total)
		t.comment(ctx, fmt.Sprintf("Task complete: %d of %d steps succeeded.", succeeded, total))
	default:
		t.logger.WarnContext(ctx, "task failed", "reason", reason)
		t.comment(ctx, "Task failed: "+reason)
	}
	t.emit(ctx)
}

func (t *Task) comment(ctx context.Context, content string) {
	if t.deps.Comments == nil {
		return
	}
	c := &store.Comment{
		ID:        uuid.New().String(),
		TicketID:  t.state.TicketID,
		UserID:    t.state.AgentID,
		Content:   content,
		CreatedAt: t.deps.Now(),
	}
	if err := t.deps.Comments.CreateComment(ctx, c); err != nil {
		t.logger.WarnContext(ctx, "task comment not saved", "error", err)
		return
	}
	streaming.Emit(ctx, t.deps.Hub, streaming.Event{Name: schema.EventCommentNew, TicketID: c.TicketID, Payload: c})
}

func (t *Task) emit(ctx context.Context) {
	streaming.Emit(ctx, t.deps.Hub, streaming.Event{
		Name:     schema.EventTaskUpdated,
		TicketID: t.state.TicketID,
		Payload:  t.State(),
	})
}
