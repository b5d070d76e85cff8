package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crew/internal/expressions"
	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/streaming"
	"github.com/rendis/crew/pkg/schema"
)

const maxSummaryLen = 2000

// Deps are the collaborators shared by prompt actions.
type Deps struct {
	LLM      llm.Service
	Comments store.CommentStore
	Hub      streaming.Hub
	Now      func() time.Time
	Logger   *slog.Logger
}

// LoopCheck makes an action send the workflow back to an earlier state until
// the model reports a flag as true. Flag is written into state data.
type LoopCheck struct {
	Flag       string
	Marker     string
	Question   string
	RetryState string
	// MaxLoops bounds how many times the action may fail its check before
	// the workflow fails instead of looping again.
	MaxLoops int
}

// PromptSpec declares one model-backed action.
type PromptSpec struct {
	ID           string
	Name         string
	State        string
	Capabilities []string
	// Instructions is a template; ${{ticket.*}}, ${{agent.*}},
	// ${{context.<state>.*}} and ${{metadata.*}} are resolved leniently.
	Instructions string
	OnSuccess    string
	Check        *LoopCheck
}

// PromptAction asks the model to carry out one step of ticket work, records
// the answer in state data and posts exactly one progress comment.
type PromptAction struct {
	spec   PromptSpec
	deps   Deps
	logger *slog.Logger
}

// NewPromptAction builds an action from spec.
func NewPromptAction(spec PromptSpec, deps Deps) *PromptAction {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptAction{spec: spec, deps: deps, logger: logger.With("action", spec.ID)}
}

func (a *PromptAction) ID() string             { return a.spec.ID }
func (a *PromptAction) Name() string           { return a.spec.Name }
func (a *PromptAction) State() string          { return a.spec.State }
func (a *PromptAction) Capabilities() []string { return a.spec.Capabilities }

func (a *PromptAction) now() time.Time {
	if a.deps.Now != nil {
		return a.deps.Now()
	}
	return time.Now().UTC()
}

// Execute runs the model call and decides the next state.
func (a *PromptAction) Execute(ctx context.Context, in Input) (*Output, error) {
	if in.Ticket == nil || in.Agent == nil || in.Context == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %s: ticket, agent and context are required", a.spec.ID)
	}

	prompt, err := a.buildPrompt(in)
	if err != nil {
		return nil, err
	}
	text, err := a.deps.LLM.Chat(ctx, []llm.Message{
		llm.System(personaPrompt(in.Agent)),
		llm.User(prompt),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeModel, "action %s: model call failed", a.spec.ID).
			WithInstance(in.InstanceID).WithCause(err)
	}

	out := a.decide(text, in.Context)
	a.postComment(ctx, in, out)
	return out, nil
}

func (a *PromptAction) buildPrompt(in Input) (string, error) {
	scope := map[string]any{
		"ticket": map[string]any{
			"id":          in.Ticket.ID,
			"title":       in.Ticket.Title,
			"description": in.Ticket.Description,
			"type":        in.Ticket.Type,
			"status":      in.Ticket.Status,
		},
		"agent": map[string]any{
			"id":   in.Agent.ID,
			"name": in.Agent.Name,
			"role": in.Agent.Role,
		},
		"context":  in.Context.StateData,
		"metadata": in.Context.Metadata,
	}
	body := a.spec.Instructions
	if expressions.HasReferences(body) {
		var err error
		if body, err = expressions.Interpolate(body, scope, true); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\nEnd your answer with a line \"")
	b.WriteString(MarkerOutcome)
	b.WriteString(": success\" if you could complete this step, or \"")
	b.WriteString(MarkerOutcome)
	b.WriteString(": failure\" if you could not.")
	if c := a.spec.Check; c != nil {
		fmt.Fprintf(&b, "\nAlso add a line \"%s: yes\" or \"%s: no\" answering: %s", c.Marker, c.Marker, c.Question)
	}
	return b.String(), nil
}

func (a *PromptAction) decide(text string, wfCtx *schema.WorkflowContext) *Output {
	markers := []string{MarkerOutcome}
	if a.spec.Check != nil {
		markers = append(markers, a.spec.Check.Marker)
	}
	summary := truncate(stripMarkers(text, markers...), maxSummaryLen)

	success, found := parseMarker(text, MarkerOutcome)
	if !found {
		success = summary != ""
	}

	out := &Output{Success: success, Data: map[string]any{"summary": summary}}
	if !success {
		out.NextState = "failed"
		out.Trigger = schema.TriggerFail
		out.Notes = "model reported the step could not be completed"
		return out
	}

	if c := a.spec.Check; c != nil {
		passed, _ := parseMarker(text, c.Marker)
		out.Data[c.Flag] = passed
		if !passed {
			loops := a.previousRuns(wfCtx) + 1
			if c.MaxLoops > 0 && loops >= c.MaxLoops {
				out.Success = false
				out.NextState = "failed"
				out.Trigger = schema.TriggerFail
				out.Notes = fmt.Sprintf("%s still false after %d attempts", c.Flag, loops)
				return out
			}
			out.NextState = c.RetryState
			out.Trigger = schema.TriggerRetry
			out.Notes = fmt.Sprintf("%s is false, returning to %s", c.Flag, c.RetryState)
			return out
		}
	}

	out.NextState = a.spec.OnSuccess
	out.Trigger = schema.TriggerComplete
	return out
}

// previousRuns counts completed runs of this action already in the history.
func (a *PromptAction) previousRuns(wfCtx *schema.WorkflowContext) int {
	n := 0
	for _, h := range wfCtx.ActionHistory {
		if h.ActionID == a.spec.ID && h.Status == schema.ActionStatusCompleted {
			n++
		}
	}
	return n
}

func (a *PromptAction) postComment(ctx context.Context, in Input, out *Output) {
	if a.deps.Comments == nil {
		return
	}
	verdict := "done"
	if !out.Success {
		verdict = "could not complete"
	} else if out.Trigger == schema.TriggerRetry {
		verdict = "needs another pass"
	}
	summary, _ := out.Data["summary"].(string)
	c := &store.Comment{
		ID:        uuid.New().String(),
		TicketID:  in.Ticket.ID,
		UserID:    in.Agent.ID,
		Content:   fmt.Sprintf("**%s** (%s)\n\n%s", a.spec.Name, verdict, truncate(summary, 800)),
		CreatedAt: a.now(),
	}
	if err := a.deps.Comments.CreateComment(ctx, c); err != nil {
		a.logger.WarnContext(ctx, "progress comment not saved", "ticket_id", in.Ticket.ID, "error", err)
		return
	}
	streaming.Emit(ctx, a.deps.Hub, streaming.Event{
		Name:       schema.EventCommentNew,
		TicketID:   in.Ticket.ID,
		InstanceID: in.InstanceID,
		Payload:    c,
	})
}

func personaPrompt(agent *store.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, ", a %s on a small software team", agent.Role)
	}
	b.WriteString(".")
	if agent.Personality != "" {
		b.WriteString(" ")
		b.WriteString(agent.Personality)
	}
	b.WriteString(" Keep answers short and concrete.")
	return b.String()
}

var _ Action = (*PromptAction)(nil)
