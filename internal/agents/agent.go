// Package agents runs the simulated team members: one Agent per persona and
// a Manager that decides who answers which message and when.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/internal/tools"
	"github.com/rendis/crew/pkg/schema"
)

const (
	// MemoryLimit caps an agent's remembered exchanges; the oldest go first.
	MemoryLimit = 100
	// promptMemory is how many recent exchanges are replayed into a prompt.
	promptMemory = 10
)

// ToolRunner is the part of the tool registry an agent needs.
type ToolRunner interface {
	Definitions(caps []string) []llm.ToolDefinition
	Execute(ctx context.Context, name string, call tools.Call) (*tools.Result, error)
}

// Exchange is one remembered prompt and the agent's answer to it.
type Exchange struct {
	Instruction string    `json:"instruction"`
	Reply       string    `json:"reply"`
	At          time.Time `json:"at"`
}

// ToolOutcome records one tool call made while responding.
type ToolOutcome struct {
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Response is what the agent produced for one instruction.
type Response struct {
	Text  string        `json:"text,omitempty"`
	Tools []ToolOutcome `json:"tools,omitempty"`
	// SentMessage is true when a send_message call succeeded.
	SentMessage bool `json:"sent_message"`
}

// Agent is the runtime side of a persona.
type Agent struct {
	user   store.User
	llm    llm.Service
	tools  ToolRunner
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	memory       []Exchange
}

// NewAgent wraps a persona user. The agent starts active.
func NewAgent(u *store.User, svc llm.Service, tr ToolRunner, logger *slog.Logger, now func() time.Time) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	user := *u
	user.Capabilities = append([]string(nil), u.Capabilities...)
	return &Agent{
		user:   user,
		llm:    svc,
		tools:  tr,
		logger: logger.With("agent_id", u.ID),
		now:    now,
		active: true,
	}
}

func (a *Agent) ID() string { return a.user.ID }

// User returns a copy of the persona record.
func (a *Agent) User() store.User {
	u := a.user
	u.Capabilities = append([]string(nil), a.user.Capabilities...)
	return u
}

func (a *Agent) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Agent) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = active
}

func (a *Agent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// Memory returns the remembered exchanges, oldest first.
func (a *Agent) Memory() []Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Exchange(nil), a.memory...)
}

// Remember appends an exchange, evicting the oldest beyond MemoryLimit.
func (a *Agent) Remember(e Exchange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append(a.memory, e)
	if over := len(a.memory) - MemoryLimit; over > 0 {
		a.memory = append([]Exchange(nil), a.memory[over:]...)
	}
}

// Respond asks the model for an answer to instruction and runs every tool
// call it requests. Tool failures are reported in the response, not as an
// error; only a failed model call is.
func (a *Agent) Respond(ctx context.Context, instruction string) (*Response, error) {
	msgs := a.buildMessages(instruction)
	defs := a.tools.Definitions(a.user.Capabilities)

	out, err := a.llm.ChatWithTools(ctx, msgs, defs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeModel, "agent %s: model call failed", a.user.ID).WithCause(err)
	}

	resp := &Response{Text: strings.TrimSpace(out.Completion)}
	for _, call := range out.ToolCalls {
		outcome := ToolOutcome{Name: call.Name}
		res, err := a.tools.Execute(ctx, call.Name, tools.Call{AgentID: a.user.ID, Args: call.Arguments})
		if err != nil {
			outcome.Error = errorMessage(err)
			a.logger.WarnContext(ctx, "agent tool call failed", "tool", call.Name, "error", err)
		} else {
			outcome.Result = res.String()
			if call.Name == tools.SendMessage {
				resp.SentMessage = true
			}
		}
		resp.Tools = append(resp.Tools, outcome)
	}

	a.Remember(Exchange{Instruction: instruction, Reply: resp.summary(), At: a.now()})
	a.mu.Lock()
	a.lastActivity = a.now()
	a.mu.Unlock()
	return resp, nil
}

func (a *Agent) buildMessages(instruction string) []llm.Message {
	msgs := []llm.Message{llm.System(personaPrompt(&a.user))}
	mem := a.Memory()
	if len(mem) > promptMemory {
		mem = mem[len(mem)-promptMemory:]
	}
	for _, e := range mem {
		msgs = append(msgs, llm.User(e.Instruction), llm.Assistant(e.Reply))
	}
	return append(msgs, llm.User(instruction))
}

func (r *Response) summary() string {
	parts := make([]string, 0, len(r.Tools)+1)
	if r.Text != "" {
		parts = append(parts, r.Text)
	}
	for _, t := range r.Tools {
		if t.Error != "" {
			parts = append(parts, fmt.Sprintf("[%s failed: %s]", t.Name, t.Error))
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s: %s]", t.Name, t.Result))
	}
	return strings.Join(parts, "\n")
}

func personaPrompt(u *store.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", u.Name)
	if u.Role != "" {
		fmt.Fprintf(&b, ", a %s", u.Role)
	}
	b.WriteString(" on a small software team. You chat with colleagues and work on tickets.")
	if u.Personality != "" {
		b.WriteString(" ")
		b.WriteString(u.Personality)
	}
	b.WriteString(" Keep messages short and natural.")
	return b.String()
}

func errorMessage(err error) string {
	var ce *schema.CrewError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
