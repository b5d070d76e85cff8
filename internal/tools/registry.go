package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/metrics"
	"github.com/rendis/crew/pkg/schema"
)

// InputValidator checks an argument object against a JSON schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Registry is the thread-safe tool catalogue.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	schemas   map[string][]byte
	validator InputValidator
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. validator and rec may be nil.
func NewRegistry(validator InputValidator, rec *metrics.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:     make(map[string]Tool),
		schemas:   make(map[string][]byte),
		validator: validator,
		metrics:   rec,
		logger:    logger,
	}
}

// Register adds a tool. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := t.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: parameters not serializable", name).WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = t
	r.schemas[name] = raw
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not found", name)
	}
	return t, nil
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing catalogue of tools whose capability
// is among caps. A nil caps offers every tool.
func (r *Registry) Definitions(caps []string) []llm.ToolDefinition {
	allowed := make(map[string]bool, len(caps))
	for _, c := range caps {
		allowed[c] = true
	}

	var defs []llm.ToolDefinition
	for _, name := range r.Names() {
		t, err := r.Get(name)
		if err != nil {
			continue
		}
		if caps != nil && !allowed[t.Capability()] {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs a tool: required arguments first, then schema validation,
// then the tool itself. Every failure comes back as a TOOL_FAILED error
// whose message is the tool's own.
func (r *Registry) Execute(ctx context.Context, name string, call Call) (*Result, error) {
	t, err := r.Get(name)
	if err != nil {
		r.metrics.ToolCall(name, false)
		return nil, err
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}

	res, err := r.run(ctx, t, call)
	r.metrics.ToolCall(name, err == nil)
	if err != nil {
		r.logger.WarnContext(ctx, "tool failed", "tool", name, "agent_id", call.AgentID, "error", err)
		var ce *schema.CrewError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeToolFailed, err.Error()).WithCause(err)
	}
	return res, nil
}

func (r *Registry) run(ctx context.Context, t Tool, call Call) (*Result, error) {
	if err := checkRequired(call.Args, t.Required()); err != nil {
		return nil, err
	}
	if r.validator != nil {
		r.mu.RLock()
		raw := r.schemas[t.Name()]
		r.mu.RUnlock()
		if err := r.validator.ValidateInput(call.Args, raw); err != nil {
			return nil, err
		}
	}
	return t.Execute(ctx, call)
}
