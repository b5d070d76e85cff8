// Package workflow holds the registry of declarative workflow definitions.
package workflow

import (
	"sort"
	"sync"

	"github.com/rendis/crew/pkg/schema"
)

// DefinitionValidator checks a definition before it is accepted.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Registry holds immutable workflow definitions keyed by id.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*schema.WorkflowDefinition
	validator DefinitionValidator
}

// NewRegistry creates an empty registry. With a nil validator definitions
// are accepted unchecked.
func NewRegistry(validator DefinitionValidator) *Registry {
	return &Registry{
		defs:      make(map[string]*schema.WorkflowDefinition),
		validator: validator,
	}
}

// Register validates and stores def. Returns the validation error, or
// CONFLICT when the id is taken.
func (r *Registry) Register(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if r.validator != nil {
		if err := r.validator.Validate(def).ToError(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow definition %q already registered", def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
	}
	return def, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schema.WorkflowDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
