package actions

import (
	"sort"
	"sync"

	"github.com/rendis/crew/pkg/schema"
)

// Registry is the thread-safe action catalogue. It is built once at startup
// and handed to the engine and the definition registry.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action. Returns CONFLICT on a duplicate id.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	id := action.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "action id is empty")
	}
	if action.State() == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q is not bound to a state", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", id)
	}

	r.actions[id] = action
	return nil
}

// Get retrieves an action by id.
func (r *Registry) Get(id string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", id)
	}
	return action, nil
}

// Has checks if an action is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[id]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// List returns info for all registered actions, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, Info{
			ID:           a.ID(),
			Name:         a.Name(),
			State:        a.State(),
			Capabilities: a.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}
