package validation

import (
	"github.com/rendis/crew/pkg/schema"
)

// Validator checks workflow definitions before they are registered and tool
// arguments before tools run.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup reports whether an action id is registered.
type ActionLookup interface {
	Has(id string) bool
}

// GuardCompiler checks that a guard parses in its language.
type GuardCompiler interface {
	Compile(guard schema.Guard) error
}
