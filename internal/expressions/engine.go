package expressions

import "context"

// Engine evaluates guard expressions against workflow context data.
// Three implementations: CEL (default), Expr and GoJQ.
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variables exposed to guards.
const (
	VarState    = "state"
	VarContext  = "context"
	VarMetadata = "metadata"
)

var scopeVars = []string{VarState, VarContext, VarMetadata}
