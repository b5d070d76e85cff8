package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/crew/pkg/schema"
)

// GuardEvaluator dispatches transition guards to the engine named by their
// language. Guards must evaluate to a boolean.
type GuardEvaluator struct {
	engines map[schema.GuardLang]Engine
}

// NewGuardEvaluator wires the CEL, Expr and GoJQ engines.
func NewGuardEvaluator() (*GuardEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &GuardEvaluator{
		engines: map[schema.GuardLang]Engine{
			schema.GuardLangCEL:  celEngine,
			schema.GuardLangExpr: NewExprEngine(),
			schema.GuardLangJQ:   NewGoJQEngine(),
		},
	}, nil
}

func (g *GuardEvaluator) engineFor(lang schema.GuardLang) (Engine, error) {
	if lang == "" {
		lang = schema.GuardLangCEL
	}
	e, ok := g.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidGuard, "unknown guard language %q", lang)
	}
	return e, nil
}

// Compile checks that a guard parses in its language.
func (g *GuardEvaluator) Compile(guard schema.Guard) error {
	e, err := g.engineFor(guard.Lang)
	if err != nil {
		return err
	}
	return e.Compile(guard.Expression)
}

// Check evaluates one guard. A non-boolean result is an error.
func (g *GuardEvaluator) Check(ctx context.Context, guard schema.Guard, scope map[string]any) (bool, error) {
	e, err := g.engineFor(guard.Lang)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, guard.Expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeInvalidGuard,
			"guard %q returned %s, want bool", guard.Name, fmt.Sprintf("%T", out))
	}
	return b, nil
}

// CheckAll evaluates guards in order and reports the first one that does not
// hold. An evaluation error counts as a rejection.
func (g *GuardEvaluator) CheckAll(ctx context.Context, guards []schema.Guard, scope map[string]any) (bool, *schema.Guard, error) {
	for i := range guards {
		ok, err := g.Check(ctx, guards[i], scope)
		if err != nil || !ok {
			return false, &guards[i], err
		}
	}
	return true, nil, nil
}

// GuardScope builds the guard activation for a transition out of wfCtx's
// current state, with updates merged over that state's data.
func GuardScope(wfCtx *schema.WorkflowContext, updates map[string]any) map[string]any {
	state := map[string]any{}
	for k, v := range wfCtx.StateData[wfCtx.CurrentState] {
		state[k] = v
	}
	for k, v := range updates {
		state[k] = v
	}

	all := make(map[string]any, len(wfCtx.StateData)+1)
	for s, data := range wfCtx.StateData {
		all[s] = data
	}
	all[wfCtx.CurrentState] = state

	metadata := wfCtx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return map[string]any{
		VarState:    state,
		VarContext:  all,
		VarMetadata: metadata,
	}
}
