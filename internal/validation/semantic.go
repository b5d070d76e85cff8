package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/crew/pkg/schema"
)

// validateSemantic checks references inside a structurally valid definition:
// declared states, transition endpoints, registered actions, guard syntax.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, guards GuardCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	states := declaredStates(def)

	for _, f := range def.FinalStates {
		if len(def.StateActions[f]) > 0 {
			result.StateIssue(schema.SeverityWarning, "state_actions."+f, f, schema.ErrCodeValidation,
				fmt.Sprintf("final state %q has actions that will never run", f))
		}
	}

	for _, state := range sortedKeys(def.StateActions) {
		for i, actionID := range def.StateActions[state] {
			if lookup != nil && !lookup.Has(actionID) {
				result.StateIssue(schema.SeverityError, fmt.Sprintf("state_actions.%s[%d]", state, i), state, schema.ErrCodeUnknownAction,
					fmt.Sprintf("action %q is not registered", actionID))
			}
		}
	}

	seen := make(map[string]int, len(def.Transitions))
	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if def.IsFinal(t.From) {
			result.TransitionIssue(schema.SeverityError, path+".from", t, schema.ErrCodeInvalidTransition,
				fmt.Sprintf("transition leaves final state %q", t.From))
		}
		if !states[t.From] {
			result.TransitionIssue(schema.SeverityError, path+".from", t, schema.ErrCodeUnknownState, fmt.Sprintf("unknown state %q", t.From))
		}
		if !states[t.To] {
			result.TransitionIssue(schema.SeverityError, path+".to", t, schema.ErrCodeUnknownState, fmt.Sprintf("unknown state %q", t.To))
		}
		key := t.From + "|" + t.To + "|" + t.Trigger
		if prev, dup := seen[key]; dup {
			result.TransitionIssue(schema.SeverityError, path, t, schema.ErrCodeConflict,
				fmt.Sprintf("duplicate of transitions[%d]", prev))
		}
		seen[key] = i

		for j, g := range t.Guards {
			if guards == nil {
				break
			}
			if err := guards.Compile(g); err != nil {
				result.TransitionIssue(schema.SeverityError, fmt.Sprintf("%s.guards[%d]", path, j), t, schema.ErrCodeInvalidGuard,
					fmt.Sprintf("guard %q: %v", g.Name, err))
			}
		}
	}

	return result
}

// declaredStates are the initial state, the final states and every state
// with an action list. Transitions may only connect declared states.
func declaredStates(def *schema.WorkflowDefinition) map[string]bool {
	states := map[string]bool{def.InitialState: true}
	for _, f := range def.FinalStates {
		states[f] = true
	}
	for s := range def.StateActions {
		states[s] = true
	}
	return states
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
