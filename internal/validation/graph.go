package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/crew/pkg/schema"
)

// validateGraph walks the state machine from the initial state. Every
// reachable state must have actions or be final, and every non-final state
// with actions needs at least one guard-gated way out.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	reachable := map[string]bool{def.InitialState: true}
	queue := []string{def.InitialState}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for _, t := range def.OutgoingTransitions(state) {
			if !reachable[t.To] {
				reachable[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}

	reached := make([]string, 0, len(reachable))
	for s := range reachable {
		reached = append(reached, s)
	}
	sort.Strings(reached)

	for _, state := range reached {
		if def.IsFinal(state) {
			continue
		}
		if len(def.StateActions[state]) == 0 {
			result.StateIssue(schema.SeverityError, "states."+state, state, schema.ErrCodeDeadEndState,
				fmt.Sprintf("state %q is reachable but has no actions and is not final", state))
			continue
		}
		gated := false
		for _, t := range def.OutgoingTransitions(state) {
			if len(t.Guards) > 0 {
				gated = true
				break
			}
		}
		if !gated {
			result.StateIssue(schema.SeverityError, "states."+state, state, schema.ErrCodeDeadEndState,
				fmt.Sprintf("state %q has no guard-gated outgoing transition", state))
		}
	}

	for _, state := range sortedKeys(def.StateActions) {
		if !reachable[state] {
			result.StateIssue(schema.SeverityWarning, "states."+state, state, schema.ErrCodeUnreachableState,
				fmt.Sprintf("state %q is not reachable from %q", state, def.InitialState))
		}
	}
	anyFinal := false
	for _, f := range def.FinalStates {
		if reachable[f] {
			anyFinal = true
		}
	}
	if !anyFinal {
		result.AddError("final_states", schema.ErrCodeUnreachableState, "no final state is reachable from the initial state")
	}

	return result
}
