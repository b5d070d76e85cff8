package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/crew/pkg/schema"
)

// Build converts a definition into a DiagramModel. States are ordered
// breadth-first from the initial state, following transitions in
// declaration order; unreachable states come last, sorted. When wctx is
// non-nil its history and current state become the status overlay.
func Build(def *schema.WorkflowDefinition, wctx *schema.WorkflowContext, status schema.WorkflowStatus) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}
	if def.InitialState == "" {
		return nil, fmt.Errorf("diagram: definition %q has no initial state", def.ID)
	}

	title := def.Name
	if title == "" {
		title = def.ID
	}
	model := &DiagramModel{Title: title}

	for _, id := range orderStates(def) {
		kind := NodeKindState
		switch {
		case id == def.InitialState:
			kind = NodeKindInitial
		case def.IsFinal(id):
			kind = NodeKindFinal
		}
		model.Nodes = append(model.Nodes, &Node{
			ID:      id,
			Kind:    kind,
			Actions: append([]string(nil), def.StateActions[id]...),
		})
	}

	for _, t := range def.Transitions {
		e := Edge{From: t.From, To: t.To, Label: t.Trigger}
		for _, g := range t.Guards {
			e.Guards = append(e.Guards, g.Name)
		}
		model.Edges = append(model.Edges, e)
	}

	if wctx != nil {
		applyOverlay(model, wctx, status)
	}
	return model, nil
}

func orderStates(def *schema.WorkflowDefinition) []string {
	all := def.States()
	seen := map[string]bool{def.InitialState: true}
	order := []string{def.InitialState}
	for i := 0; i < len(order); i++ {
		for _, t := range def.OutgoingTransitions(order[i]) {
			if !seen[t.To] {
				seen[t.To] = true
				order = append(order, t.To)
			}
		}
	}

	var rest []string
	for s := range all {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func applyOverlay(model *DiagramModel, wctx *schema.WorkflowContext, status schema.WorkflowStatus) {
	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	overlay := func(id string) *StatusOverlay {
		n := byID[id]
		if n == nil {
			return nil
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{Status: StatusVisited}
		}
		return n.Status
	}

	for _, h := range wctx.ActionHistory {
		if o := overlay(h.State); o != nil {
			o.Runs++
			if h.Status == schema.ActionStatusFailed {
				o.Failures++
			}
		}
	}

	o := overlay(wctx.CurrentState)
	if o == nil {
		return
	}
	switch status {
	case schema.WorkflowStatusPaused:
		o.Status = StatusPaused
	case schema.WorkflowStatusFailed:
		o.Status = StatusFailed
	case schema.WorkflowStatusCompleted:
		o.Status = StatusCompleted
	default:
		o.Status = StatusCurrent
	}
}
