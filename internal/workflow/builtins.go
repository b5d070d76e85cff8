package workflow

import (
	"github.com/rendis/crew/internal/actions"
	"github.com/rendis/crew/pkg/schema"
)

// Built-in definition ids.
const (
	TicketResolution = "ticket_resolution"
	CodeReview       = "code_review"
	BugInvestigation = "bug_investigation"
)

// guardSet renders the predicates used by the pipeline in one guard language.
type guardSet struct {
	lang       schema.GuardLang
	succeeded  string
	failed     string
	flagTrue   func(flag string) string
	flagNotSet func(flag string) string
}

var guardSets = map[schema.GuardLang]guardSet{
	schema.GuardLangCEL: {
		lang:       schema.GuardLangCEL,
		succeeded:  "state.success == true",
		failed:     "state.success == false",
		flagTrue:   func(f string) string { return "has(state." + f + ") && state." + f + " == true" },
		flagNotSet: func(f string) string { return "!has(state." + f + ") || state." + f + " != true" },
	},
	schema.GuardLangExpr: {
		lang:       schema.GuardLangExpr,
		succeeded:  "state.success == true",
		failed:     "state.success == false",
		flagTrue:   func(f string) string { return "state." + f + " == true" },
		flagNotSet: func(f string) string { return "state." + f + " != true" },
	},
	schema.GuardLangJQ: {
		lang:       schema.GuardLangJQ,
		succeeded:  ".state.success == true",
		failed:     ".state.success == false",
		flagTrue:   func(f string) string { return ".state." + f + " == true" },
		flagNotSet: func(f string) string { return ".state." + f + " != true" },
	},
}

func (g guardSet) guard(name, expression string) schema.Guard {
	return schema.Guard{Name: name, Lang: g.lang, Expression: expression}
}

// pipeline builds analysis → planning → implementation → testing → review →
// completed with guard-gated failure exits from every working state.
func pipeline(id, name, description string, lang schema.GuardLang, caps []string, stateActions map[string][]string) *schema.WorkflowDefinition {
	g := guardSets[lang]
	ok := g.guard("succeeded", g.succeeded)
	bad := g.guard("failed", g.failed)

	transitions := []schema.Transition{
		{From: actions.StateAnalysis, To: actions.StatePlanning, Trigger: schema.TriggerComplete, Guards: []schema.Guard{ok}},
		{From: actions.StatePlanning, To: actions.StateImplementation, Trigger: schema.TriggerComplete, Guards: []schema.Guard{ok}},
		{From: actions.StateImplementation, To: actions.StateTesting, Trigger: schema.TriggerComplete, Guards: []schema.Guard{ok}},
		{From: actions.StateTesting, To: actions.StateReview, Trigger: schema.TriggerComplete, Guards: []schema.Guard{
			ok, g.guard("tests_passed", g.flagTrue("testsPassed")),
		}},
		{From: actions.StateTesting, To: actions.StateImplementation, Trigger: schema.TriggerRetry, Guards: []schema.Guard{
			g.guard("tests_not_passed", g.flagNotSet("testsPassed")),
		}},
		{From: actions.StateReview, To: actions.StateCompleted, Trigger: schema.TriggerComplete, Guards: []schema.Guard{
			ok, g.guard("approved", g.flagTrue("approved")),
		}},
		{From: actions.StateReview, To: actions.StateImplementation, Trigger: schema.TriggerRetry, Guards: []schema.Guard{
			g.guard("not_approved", g.flagNotSet("approved")),
		}},
	}
	for _, s := range []string{
		actions.StateAnalysis, actions.StatePlanning, actions.StateImplementation,
		actions.StateTesting, actions.StateReview,
	} {
		transitions = append(transitions, schema.Transition{
			From: s, To: actions.StateFailed, Trigger: schema.TriggerFail, Guards: []schema.Guard{bad},
		})
	}

	return &schema.WorkflowDefinition{
		ID:                   id,
		Name:                 name,
		Type:                 id,
		Description:          description,
		InitialState:         actions.StateAnalysis,
		FinalStates:          []string{actions.StateCompleted, actions.StateFailed},
		StateActions:         stateActions,
		Transitions:          transitions,
		RequiredCapabilities: caps,
	}
}

// Builtins returns the ticket resolution, code review and bug investigation
// definitions.
func Builtins() []*schema.WorkflowDefinition {
	return []*schema.WorkflowDefinition{
		pipeline(TicketResolution, "Ticket resolution",
			"Analyze, plan, implement, test and review a ticket.",
			schema.GuardLangCEL, []string{"tickets"},
			map[string][]string{
				actions.StateAnalysis:       {"analyze_ticket"},
				actions.StatePlanning:       {"plan_solution"},
				actions.StateImplementation: {"implement_solution"},
				actions.StateTesting:        {"run_tests"},
				actions.StateReview:         {"review_solution"},
			}),
		pipeline(CodeReview, "Code review",
			"Scope, checklist, findings, verification and sign-off of a review request.",
			schema.GuardLangExpr, []string{"tickets", "code_review"},
			map[string][]string{
				actions.StateAnalysis:       {"review_scope"},
				actions.StatePlanning:       {"review_checklist"},
				actions.StateImplementation: {"review_findings"},
				actions.StateTesting:        {"review_verification"},
				actions.StateReview:         {"review_signoff"},
			}),
		pipeline(BugInvestigation, "Bug investigation",
			"Reproduce a bug, find its root cause, fix it and guard against regressions.",
			schema.GuardLangJQ, []string{"tickets", "debugging"},
			map[string][]string{
				actions.StateAnalysis:       {"reproduce_bug"},
				actions.StatePlanning:       {"root_cause_plan"},
				actions.StateImplementation: {"apply_fix"},
				actions.StateTesting:        {"regression_tests"},
				actions.StateReview:         {"fix_review"},
			}),
	}
}

// RegisterBuiltins registers every built-in definition.
func RegisterBuiltins(r *Registry) error {
	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Ticket types with a dedicated workflow.
const (
	TicketTypeBug    = "bug"
	TicketTypeReview = "review"
	TicketTypeTask   = "task"
)

// DefinitionForTicketType picks the definition that drives a ticket of the
// given type. Open-ended "task" tickets return "" because they run in the
// adaptive task loop instead.
func DefinitionForTicketType(ticketType string) string {
	switch ticketType {
	case TicketTypeBug:
		return BugInvestigation
	case TicketTypeReview:
		return CodeReview
	case TicketTypeTask:
		return ""
	default:
		return TicketResolution
	}
}
