package actions

import "github.com/rendis/crew/pkg/schema"

// Pipeline states shared by the built-in definitions.
const (
	StateAnalysis       = "analysis"
	StatePlanning       = "planning"
	StateImplementation = "implementation"
	StateTesting        = "testing"
	StateReview         = "review"
	StateCompleted      = "completed"
	StateFailed         = schema.StateFailed
)

const defaultMaxLoops = 3

func testsCheck() *LoopCheck {
	return &LoopCheck{
		Flag:       "testsPassed",
		Marker:     MarkerTests,
		Question:   "do all tests pass?",
		RetryState: StateImplementation,
		MaxLoops:   defaultMaxLoops,
	}
}

func approvalCheck() *LoopCheck {
	return &LoopCheck{
		Flag:       "approved",
		Marker:     MarkerApproved,
		Question:   "is the work approved as is?",
		RetryState: StateImplementation,
		MaxLoops:   defaultMaxLoops,
	}
}

// BuiltinSpecs returns the prompt actions used by the ticket resolution,
// code review and bug investigation definitions.
func BuiltinSpecs() []PromptSpec {
	tickets := []string{"tickets"}
	review := []string{"tickets", "code_review"}
	debugging := []string{"tickets", "debugging"}

	return []PromptSpec{
		// ticket_resolution
		{
			ID: "analyze_ticket", Name: "Ticket analysis", State: StateAnalysis, Capabilities: tickets,
			Instructions: "Analyze ticket \"${{ticket.title}}\".\n\n${{ticket.description}}\n\n" +
				"Summarize the problem, the affected areas and any open questions.",
			OnSuccess: StatePlanning,
		},
		{
			ID: "plan_solution", Name: "Solution plan", State: StatePlanning, Capabilities: tickets,
			Instructions: "Ticket: ${{ticket.title}}\nAnalysis: ${{context.analysis.summary}}\n\n" +
				"Write a short numbered plan for solving it.",
			OnSuccess: StateImplementation,
		},
		{
			ID: "implement_solution", Name: "Implementation", State: StateImplementation, Capabilities: tickets,
			Instructions: "Ticket: ${{ticket.title}}\nPlan: ${{context.planning.summary}}\n" +
				"Previous test notes: ${{context.testing.summary}}\nPrevious review notes: ${{context.review.summary}}\n\n" +
				"Describe the changes you make to implement the plan.",
			OnSuccess: StateTesting,
		},
		{
			ID: "run_tests", Name: "Testing", State: StateTesting, Capabilities: tickets,
			Instructions: "Ticket: ${{ticket.title}}\nImplementation: ${{context.implementation.summary}}\n\n" +
				"Describe how you tested the change and what the results were.",
			OnSuccess: StateReview,
			Check:     testsCheck(),
		},
		{
			ID: "review_solution", Name: "Review", State: StateReview, Capabilities: tickets,
			Instructions: "Ticket: ${{ticket.title}}\nImplementation: ${{context.implementation.summary}}\n" +
				"Tests: ${{context.testing.summary}}\n\nReview the work before it is closed.",
			OnSuccess: StateCompleted,
			Check:     approvalCheck(),
		},

		// code_review
		{
			ID: "review_scope", Name: "Review scope", State: StateAnalysis, Capabilities: review,
			Instructions: "A review was requested: \"${{ticket.title}}\".\n\n${{ticket.description}}\n\n" +
				"Identify what is under review and what it is supposed to do.",
			OnSuccess: StatePlanning,
		},
		{
			ID: "review_checklist", Name: "Review checklist", State: StatePlanning, Capabilities: review,
			Instructions: "Scope: ${{context.analysis.summary}}\n\nWrite the checklist you will review against.",
			OnSuccess:    StateImplementation,
		},
		{
			ID: "review_findings", Name: "Review findings", State: StateImplementation, Capabilities: review,
			Instructions: "Checklist: ${{context.planning.summary}}\nEarlier verification notes: ${{context.testing.summary}}\n\n" +
				"Go through the checklist and list your findings.",
			OnSuccess: StateTesting,
		},
		{
			ID: "review_verification", Name: "Findings verification", State: StateTesting, Capabilities: review,
			Instructions: "Findings: ${{context.implementation.summary}}\n\nVerify each finding is real and actionable.",
			OnSuccess:    StateReview,
			Check: &LoopCheck{
				Flag: "testsPassed", Marker: MarkerTests, Question: "are the findings verified?",
				RetryState: StateImplementation, MaxLoops: defaultMaxLoops,
			},
		},
		{
			ID: "review_signoff", Name: "Review sign-off", State: StateReview, Capabilities: review,
			Instructions: "Verified findings: ${{context.testing.summary}}\n\nGive your final review verdict.",
			OnSuccess:    StateCompleted,
			Check:        approvalCheck(),
		},

		// bug_investigation
		{
			ID: "reproduce_bug", Name: "Reproduction", State: StateAnalysis, Capabilities: debugging,
			Instructions: "Bug report: \"${{ticket.title}}\".\n\n${{ticket.description}}\n\n" +
				"Describe how to reproduce it and what you observe.",
			OnSuccess: StatePlanning,
		},
		{
			ID: "root_cause_plan", Name: "Root cause", State: StatePlanning, Capabilities: debugging,
			Instructions: "Reproduction: ${{context.analysis.summary}}\n\nExplain the most likely root cause and how to fix it.",
			OnSuccess:    StateImplementation,
		},
		{
			ID: "apply_fix", Name: "Fix", State: StateImplementation, Capabilities: debugging,
			Instructions: "Root cause: ${{context.planning.summary}}\nPrevious regression notes: ${{context.testing.summary}}\n\n" +
				"Describe the fix.",
			OnSuccess: StateTesting,
		},
		{
			ID: "regression_tests", Name: "Regression tests", State: StateTesting, Capabilities: debugging,
			Instructions: "Fix: ${{context.implementation.summary}}\nReproduction: ${{context.analysis.summary}}\n\n" +
				"Check the bug no longer reproduces and nothing else broke.",
			OnSuccess: StateReview,
			Check:     testsCheck(),
		},
		{
			ID: "fix_review", Name: "Fix review", State: StateReview, Capabilities: debugging,
			Instructions: "Fix: ${{context.implementation.summary}}\nRegression results: ${{context.testing.summary}}\n\n" +
				"Review the fix before closing the bug.",
			OnSuccess: StateCompleted,
			Check:     approvalCheck(),
		},
	}
}

// RegisterBuiltins registers every built-in prompt action.
func RegisterBuiltins(r *Registry, deps Deps) error {
	for _, spec := range BuiltinSpecs() {
		if err := r.Register(NewPromptAction(spec, deps)); err != nil {
			return err
		}
	}
	return nil
}
