package taskflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/crew/internal/llm"
	"github.com/rendis/crew/internal/store"
)

var (
	planLine  = regexp.MustCompile(`^\s*(\d+)\.\s+(.*)$`)
	usingNote = regexp.MustCompile(`(?i)\s*\(using\s+[^)]*\)\s*$`)
)

// ParsePlan extracts numbered steps ("1. Do the thing") in order. A trailing
// "(using tool)" note is dropped because tools are chosen per step.
func ParsePlan(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		m := planLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		step := strings.TrimSpace(usingNote.ReplaceAllString(m[2], ""))
		step = strings.Trim(step, "*_ ")
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}

func toolCatalogue(defs []llm.ToolDefinition) string {
	if len(defs) == 0 {
		return "(no tools available)"
	}
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func systemPrompt(agent *store.User) string {
	return fmt.Sprintf("You are %s, a %s on a small software team. %s", agent.Name, agent.Role, agent.Personality)
}

func planningPrompt(ticket *store.Ticket, defs []llm.ToolDefinition) string {
	return fmt.Sprintf(`Break this ticket into a short numbered plan.

Ticket %s: %s
%s

Available tools:
%s

Reply with one step per line in the form "1. <step>". Keep it to the steps that are really needed.`,
		ticket.ID, ticket.Title, ticket.Description, toolCatalogue(defs))
}

func executionPrompt(ticket *store.Ticket, state *TaskState, idx int, defs []llm.ToolDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on ticket %s: %s\n%s\n\nPlan:\n", ticket.ID, ticket.Title, ticket.Description)
	for i, s := range state.Plan {
		marker := "  "
		if i == idx {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", marker, i+1, s)
	}

	var done []string
	for _, st := range state.Steps {
		for _, a := range st.Attempts {
			outcome := "result: " + a.Result
			if a.Error != "" {
				outcome = "error: " + a.Error
			}
			done = append(done, fmt.Sprintf("- step %d attempt %d (%s) %s", st.Index+1, a.Number, st.Description, outcome))
		}
	}
	if len(done) > 0 {
		b.WriteString("\nWork so far:\n")
		b.WriteString(strings.Join(done, "\n"))
		b.WriteString("\n")
	}
	if st := state.step(idx); st != nil && st.RecoveryStrategy != "" {
		fmt.Fprintf(&b, "\nThe last attempt at this step failed. Hint: %s\n", st.RecoveryStrategy)
	}

	fmt.Fprintf(&b, "\nAvailable tools:\n%s\n\nCarry out step %d now by calling exactly one tool.", toolCatalogue(defs), idx+1)
	return b.String()
}

func evaluationPrompt(ticket *store.Ticket, step *TaskStep) string {
	outcome := "Result: " + step.Result
	if step.Status == StepFailed {
		outcome = "Error: " + step.Error
		if step.RecoveryStrategy != "" {
			outcome += "\nSuggested recovery: " + step.RecoveryStrategy
		}
	}
	return fmt.Sprintf(`Ticket %s: %s

Step %d: %s
Attempt %d.
%s

Did this step succeed? Say whether we should proceed to the next step or retry this one, and why.`,
		ticket.ID, ticket.Title, step.Index+1, step.Description, step.RetryCount+1, outcome)
}
