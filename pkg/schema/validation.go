package schema

import (
	"fmt"
	"sort"
)

// ValidationSeverity tells blocking problems from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. State and
// Transition place it in the state machine when it concerns one; Path is the
// field it was found at.
type ValidationIssue struct {
	Path       string             `json:"path"`
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Severity   ValidationSeverity `json:"severity"`
	State      string             `json:"state,omitempty"`
	Transition string             `json:"transition,omitempty"`
}

// Location renders where the issue sits, preferring the state machine view.
func (i ValidationIssue) Location() string {
	switch {
	case i.Transition != "":
		return i.Transition
	case i.State != "":
		return "state " + i.State
	default:
		return i.Path
	}
}

// ValidationResult collects the issues of one definition.
type ValidationResult struct {
	DefinitionID string            `json:"definition_id,omitempty"`
	Errors       []ValidationIssue `json:"errors,omitempty"`
	Warnings     []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the definition can be registered. Warnings do not
// block it.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Add files issue under its severity.
func (r *ValidationResult) Add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	issue.Severity = SeverityError
	r.Errors = append(r.Errors, issue)
}

// AddError records a blocking issue that has no state machine location.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning records an advisory issue that has no state machine location.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// StateIssue records an issue about one state.
func (r *ValidationResult) StateIssue(sev ValidationSeverity, path, state, code, message string) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: message, Severity: sev, State: state})
}

// TransitionIssue records an issue about transitions[index].
func (r *ValidationResult) TransitionIssue(sev ValidationSeverity, path string, t Transition, code, message string) {
	r.Add(ValidationIssue{
		Path:       path,
		Code:       code,
		Message:    message,
		Severity:   sev,
		State:      t.From,
		Transition: DescribeTransition(t),
	})
}

// Merge appends other's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// States lists the distinct states that carry an error, sorted.
func (r *ValidationResult) States() []string {
	seen := map[string]bool{}
	var states []string
	for _, e := range r.Errors {
		if e.State != "" && !seen[e.State] {
			seen[e.State] = true
			states = append(states, e.State)
		}
	}
	sort.Strings(states)
	return states
}

// ToError returns nil for a valid result and a VALIDATION_ERROR otherwise.
// The message names the definition and the first failing location.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if loc := first.Location(); loc != "" && loc != "/" {
		msg = loc + ": " + msg
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(r.Errors)-1)
	}
	if r.DefinitionID != "" {
		msg = "definition " + r.DefinitionID + ": " + msg
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if states := r.States(); len(states) > 0 {
		details["states"] = states
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}

// DescribeTransition renders t as "from -> to on trigger".
func DescribeTransition(t Transition) string {
	return fmt.Sprintf("%s -> %s on %s", t.From, t.To, t.Trigger)
}
