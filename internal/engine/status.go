package engine

import (
	"slices"

	"github.com/rendis/crew/pkg/schema"
)

// ValidStatusChanges defines the allowed lifecycle changes of an instance.
// Completed and failed are terminal.
var ValidStatusChanges = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusActive:    {schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusActive, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

func canChangeStatus(from, to schema.WorkflowStatus) bool {
	return slices.Contains(ValidStatusChanges[from], to)
}

// checkStatusChange returns INVALID_TRANSITION when from -> to is not allowed.
func checkStatusChange(instanceID string, from, to schema.WorkflowStatus) error {
	if canChangeStatus(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow status change: %s -> %s", from, to).
		WithInstance(instanceID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
