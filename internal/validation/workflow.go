package validation

import (
	"errors"

	"github.com/rendis/crew/pkg/schema"
)

// WorkflowValidator runs the three-stage definition pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (actions, transition endpoints, guard syntax)
//  3. Graph (reachability, dead ends)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	guards     GuardCompiler
}

// NewWorkflowValidator creates a WorkflowValidator. lookup and guards may be
// nil to skip the corresponding checks.
func NewWorkflowValidator(lookup ActionLookup, guards GuardCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, actions: lookup, guards: guards}, nil
}

// Validate returns the aggregated result. Structural errors short-circuit the
// later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	result.DefinitionID = def.ID
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions, wv.guards))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var ce *schema.CrewError
	if !errors.As(err, &ce) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ce.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
