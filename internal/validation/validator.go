package validation

import "github.com/floehq/floe/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateTriggerPayload(payload map[string]any, payloadSchema []byte) error
}
