package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger},
			{ID: "pay", Kind: schema.NodeKindMpesa, Config: map[string]string{
				"operation":    "stk_push",
				"credentialId": "cred-1",
				"phoneNumber":  "{trigger.phone}",
				"amount":       "{trigger.amount}",
			}},
			{ID: "notify", Kind: schema.NodeKindEmail, Config: map[string]string{
				"credentialId": "cred-2",
				"to":           "{trigger.email}",
				"subject":      "Payment received",
				"body":         "Receipt {pay.checkoutRequestId}",
			}},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "pay"},
			{Source: "pay", Target: "notify"},
		},
	}
}

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDefinitionAccepts(t *testing.T) {
	v := newJSV(t)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinitionNil(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateDefinition(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidateDefinitionStructural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
	}{
		{"no nodes", func(d *schema.WorkflowDefinition) { d.Nodes = nil }},
		{"empty node id", func(d *schema.WorkflowDefinition) { d.Nodes[1].ID = "" }},
		{"unknown kind", func(d *schema.WorkflowDefinition) { d.Nodes[1].Kind = "webhook" }},
		{"edge missing target", func(d *schema.WorkflowDefinition) { d.Edges[0].Target = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newJSV(t)
			def := validDefinition()
			tt.mutate(def)
			err := v.ValidateDefinition(def)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
		})
	}
}

func TestValidateDefinitionConfigFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
	}{
		{"unknown field", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["bogus"] = "x"
		}},
		{"bad operation", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["operation"] = "reverse"
		}},
		{"non-boolean flag", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["waitForConfirmation"] = "yes"
		}},
		{"bad timeout", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["confirmationTimeout"] = "soon"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newJSV(t)
			def := validDefinition()
			tt.mutate(def)
			err := v.ValidateDefinition(def)
			require.Error(t, err)

			var fe *schema.FloeError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "pay", fe.NodeID)
		})
	}
}

func TestValidateTriggerPayload(t *testing.T) {
	v := newJSV(t)
	payloadSchema := []byte(`{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount": { "type": "number", "minimum": 1 },
			"phone": { "type": "string" }
		}
	}`)

	assert.NoError(t, v.ValidateTriggerPayload(map[string]any{"amount": 150, "phone": "254712345678"}, payloadSchema))

	err := v.ValidateTriggerPayload(map[string]any{"phone": "254712345678"}, payloadSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	// Same schema bytes hit the compilation cache.
	assert.NoError(t, v.ValidateTriggerPayload(map[string]any{"amount": 1}, payloadSchema))
}

func TestValidateTriggerPayloadNoSchema(t *testing.T) {
	v := newJSV(t)
	assert.NoError(t, v.ValidateTriggerPayload(map[string]any{"anything": true}, nil))
}

func TestValidateTriggerPayloadBadSchema(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateTriggerPayload(map[string]any{}, []byte(`{"type": 42}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
