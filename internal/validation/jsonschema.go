package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/floehq/floe/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies. Node configs are
// flat string maps on the wire; per-kind field checks live in the config
// schemas below.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://floe.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["trigger", "mpesa", "africastalking", "whatsapp", "email", "etr", "condition", "transform"]
        },
        "config": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "branchTag": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// nodeConfigSchemas constrains the flat config map per node kind: allowed
// field names, operation enums, and the editor's stringly-typed booleans.
// Template fields stay free-form strings; their references are checked in
// the semantic stage.
var nodeConfigSchemas = map[schema.NodeKind]string{
	schema.NodeKindTrigger: `{
	  "type": "object",
	  "properties": {
	    "event": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindMpesa: `{
	  "type": "object",
	  "properties": {
	    "operation": { "enum": ["stk_push", "check_status", "b2c"] },
	    "credentialId": { "type": "string" },
	    "phoneNumber": { "type": "string" },
	    "amount": { "type": "string" },
	    "accountReference": { "type": "string" },
	    "transactionDesc": { "type": "string" },
	    "checkoutRequestId": { "type": "string" },
	    "commandId": { "type": "string" },
	    "remarks": { "type": "string" },
	    "waitForConfirmation": { "enum": ["true", "false"] },
	    "confirmationTimeout": { "type": "string", "pattern": "^[0-9]+(ns|us|ms|s|m|h)$" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindAfricasTalking: `{
	  "type": "object",
	  "properties": {
	    "operation": { "enum": ["send_sms", "send_airtime"] },
	    "credentialId": { "type": "string" },
	    "to": { "type": "string" },
	    "message": { "type": "string" },
	    "from": { "type": "string" },
	    "airtimeAmount": { "type": "string" },
	    "currencyCode": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindWhatsApp: `{
	  "type": "object",
	  "properties": {
	    "messageType": { "enum": ["text", "template"] },
	    "credentialId": { "type": "string" },
	    "to": { "type": "string" },
	    "message": { "type": "string" },
	    "templateName": { "type": "string" },
	    "templateLanguage": { "type": "string" },
	    "templateParams": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindEmail: `{
	  "type": "object",
	  "properties": {
	    "credentialId": { "type": "string" },
	    "to": { "type": "string" },
	    "subject": { "type": "string" },
	    "body": { "type": "string" },
	    "isHtml": { "enum": ["true", "false"] },
	    "fromName": { "type": "string" },
	    "replyTo": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindEtr: `{
	  "type": "object",
	  "properties": {
	    "operation": { "enum": ["issue_receipt"] },
	    "credentialId": { "type": "string" },
	    "invoiceNumber": { "type": "string" },
	    "totalAmount": { "type": "string" },
	    "taxableAmount": { "type": "string" },
	    "vatAmount": { "type": "string" },
	    "buyerPin": { "type": "string" },
	    "buyerName": { "type": "string" },
	    "buyerPhone": { "type": "string" },
	    "itemsJson": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindCondition: `{
	  "type": "object",
	  "properties": {
	    "value": { "type": "string" },
	    "rules": { "type": "string" },
	    "defaultBranch": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeKindTransform: `{
	  "type": "object",
	  "properties": {
	    "mode": { "enum": ["template", "expr", "jq"] },
	    "expression": { "type": "string" },
	    "outputName": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
}

// JSONSchemaValidator implements structural validation using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	configSchemas  map[schema.NodeKind]*jsonschema.Schema

	// mu guards the cache for dynamic trigger-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow and
// per-kind config schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://floe.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://floe.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	configSchemas := make(map[schema.NodeKind]*jsonschema.Schema, len(nodeConfigSchemas))
	for kind, raw := range nodeConfigSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", kind, err)
		}
		url := fmt.Sprintf("https://floe.dev/schemas/config/%s.json", kind)
		cc := jsonschema.NewCompiler()
		cc.AssertFormat()
		if err := cc.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", kind, err)
		}
		compiled, err := cc.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", kind, err)
		}
		configSchemas[kind] = compiled
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		configSchemas:  configSchemas,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition's shape, then each node's
// config against its kind schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFloeError(err)
	}

	for i, node := range def.Nodes {
		compiled, ok := v.configSchemas[node.Kind]
		if !ok || node.Config == nil {
			continue // unknown kinds already rejected by the enum above
		}
		cfgDoc, err := toJSONValue(node.Config)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "failed to serialize node config").WithCause(err)
		}
		if err := compiled.Validate(cfgDoc); err != nil {
			fe := toFloeError(err)
			fe.Message = fmt.Sprintf("nodes[%d] (%s): %s", i, node.ID, fe.Message)
			return fe.WithNode(node.ID)
		}
	}

	return nil
}

// ValidateTriggerPayload validates a trigger payload against a JSON Schema
// provided as raw bytes. The schema is compiled and cached for subsequent
// calls with the same bytes.
func (v *JSONSchemaValidator) ValidateTriggerPayload(payload map[string]any, payloadSchema []byte) error {
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger payload is nil")
	}
	if len(payloadSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid trigger schema").WithCause(err)
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize trigger payload").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFloeError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("floe://trigger-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFloeError converts a jsonschema.ValidationError into a FloeError with
// clear, actionable messages.
func toFloeError(err error) *schema.FloeError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
