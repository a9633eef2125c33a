package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// WorkflowDefinition is the JSON-serializable workflow graph format.
// The editor saves this shape; the engine parses and validates it at load time.
type WorkflowDefinition struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is one step in a workflow graph.
type Node struct {
	ID     string            `json:"id"`
	Kind   NodeKind          `json:"kind"`
	Config map[string]string `json:"config,omitempty"` // field -> literal or template string
}

// Edge is a directed dependency between two nodes. BranchTag is set on edges
// leaving a condition node and names the route that activates the target.
type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	BranchTag string `json:"branchTag,omitempty"`
}

// NodeKind enumerates the node capability set.
type NodeKind string

const (
	NodeKindTrigger        NodeKind = "trigger"
	NodeKindMpesa          NodeKind = "mpesa"
	NodeKindAfricasTalking NodeKind = "africastalking"
	NodeKindWhatsApp       NodeKind = "whatsapp"
	NodeKindEmail          NodeKind = "email"
	NodeKindEtr            NodeKind = "etr"
	NodeKindCondition      NodeKind = "condition"
	NodeKindTransform      NodeKind = "transform"
)

// BranchDefault is the reserved branch tag routing a condition node's
// unmatched values.
const BranchDefault = "default"

// ExecutionMode is the per-run error policy. Legacy degrades missing
// configuration and soft failures to skips; strict treats them as fatal.
type ExecutionMode string

const (
	ModeLegacy ExecutionMode = "legacy"
	ModeStrict ExecutionMode = "strict"
)

// Valid reports whether the mode is a recognized value.
func (m ExecutionMode) Valid() bool {
	return m == ModeLegacy || m == ModeStrict
}

// Strict reports whether the mode is strict.
func (m ExecutionMode) Strict() bool { return m == ModeStrict }

// --- Typed per-kind configuration ---
//
// Node.Config is a flat field map on the wire (the editor writes string
// fields, each a literal or a template). DecodeNodeConfig discriminates on
// the node kind and produces the typed config struct, so invalid kind/field
// combinations surface at graph load rather than mid-run.

// MpesaConfig configures an mpesa node. Operation selects between stk_push
// (payment prompt), check_status (stk query), and b2c (payout).
type MpesaConfig struct {
	Operation           string `json:"operation"` // stk_push | check_status | b2c
	CredentialID        string `json:"credentialId"`
	PhoneNumber         string `json:"phoneNumber"`
	Amount              string `json:"amount"`
	AccountReference    string `json:"accountReference"`
	TransactionDesc     string `json:"transactionDesc"`
	CheckoutRequestID   string `json:"checkoutRequestId"` // check_status only
	CommandID           string `json:"commandId"`         // b2c only
	Remarks             string `json:"remarks"`           // b2c only
	WaitForConfirmation bool   `json:"waitForConfirmation"`
	ConfirmationTimeout string `json:"confirmationTimeout"` // duration, default 2m
}

// AfricasTalkingConfig configures an africastalking node.
type AfricasTalkingConfig struct {
	Operation     string `json:"operation"` // send_sms | send_airtime
	CredentialID  string `json:"credentialId"`
	To            string `json:"to"`
	Message       string `json:"message"`
	From          string `json:"from"`
	AirtimeAmount string `json:"airtimeAmount"`
	CurrencyCode  string `json:"currencyCode"`
}

// WhatsAppConfig configures a whatsapp node.
type WhatsAppConfig struct {
	MessageType      string `json:"messageType"` // text | template
	CredentialID     string `json:"credentialId"`
	To               string `json:"to"`
	Message          string `json:"message"`
	TemplateName     string `json:"templateName"`
	TemplateLanguage string `json:"templateLanguage"`
	TemplateParams   string `json:"templateParams"` // JSON array (strings or components)
}

// EmailConfig configures an email node.
type EmailConfig struct {
	CredentialID string `json:"credentialId"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	IsHTML       bool   `json:"isHtml"`
	FromName     string `json:"fromName"`
	ReplyTo      string `json:"replyTo"`
}

// EtrConfig configures an etr (tax receipt) node.
type EtrConfig struct {
	Operation     string `json:"operation"` // issue_receipt
	CredentialID  string `json:"credentialId"`
	InvoiceNumber string `json:"invoiceNumber"`
	TotalAmount   string `json:"totalAmount"`
	TaxableAmount string `json:"taxableAmount"`
	VatAmount     string `json:"vatAmount"`
	BuyerPin      string `json:"buyerPin"`
	BuyerName     string `json:"buyerName"`
	BuyerPhone    string `json:"buyerPhone"`
	ItemsJSON     string `json:"itemsJson"`
}

// ConditionRule is one ordered routing rule of a condition node.
type ConditionRule struct {
	Operator   string `json:"operator"` // equals, not_equals, contains, gt, gte, lt, lte, is_empty, not_empty, expression
	Operand    string `json:"operand,omitempty"`
	Expression string `json:"expression,omitempty"` // expression operator only
	Branch     string `json:"branch"`
}

// ConditionConfig configures a condition node. Value is a template resolved
// against the run context; rules are evaluated in order and the first match
// yields the branch tag.
type ConditionConfig struct {
	Value         string          `json:"value"`
	Rules         []ConditionRule `json:"rules"`
	DefaultBranch string          `json:"defaultBranch,omitempty"`
}

// Routes returns the set of branch tags the condition node can yield.
func (c ConditionConfig) Routes() map[string]bool {
	routes := make(map[string]bool, len(c.Rules)+2)
	for _, r := range c.Rules {
		if r.Branch != "" {
			routes[r.Branch] = true
		}
	}
	if c.DefaultBranch != "" {
		routes[c.DefaultBranch] = true
	}
	routes[BranchDefault] = true
	return routes
}

// TransformConfig configures a transform node. Mode selects how Expression is
// evaluated: template (dotted-path substitution only), expr (expr-lang over
// node outputs), or jq (gojq program over node outputs).
type TransformConfig struct {
	Mode       string `json:"mode"` // template | expr | jq (default template)
	Expression string `json:"expression"`
	OutputName string `json:"outputName,omitempty"` // default "value"
}

// TriggerConfig configures a trigger node.
type TriggerConfig struct {
	Event string `json:"event,omitempty"` // originating event name, informational
}

// DecodeNodeConfig decodes a node's flat config map into the typed struct for
// its kind. Unknown fields are a validation error so editor/engine drift is
// caught at load time.
func DecodeNodeConfig(node Node) (any, error) {
	raw, err := configToJSON(node.Config)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "node %s: encode config: %s", node.ID, err.Error()).WithNode(node.ID)
	}

	var cfg any
	switch node.Kind {
	case NodeKindTrigger:
		cfg = &TriggerConfig{}
	case NodeKindMpesa:
		cfg = &MpesaConfig{}
	case NodeKindAfricasTalking:
		cfg = &AfricasTalkingConfig{}
	case NodeKindWhatsApp:
		cfg = &WhatsAppConfig{}
	case NodeKindEmail:
		cfg = &EmailConfig{}
	case NodeKindEtr:
		cfg = &EtrConfig{}
	case NodeKindCondition:
		cfg = &ConditionConfig{}
	case NodeKindTransform:
		cfg = &TransformConfig{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "node %s has unknown kind: %s", node.ID, node.Kind).WithNode(node.ID)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "node %s (%s): invalid config: %s", node.ID, node.Kind, err.Error()).WithNode(node.ID)
	}
	return cfg, nil
}

// configToJSON converts the flat field map into a JSON object, coercing the
// handful of boolean fields the editor stores as "true"/"false" strings.
func configToJSON(config map[string]string) (json.RawMessage, error) {
	obj := make(map[string]any, len(config))
	for k, v := range config {
		switch k {
		case "isHtml", "waitForConfirmation":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: expected boolean, got %q", k, v)
			}
			obj[k] = b
		case "rules":
			var rules []ConditionRule
			if err := json.Unmarshal([]byte(v), &rules); err != nil {
				return nil, fmt.Errorf("field rules: %w", err)
			}
			obj[k] = rules
		default:
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}
