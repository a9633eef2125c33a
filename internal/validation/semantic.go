package validation

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/itchyny/gojq"

	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: typed config decoding, template references against the node id
// set, condition rule shape, and load-time compilation of expr/jq programs.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	for i := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		validateNodeSemantic(&def.Nodes[i], path, nodeIDs, result)
	}

	return result
}

func validateNodeSemantic(node *schema.Node, path string, nodeIDs map[string]bool, result *schema.ValidationResult) {
	cfg, err := schema.DecodeNodeConfig(*node)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	for field, value := range templateFields(cfg) {
		checkReferences(value, fmt.Sprintf("%s.config.%s", path, field), node.ID, nodeIDs, result)
	}

	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		validateConditionSemantic(c, path, node.ID, nodeIDs, result)
	case *schema.TransformConfig:
		validateTransformSemantic(c, path, result)
	case *schema.MpesaConfig:
		if c.Operation == "check_status" && c.CheckoutRequestID == "" {
			result.AddWarning(path+".config.checkoutRequestId", schema.ErrCodeValidation,
				"check_status without checkoutRequestId will skip at runtime")
		}
	}
}

func validateConditionSemantic(cfg *schema.ConditionConfig, path, nodeID string, nodeIDs map[string]bool, result *schema.ValidationResult) {
	if len(cfg.Rules) == 0 {
		branch := cfg.DefaultBranch
		if branch == "" {
			branch = schema.BranchDefault
		}
		result.AddWarning(path+".config.rules", schema.ErrCodeValidation,
			fmt.Sprintf("condition has no rules and always routes %q", branch))
	}

	for j, rule := range cfg.Rules {
		rulePath := fmt.Sprintf("%s.config.rules[%d]", path, j)

		if rule.Branch == "" {
			result.AddError(rulePath+".branch", schema.ErrCodeValidation,
				"rule has no branch tag")
		}

		switch rule.Operator {
		case "equals", "not_equals", "contains", "gt", "gte", "lt", "lte",
			"is_empty", "not_empty":
			checkReferences(rule.Operand, rulePath+".operand", nodeID, nodeIDs, result)
		case "expression":
			if rule.Expression == "" {
				result.AddError(rulePath+".expression", schema.ErrCodeValidation,
					"expression operator requires an expression")
			} else if _, err := expr.Compile(rule.Expression, expr.AllowUndefinedVariables()); err != nil {
				result.AddError(rulePath+".expression", schema.ErrCodeValidation,
					fmt.Sprintf("expression does not compile: %s", err.Error()))
			}
		default:
			result.AddError(rulePath+".operator", schema.ErrCodeValidation,
				fmt.Sprintf("unknown operator %q", rule.Operator))
		}
	}
}

func validateTransformSemantic(cfg *schema.TransformConfig, path string, result *schema.ValidationResult) {
	if cfg.Expression == "" {
		result.AddError(path+".config.expression", schema.ErrCodeValidation,
			"transform requires an expression")
		return
	}

	switch cfg.Mode {
	case "expr":
		if _, err := expr.Compile(cfg.Expression, expr.AllowUndefinedVariables()); err != nil {
			result.AddError(path+".config.expression", schema.ErrCodeValidation,
				fmt.Sprintf("expression does not compile: %s", err.Error()))
		}
	case "jq":
		if _, err := gojq.Parse(cfg.Expression); err != nil {
			result.AddError(path+".config.expression", schema.ErrCodeValidation,
				fmt.Sprintf("jq program does not parse: %s", err.Error()))
		}
	}
}

// checkReferences verifies that every template token in value names either
// the trigger or a node that exists in the graph. Self-references can never
// resolve; the node's own output is published only after it completes.
func checkReferences(value, path, nodeID string, nodeIDs map[string]bool, result *schema.ValidationResult) {
	for _, ref := range template.References(value) {
		switch {
		case ref == "trigger":
		case ref == nodeID:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("template references the node's own output %q", ref))
		case !nodeIDs[ref]:
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("template references unknown node %q", ref))
		}
	}
}

// templateFields returns the config fields that are resolved as templates at
// runtime, keyed by field name. Condition operands and transform expressions
// have richer semantics and are handled separately.
func templateFields(cfg any) map[string]string {
	switch c := cfg.(type) {
	case *schema.MpesaConfig:
		return map[string]string{
			"phoneNumber":       c.PhoneNumber,
			"amount":            c.Amount,
			"accountReference":  c.AccountReference,
			"transactionDesc":   c.TransactionDesc,
			"checkoutRequestId": c.CheckoutRequestID,
			"remarks":           c.Remarks,
		}
	case *schema.AfricasTalkingConfig:
		return map[string]string{
			"to":            c.To,
			"message":       c.Message,
			"airtimeAmount": c.AirtimeAmount,
		}
	case *schema.WhatsAppConfig:
		return map[string]string{
			"to":             c.To,
			"message":        c.Message,
			"templateParams": c.TemplateParams,
		}
	case *schema.EmailConfig:
		return map[string]string{
			"to":      c.To,
			"subject": c.Subject,
			"body":    c.Body,
			"replyTo": c.ReplyTo,
		}
	case *schema.EtrConfig:
		return map[string]string{
			"invoiceNumber": c.InvoiceNumber,
			"totalAmount":   c.TotalAmount,
			"taxableAmount": c.TaxableAmount,
			"vatAmount":     c.VatAmount,
			"buyerPin":      c.BuyerPin,
			"buyerName":     c.BuyerName,
			"buyerPhone":    c.BuyerPhone,
			"itemsJson":     c.ItemsJSON,
		}
	case *schema.ConditionConfig:
		return map[string]string{"value": c.Value}
	case *schema.TransformConfig:
		if c.Mode == "" || c.Mode == "template" {
			return map[string]string{"expression": c.Expression}
		}
	}
	return nil
}
