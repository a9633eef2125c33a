package executors

import (
	"context"
	"strconv"
	"strings"

	"github.com/floehq/floe/pkg/schema"
)

// ConditionExecutor runs condition nodes. The configured value template is
// resolved against the run context and tested against the ordered rules; the
// first matching rule yields the branch tag, otherwise the default branch.
type ConditionExecutor struct {
	exprs *exprEvaluator
}

// NewConditionExecutor creates the condition executor.
func NewConditionExecutor() *ConditionExecutor {
	return &ConditionExecutor{exprs: newExprEvaluator()}
}

func (e *ConditionExecutor) Kind() schema.NodeKind { return schema.NodeKindCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.ConditionConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	value, err := req.Resolve(cfg.Value)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	branch := cfg.DefaultBranch
	if branch == "" {
		branch = schema.BranchDefault
	}
	matched := false

	for i, rule := range cfg.Rules {
		ok, rerr := e.matches(req, rule, value)
		if rerr != nil {
			return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeExecution,
				"condition rule %d: %s", i, rerr.Error()).WithNode(req.Node.ID).WithCause(rerr)
		}
		if ok {
			branch = rule.Branch
			if branch == "" {
				branch = schema.BranchDefault
			}
			matched = true
			break
		}
	}

	return schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"branch":  branch,
			"value":   value,
			"matched": matched,
		},
	}, nil
}

func (e *ConditionExecutor) matches(req Request, rule schema.ConditionRule, value string) (bool, error) {
	operand, err := req.Resolve(rule.Operand)
	if err != nil {
		return false, err
	}

	switch rule.Operator {
	case "equals":
		return value == operand, nil
	case "not_equals":
		return value != operand, nil
	case "contains":
		return strings.Contains(value, operand), nil
	case "gt", "gte", "lt", "lte":
		return compareNumeric(rule.Operator, value, operand)
	case "is_empty":
		return strings.TrimSpace(value) == "", nil
	case "not_empty":
		return strings.TrimSpace(value) != "", nil
	case "expression":
		out, eerr := e.exprs.Evaluate(rule.Expression, scopeEnv(req.Scope))
		if eerr != nil {
			return false, eerr
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"condition expression %q did not yield a boolean", rule.Expression)
		}
		return b, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator: %s", rule.Operator)
	}
}

// compareNumeric compares two values numerically, falling back to string
// ordering when either side is not a number.
func compareNumeric(op, value, operand string) (bool, error) {
	lhs, lerr := strconv.ParseFloat(strings.TrimSpace(value), 64)
	rhs, rerr := strconv.ParseFloat(strings.TrimSpace(operand), 64)
	if lerr != nil || rerr != nil {
		cmp := strings.Compare(value, operand)
		switch op {
		case "gt":
			return cmp > 0, nil
		case "gte":
			return cmp >= 0, nil
		case "lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	}
	switch op {
	case "gt":
		return lhs > rhs, nil
	case "gte":
		return lhs >= rhs, nil
	case "lt":
		return lhs < rhs, nil
	default:
		return lhs <= rhs, nil
	}
}
