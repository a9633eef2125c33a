package executors

import (
	"context"

	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/pkg/schema"
)

// TransformExecutor runs transform nodes: a pure data reshaping step with no
// external side effects. Three modes are supported, template substitution,
// expr-lang expressions, and jq programs.
type TransformExecutor struct {
	exprs *exprEvaluator
}

// NewTransformExecutor creates the transform executor.
func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{exprs: newExprEvaluator()}
}

func (e *TransformExecutor) Kind() schema.NodeKind { return schema.NodeKindTransform }

func (e *TransformExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.TransformConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if cfg.Expression == "" {
		return schema.NodeOutput{}, schema.NewError(schema.ErrCodeValidation,
			"transform node requires an expression").WithNode(req.Node.ID)
	}

	mode := cfg.Mode
	if mode == "" {
		mode = "template"
	}

	var result any
	switch mode {
	case "template":
		out, terr := template.Resolve(cfg.Expression, req.Scope, req.Mode.Strict())
		if terr != nil {
			return schema.NodeOutput{}, terr
		}
		result = out
	case "expr":
		out, eerr := e.exprs.Evaluate(cfg.Expression, scopeEnv(req.Scope))
		if eerr != nil {
			return schema.NodeOutput{}, withNode(eerr, req.Node.ID)
		}
		result = out
	case "jq":
		out, jerr := runJQ(ctx, cfg.Expression, scopeEnv(req.Scope))
		if jerr != nil {
			return schema.NodeOutput{}, withNode(jerr, req.Node.ID)
		}
		result = out
	default:
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported transform mode: %s", mode).WithNode(req.Node.ID)
	}

	name := cfg.OutputName
	if name == "" {
		name = "value"
	}

	return schema.NodeOutput{
		Success: true,
		Fields:  map[string]any{name: result},
	}, nil
}

// withNode tags the node ID onto structured errors bubbling out of the
// evaluators.
func withNode(err error, nodeID string) error {
	if fe, ok := err.(*schema.FloeError); ok {
		return fe.WithNode(nodeID)
	}
	return err
}
