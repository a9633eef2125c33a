package executors

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/pkg/schema"
)

// exprEvaluator evaluates expr-lang expressions against the run scope.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type exprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprEvaluator() *exprEvaluator {
	return &exprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or retrieves from cache) an expression and runs it
// against env. All env keys become top-level variables.
func (e *exprEvaluator) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expression evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *exprEvaluator) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	if env == nil {
		env = map[string]any{}
	}
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// scopeEnv flattens the run scope into an expression environment: the trigger
// payload under "trigger" and each finished node's output under its node ID.
func scopeEnv(scope *template.Scope) map[string]any {
	env := make(map[string]any, len(scope.Outputs)+1)
	for nodeID, out := range scope.Outputs {
		env[nodeID] = out
	}
	env["trigger"] = scope.Trigger
	return env
}

// runJQ evaluates a jq program against the scope environment and returns the
// first emitted value. Multiple emitted values collapse into a slice.
func runJQ(ctx context.Context, program string, env map[string]any) (any, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", program, err.Error()).WithCause(err)
	}

	// gojq only accepts the basic JSON types, so normalize through the
	// encoding round trip the library expects.
	input := normalizeJSON(env)

	iter := query.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed: %s", jqErr.Error()).WithCause(jqErr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeJSON converts nested values to the plain map/slice/float shapes
// gojq operates on.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
