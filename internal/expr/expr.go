// Package expr evaluates parameter precondition and control expressions
// against the bound value map of a job.
package expr

import (
	"fmt"

	"github.com/dop251/goja"
)

// Evaluator runs JavaScript expressions with parameter values bound as
// globals under "value" plus a per-parameter lookup table "params".
type Evaluator struct{}

// NewEvaluator creates an expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Eval evaluates expr with the given parameter values. The value of the
// parameter under evaluation is exposed as "value"; all bound values are
// reachable both as bare globals and through "params".
func (e *Evaluator) Eval(expr string, self any, values map[string]any) (any, error) {
	vm := goja.New()

	if err := vm.Set("value", self); err != nil {
		return nil, fmt.Errorf("set value: %w", err)
	}
	if err := vm.Set("params", values); err != nil {
		return nil, fmt.Errorf("set params: %w", err)
	}
	for name, v := range values {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}

	out, err := vm.RunString(expr)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return out.Export(), nil
}

// Truthy evaluates expr and reduces the result to a boolean with
// JavaScript truthiness semantics.
func (e *Evaluator) Truthy(expr string, self any, values map[string]any) (bool, error) {
	out, err := e.Eval(expr, self, values)
	if err != nil {
		return false, err
	}
	return IsTruthy(out), nil
}

// IsTruthy applies JavaScript truthiness to an exported goja value.
func IsTruthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
