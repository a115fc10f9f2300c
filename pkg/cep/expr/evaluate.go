package expr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotNumeric is returned when a numeric operator meets a value that is
// not a number.
var ErrNotNumeric = errors.New("not a number")

// BinaryOp is a function that compares two values and returns a boolean result.
type BinaryOp func(left, right any) bool

// Evaluator evaluates boolean expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a custom binary operator.
// The operator name should not conflict with built-in operators.
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates a boolean expression against the provided variables.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	return e.evaluateCondition(expr, vars)
}

// Eval evaluates an expression using the default evaluator.
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, vars)
}

// builtinOps are tried in order; longer operators first so that ">=" is not
// read as ">".
var builtinOps = []string{"==", "!=", ">=", "<=", ">", "<", " contains "}

func (e *Evaluator) evaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	if parts := strings.SplitN(expr, " or ", 2); len(parts) == 2 {
		left, err := e.evaluateCondition(parts[0], vars)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return e.evaluateCondition(parts[1], vars)
	}

	if parts := strings.SplitN(expr, " and ", 2); len(parts) == 2 {
		left, err := e.evaluateCondition(parts[0], vars)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return e.evaluateCondition(parts[1], vars)
	}

	if strings.HasPrefix(expr, "not ") {
		result, err := e.evaluateCondition(strings.TrimPrefix(expr, "not "), vars)
		return !result && err == nil, err
	}
	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		result, err := e.evaluateCondition(strings.TrimPrefix(expr, "!"), vars)
		return !result && err == nil, err
	}

	for _, op := range builtinOps {
		if parts := strings.SplitN(expr, op, 2); len(parts) == 2 {
			left := Resolve(parts[0], vars)
			right := Resolve(parts[1], vars)
			ok, err := Compare(left, right, strings.TrimSpace(op))
			if err != nil {
				return false, fmt.Errorf("%s: %w", expr, err)
			}
			return ok, nil
		}
	}

	for name, fn := range e.customOps {
		if parts := strings.SplitN(expr, " "+name+" ", 2); len(parts) == 2 {
			return fn(Resolve(parts[0], vars), Resolve(parts[1], vars)), nil
		}
	}

	return IsTruthy(Resolve(expr, vars)), nil
}
