// Package gateexpr implements the config gate's safe expression language
// (spec §4.5, §6.1): boolean and string expressions evaluated over row
// data only, with no file I/O, network access, or arbitrary function
// calls. Expressions are compiled and evaluated via gval's arithmetic and
// comparison language restricted to data lookups.
package gateexpr

import (
	"context"
	"errors"
	"fmt"

	"github.com/PaesslerAG/gval"
)

// ErrNonBooleanResult is returned by EvaluateBool when the expression's
// result is not a bool.
var ErrNonBooleanResult = errors.New("gate expression did not evaluate to a boolean")

// ErrNonStringResult is returned by EvaluateLabel when the expression's
// result is not a string.
var ErrNonStringResult = errors.New("gate expression did not evaluate to a string")

// language is gval's arithmetic/comparison subset: no function extensions
// that could perform I/O are registered, keeping the evaluator a pure
// data expression language.
var language = gval.Full()

// Evaluate compiles and runs expr against row, returning whatever Go value
// the expression produces (bool, string, float64, ...).
func Evaluate(ctx context.Context, expr string, row map[string]any) (any, error) {
	eval, err := language.NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("compile gate expression: %w", err)
	}
	result, err := eval(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("evaluate gate expression: %w", err)
	}
	return result, nil
}

// EvaluateBool evaluates expr and requires a boolean result, the shape used
// for `routes.true` / `routes.false` dispatch.
func EvaluateBool(ctx context.Context, expr string, row map[string]any) (bool, error) {
	eval, err := language.NewEvaluable(expr)
	if err != nil {
		return false, fmt.Errorf("compile gate expression: %w", err)
	}
	b, err := eval.EvalBool(ctx, row)
	if err != nil {
		return false, ErrNonBooleanResult
	}
	return b, nil
}

// EvaluateLabel evaluates expr and requires a string result naming a route
// label present in the gate's `routes` table.
func EvaluateLabel(ctx context.Context, expr string, row map[string]any) (string, error) {
	eval, err := language.NewEvaluable(expr)
	if err != nil {
		return "", fmt.Errorf("compile gate expression: %w", err)
	}
	s, err := eval.EvalString(ctx, row)
	if err != nil {
		return "", ErrNonStringResult
	}
	return s, nil
}
