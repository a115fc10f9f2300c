package cep

import (
	"time"

	"github.com/shopspring/decimal"
)

// EvalContext is what a predicate sees besides the event itself.
type EvalContext struct {
	// Key is the stream key being matched.
	Key string
	// Timestamp is the event timestamp.
	Timestamp time.Time
	// Stage is the name of the stage being evaluated.
	Stage string

	aggregates func(name string) (decimal.Decimal, bool)
}

// Aggregate returns the current value of a declared aggregate for the run
// under evaluation, folded over the events the run has already taken.
// The boolean is false when no value has been folded in yet. Asking for an
// undeclared aggregate prunes the run and reports the error, whatever the
// predicate returns.
func (c *EvalContext) Aggregate(name string) (decimal.Decimal, bool) {
	if c == nil || c.aggregates == nil {
		return decimal.Zero, false
	}
	return c.aggregates(name)
}

// Predicate decides whether an event satisfies a stage.
// Returning an error prunes the run under evaluation; other runs continue.
type Predicate[V any] interface {
	Test(ctx *EvalContext, event V) (bool, error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc[V any] func(ctx *EvalContext, event V) (bool, error)

// Test calls f.
func (f PredicateFunc[V]) Test(ctx *EvalContext, event V) (bool, error) {
	return f(ctx, event)
}

// When builds a predicate from a plain boolean function of the event.
func When[V any](fn func(event V) bool) Predicate[V] {
	return PredicateFunc[V](func(_ *EvalContext, event V) (bool, error) {
		return fn(event), nil
	})
}

// Always accepts every event.
func Always[V any]() Predicate[V] {
	return PredicateFunc[V](func(*EvalContext, V) (bool, error) { return true, nil })
}

// And accepts an event when every predicate does. Evaluation stops at the
// first rejection or error.
func And[V any](preds ...Predicate[V]) Predicate[V] {
	return PredicateFunc[V](func(ctx *EvalContext, event V) (bool, error) {
		for _, p := range preds {
			ok, err := p.Test(ctx, event)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Or accepts an event when any predicate does.
func Or[V any](preds ...Predicate[V]) Predicate[V] {
	return PredicateFunc[V](func(ctx *EvalContext, event V) (bool, error) {
		for _, p := range preds {
			ok, err := p.Test(ctx, event)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}
