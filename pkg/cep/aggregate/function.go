// Package aggregate implements incremental aggregates over the events of a
// partial match.
//
// Each branch of a pattern owns a tracker version holding one accumulator per
// declared aggregate. Taking an event updates the accumulators in
// O(#aggregates), independent of how long the match already is.
package aggregate

import (
	"github.com/shopspring/decimal"
)

// Built-in function names.
const (
	FnSum   = "sum"
	FnCount = "count"
	FnMin   = "min"
	FnMax   = "max"
	FnAvg   = "avg"
)

// Accumulator is the folded state of one aggregate.
// Count is the number of values folded in; AVG divides by it.
type Accumulator struct {
	Value decimal.Decimal `json:"value"`
	Count int64           `json:"count"`
}

// Function defines the fold semantics of an aggregate.
// To add a function: implement this interface and register it in Functions,
// or build one with Func.
type Function interface {
	Name() string

	// Initial returns the accumulator after the first value.
	Initial(x decimal.Decimal) Accumulator

	// Combine folds x into acc.
	Combine(acc Accumulator, x decimal.Decimal) Accumulator

	// Result returns the value visible to predicates.
	Result(acc Accumulator) decimal.Decimal
}

// Functions is the registry of built-in aggregate functions by name.
var Functions = map[string]Function{
	FnSum:   Sum,
	FnCount: Count,
	FnMin:   Min,
	FnMax:   Max,
	FnAvg:   Avg,
}

// Lookup returns the registered function called name.
func Lookup(name string) (Function, bool) {
	fn, ok := Functions[name]
	return fn, ok
}

var one = decimal.NewFromInt(1)

// Built-in functions.
var (
	Sum Function = Func(FnSum, func(cur, x decimal.Decimal) decimal.Decimal { return cur.Add(x) })

	Min Function = Func(FnMin, func(cur, x decimal.Decimal) decimal.Decimal {
		if x.LessThan(cur) {
			return x
		}
		return cur
	})

	Max Function = Func(FnMax, func(cur, x decimal.Decimal) decimal.Decimal {
		if x.GreaterThan(cur) {
			return x
		}
		return cur
	})

	Count Function = countFn{}
	Avg   Function = avgFn{}
)

// Func builds a Function whose accumulator value starts at the first input
// and is folded with fold afterwards.
func Func(name string, fold func(cur, x decimal.Decimal) decimal.Decimal) Function {
	return foldFn{name: name, fold: fold}
}

type foldFn struct {
	name string
	fold func(cur, x decimal.Decimal) decimal.Decimal
}

func (f foldFn) Name() string { return f.name }

func (f foldFn) Initial(x decimal.Decimal) Accumulator {
	return Accumulator{Value: x, Count: 1}
}

func (f foldFn) Combine(acc Accumulator, x decimal.Decimal) Accumulator {
	return Accumulator{Value: f.fold(acc.Value, x), Count: acc.Count + 1}
}

func (f foldFn) Result(acc Accumulator) decimal.Decimal { return acc.Value }

// countFn ignores its input.
type countFn struct{}

func (countFn) Name() string { return FnCount }

func (countFn) Initial(decimal.Decimal) Accumulator {
	return Accumulator{Value: one, Count: 1}
}

func (countFn) Combine(acc Accumulator, _ decimal.Decimal) Accumulator {
	return Accumulator{Value: acc.Value.Add(one), Count: acc.Count + 1}
}

func (countFn) Result(acc Accumulator) decimal.Decimal { return acc.Value }

// avgFn keeps the running sum in Value.
type avgFn struct{}

func (avgFn) Name() string { return FnAvg }

func (avgFn) Initial(x decimal.Decimal) Accumulator {
	return Accumulator{Value: x, Count: 1}
}

func (avgFn) Combine(acc Accumulator, x decimal.Decimal) Accumulator {
	return Accumulator{Value: acc.Value.Add(x), Count: acc.Count + 1}
}

func (avgFn) Result(acc Accumulator) decimal.Decimal {
	if acc.Count == 0 {
		return decimal.Zero
	}
	return acc.Value.Div(decimal.NewFromInt(acc.Count))
}
