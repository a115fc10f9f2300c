package cep

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
)

// FieldFunc extracts the value an aggregate folds from an event.
type FieldFunc[V any] func(event V) (decimal.Decimal, error)

// AggregateDecl declares a named aggregate over the events of a match.
type AggregateDecl[V any] struct {
	Name     string
	Function aggregate.Function
	// Field may be nil for functions that ignore their input, such as count.
	Field FieldFunc[V]
}

// Element is one declared step of a pattern.
type Element[V any] struct {
	Name       string
	Quantifier Quantifier
	Predicate  Predicate[V]
	// Negated elements must not occur between their neighbours.
	Negated bool
	// Folds lists the aggregates updated with every event this element takes.
	Folds []string
}

// Pattern is the immutable description of what to match: a sequence of
// elements, a window, a skip strategy, and aggregate declarations.
// Build one with NewPattern and compile it with Compile.
type Pattern[V any] struct {
	name       string
	elements   []Element[V]
	window     time.Duration
	skip       SkipStrategy
	aggregates []AggregateDecl[V]
}

// Name returns the pattern name.
func (p *Pattern[V]) Name() string { return p.name }

// Elements returns a copy of the declared elements.
func (p *Pattern[V]) Elements() []Element[V] {
	out := make([]Element[V], len(p.elements))
	for i, e := range p.elements {
		e.Folds = slices.Clone(e.Folds)
		out[i] = e
	}
	return out
}

// Window returns the maximum time between a run's first and last event.
// Zero means unbounded.
func (p *Pattern[V]) Window() time.Duration { return p.window }

// Skip returns the skip strategy.
func (p *Pattern[V]) Skip() SkipStrategy { return p.skip }

// Aggregates returns a copy of the aggregate declarations.
func (p *Pattern[V]) Aggregates() []AggregateDecl[V] { return slices.Clone(p.aggregates) }

// PatternBuilder is a mutable builder for patterns.
// It is NOT thread-safe; build on one goroutine, then call Build.
//
// Example:
//
//	p := cep.NewPattern[Txn]("drain").
//	    Begin("small", cep.When(func(t Txn) bool { return t.Amount < 10 })).
//	    Then("more", cep.When(func(t Txn) bool { return t.Amount < 10 })).OneOrMore().Fold("total").
//	    Then("big", bigAfterSmalls).
//	    Aggregate("total", aggregate.Sum, amount).
//	    Within(10 * time.Minute).
//	    Skip(cep.SkipTillNext).
//	    Build()
//
// Misuse that no data can cause (a quantifier before any element, a
// negative window) panics. Everything else is reported by Compile.
type PatternBuilder[V any] struct {
	p Pattern[V]
}

// NewPattern starts a pattern called name.
func NewPattern[V any](name string) *PatternBuilder[V] {
	return &PatternBuilder[V]{p: Pattern[V]{name: name}}
}

// Begin declares the first element. It must be called before anything else.
func (b *PatternBuilder[V]) Begin(name string, pred Predicate[V]) *PatternBuilder[V] {
	if len(b.p.elements) > 0 {
		panic("cep: Begin must declare the first element")
	}
	return b.Then(name, pred)
}

// Then appends an element that must follow the previous one.
func (b *PatternBuilder[V]) Then(name string, pred Predicate[V]) *PatternBuilder[V] {
	if name == "" {
		panic("cep: element name cannot be empty")
	}
	b.p.elements = append(b.p.elements, Element[V]{
		Name:       name,
		Quantifier: Quantifier{Kind: One},
		Predicate:  pred,
	})
	return b
}

// Not appends a negated element: a match fails if an event satisfying pred
// occurs between the previous element and the next one.
func (b *PatternBuilder[V]) Not(name string, pred Predicate[V]) *PatternBuilder[V] {
	b.Then(name, pred)
	b.last().Negated = true
	return b
}

// Optional makes the last element optional.
func (b *PatternBuilder[V]) Optional() *PatternBuilder[V] {
	return b.quantify(Quantifier{Kind: Optional})
}

// OneOrMore lets the last element repeat, at least once.
func (b *PatternBuilder[V]) OneOrMore() *PatternBuilder[V] {
	return b.quantify(Quantifier{Kind: OneOrMore})
}

// ZeroOrMore lets the last element repeat any number of times.
func (b *PatternBuilder[V]) ZeroOrMore() *PatternBuilder[V] {
	return b.quantify(Quantifier{Kind: ZeroOrMore})
}

// Times makes the last element consume exactly n events.
func (b *PatternBuilder[V]) Times(n int) *PatternBuilder[V] {
	return b.quantify(Quantifier{Kind: Times, N: n})
}

// Where narrows the last element's predicate.
func (b *PatternBuilder[V]) Where(pred Predicate[V]) *PatternBuilder[V] {
	e := b.last()
	if e.Predicate == nil {
		e.Predicate = pred
	} else {
		e.Predicate = And(e.Predicate, pred)
	}
	return b
}

// Fold makes the last element update the named aggregates with every event
// it takes.
func (b *PatternBuilder[V]) Fold(aggregates ...string) *PatternBuilder[V] {
	e := b.last()
	e.Folds = append(e.Folds, aggregates...)
	return b
}

// Aggregate declares a named aggregate. field extracts the folded value.
func (b *PatternBuilder[V]) Aggregate(name string, fn aggregate.Function, field FieldFunc[V]) *PatternBuilder[V] {
	b.p.aggregates = append(b.p.aggregates, AggregateDecl[V]{Name: name, Function: fn, Field: field})
	return b
}

// Within bounds the time between a run's first and last event.
// Zero (the default) means unbounded.
func (b *PatternBuilder[V]) Within(window time.Duration) *PatternBuilder[V] {
	if window < 0 {
		panic(fmt.Sprintf("cep: negative window %s", window))
	}
	b.p.window = window
	return b
}

// Skip sets the skip strategy. Default: SkipStrict.
func (b *PatternBuilder[V]) Skip(s SkipStrategy) *PatternBuilder[V] {
	b.p.skip = s
	return b
}

// Build returns the immutable pattern. The builder may be reused afterwards
// without affecting it.
func (b *PatternBuilder[V]) Build() *Pattern[V] {
	p := b.p
	p.elements = (&b.p).Elements()
	p.aggregates = slices.Clone(b.p.aggregates)
	return &p
}

func (b *PatternBuilder[V]) quantify(q Quantifier) *PatternBuilder[V] {
	b.last().Quantifier = q
	return b
}

func (b *PatternBuilder[V]) last() *Element[V] {
	if len(b.p.elements) == 0 {
		panic("cep: no element declared yet")
	}
	return &b.p.elements[len(b.p.elements)-1]
}
