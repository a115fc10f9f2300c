package cep

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
	"github.com/randalmurphal/streamcep/pkg/cep/buffer"
)

// Run is one in-flight candidate match: a stage, the buffer version holding
// the events taken so far, and the aggregates over them.
// Runs are values; advancing a run produces a new Run.
type Run struct {
	ID         string              `json:"id"`
	Stage      StageID             `json:"stage"`
	Buffer     buffer.VersionID    `json:"buffer"`
	Aggregates aggregate.VersionID `json:"aggregates"`
	// Start is the timestamp of the run's first event.
	Start time.Time `json:"start"`
}

// MatchedEvent is one event of a completed match.
type MatchedEvent[V any] struct {
	// Stage is the pattern element that took the event.
	Stage     string
	Timestamp time.Time
	Value     V
}

// Match is a completed pattern instance.
type Match[V any] struct {
	Pattern string
	Key     string
	// Events are in the order they were taken.
	Events []MatchedEvent[V]
	// Aggregates holds every aggregate folded over the match.
	Aggregates map[string]decimal.Decimal
}

// Values returns the matched event values in order.
func (m Match[V]) Values() []V {
	out := make([]V, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Value
	}
	return out
}

// ByStage returns the values taken by the named pattern element.
func (m Match[V]) ByStage(element string) []V {
	var out []V
	for _, e := range m.Events {
		if e.Stage == element {
			out = append(out, e.Value)
		}
	}
	return out
}

// PruneCounts breaks down the runs pruned in one step.
type PruneCounts struct {
	// Expired runs exceeded the window.
	Expired int
	// Mismatch runs had no viable edge for the event.
	Mismatch int
	// Negated runs met an event a negated element forbids.
	Negated int
	// Errored runs failed a predicate or aggregate evaluation.
	Errored int
	// Capped runs were dropped to honor the per-key run limit.
	Capped int
}

// Total returns the number of pruned runs.
func (p PruneCounts) Total() int {
	return p.Expired + p.Mismatch + p.Negated + p.Errored + p.Capped
}

// StepResult is the outcome of feeding one event to a key's runs.
type StepResult[V any] struct {
	// Runs is the key's new run set.
	Runs []Run
	// Matches are the completed matches, in production order.
	Matches []Match[V]
	Pruned  PruneCounts
	// Errors are the isolated predicate failures, each a *PredicateError.
	Errors []error
}
