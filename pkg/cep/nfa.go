package cep

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
	"github.com/randalmurphal/streamcep/pkg/cep/buffer"
)

// NFA advances the runs of one key over one event at a time.
//
// An NFA belongs to a single worker. Its buffer and tracker are shared by
// every key that worker owns; it is NOT safe for concurrent use.
type NFA[V any] struct {
	stages  *Stages[V]
	buf     *buffer.Buffer
	tracker *aggregate.Tracker
	codec   Codec[V]
	cfg     config
}

// NewNFA creates an NFA over compiled stages backed by buf and tracker.
// Run WithCodec to change how events are stored; JSON is the default.
func NewNFA[V any](stages *Stages[V], buf *buffer.Buffer, tracker *aggregate.Tracker, opts ...Option) (*NFA[V], error) {
	cfg := newConfig(opts)
	codec, err := codecFrom[V](cfg)
	if err != nil {
		return nil, err
	}
	return &NFA[V]{stages: stages, buf: buf, tracker: tracker, codec: codec, cfg: cfg}, nil
}

func codecFrom[V any](cfg config) (Codec[V], error) {
	if cfg.codec == nil {
		return JSONCodec[V]{}, nil
	}
	codec, ok := cfg.codec.(Codec[V])
	if !ok {
		return nil, fmt.Errorf("codec %T does not encode %T", cfg.codec, *new(V))
	}
	return codec, nil
}

// Stages returns the compiled pattern.
func (n *NFA[V]) Stages() *Stages[V] { return n.stages }

// take is one accepted TAKE: the stage that accepted the event and the
// aggregate updates its folds contribute.
type take struct {
	stage   StageID
	updates []aggregate.Update
}

// Step feeds one event to a key's runs.
//
// Per run, window expiry is checked first: an expired run is released
// without evaluating anything. Otherwise the stages reachable from the
// run's stage without consuming input are evaluated against the event.
// Every accepting stage with a TAKE edge forks the buffer and aggregates
// into a successor run. A negated stage that accepts the event kills every
// path through it. The run itself survives only through an IGNORE edge the
// skip strategy allows. Successors that reach FINAL are materialized into
// matches. Finally a fresh run is attempted from the start stages.
//
// Predicate failures are isolated to the failing run and reported in
// StepResult.Errors. The returned error is non-nil only for fatal
// conditions: an event the codec cannot encode or broken version
// bookkeeping.
func (n *NFA[V]) Step(ctx context.Context, key string, event V, ts time.Time, runs []Run) (StepResult[V], error) {
	var res StepResult[V]
	payload, err := n.codec.Encode(event)
	if err != nil {
		return res, err
	}

	s := &stepper[V]{nfa: n, key: key, event: event, ts: ts, payload: payload, res: &res}
	for _, r := range runs {
		if n.expired(r, ts) {
			if err := n.release(r); err != nil {
				return res, err
			}
			res.Pruned.Expired++
			continue
		}
		if err := s.advance(r, false); err != nil {
			return res, err
		}
	}

	begin := Run{Stage: n.stages.first, Start: ts}
	if err := s.advance(begin, true); err != nil {
		return res, err
	}

	if err := n.enforceCap(&res); err != nil {
		return res, err
	}
	return res, nil
}

// Release drops the buffer and aggregate references of runs, e.g. when a
// key's runs are discarded.
func (n *NFA[V]) Release(runs []Run) error {
	for _, r := range runs {
		if err := n.release(r); err != nil {
			return err
		}
	}
	return nil
}

func (n *NFA[V]) expired(r Run, ts time.Time) bool {
	w := n.stages.window
	return w > 0 && ts.Sub(r.Start) > w
}

func (n *NFA[V]) release(r Run) error {
	if err := n.buf.Release(r.Buffer); err != nil {
		return invariant("release buffer", err)
	}
	if err := n.tracker.Release(r.Aggregates); err != nil {
		return invariant("release aggregates", err)
	}
	return nil
}

// enforceCap prunes the oldest runs beyond the per-key limit.
func (n *NFA[V]) enforceCap(res *StepResult[V]) error {
	limit := n.cfg.maxRunsPerKey
	if limit <= 0 || len(res.Runs) <= limit {
		return nil
	}

	order := make([]int, len(res.Runs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return res.Runs[a].Start.Compare(res.Runs[b].Start)
	})

	drop := make(map[int]bool, len(res.Runs)-limit)
	for _, i := range order[:len(res.Runs)-limit] {
		drop[i] = true
		if err := n.release(res.Runs[i]); err != nil {
			return err
		}
		res.Pruned.Capped++
	}

	kept := res.Runs[:0]
	for i, r := range res.Runs {
		if !drop[i] {
			kept = append(kept, r)
		}
	}
	res.Runs = kept
	return nil
}

// stepper carries the per-event state of one Step.
type stepper[V any] struct {
	nfa     *NFA[V]
	key     string
	event   V
	ts      time.Time
	payload []byte
	res     *StepResult[V]
}

// advance evaluates r against the event. begin marks the virtual run used
// to start new matches; it owns no versions and is never retained.
func (s *stepper[V]) advance(r Run, begin bool) error {
	n := s.nfa
	stages := n.stages.stages
	final := n.stages.final

	var takes []take
	blocked := make(map[StageID]bool)
	negated := false

	for _, entry := range n.stages.closures[r.Stage] {
		if entry.id == final || crosses(entry.via, blocked) {
			continue
		}
		st := stages[entry.id]

		if st.Role == RoleNegated {
			ok, err := s.test(st, r)
			if err != nil {
				return s.fail(r, begin, st, err)
			}
			if ok {
				blocked[st.ID] = true
				negated = true
			}
			continue
		}

		if len(n.stages.edgesOf(st.ID, EdgeTake)) == 0 {
			continue
		}
		ok, err := s.test(st, r)
		if err != nil {
			return s.fail(r, begin, st, err)
		}
		if !ok {
			continue
		}
		updates, err := s.updates(st)
		if err != nil {
			return s.fail(r, begin, st, err)
		}
		takes = append(takes, take{stage: st.ID, updates: updates})
	}

	retain := false
	if !begin && !negated {
		for _, e := range n.stages.edgesOf(r.Stage, EdgeIgnore) {
			if e.Always || len(takes) == 0 {
				retain = true
			}
		}
	}
	if retain {
		s.res.Runs = append(s.res.Runs, r)
	}

	start := r.Start
	if begin {
		start = s.ts
	}
	for _, t := range takes {
		for _, e := range n.stages.edgesOf(t.stage, EdgeTake) {
			if err := s.fork(r, stages[t.stage], e.To, t.updates, start); err != nil {
				return err
			}
		}
	}

	if retain || begin {
		return nil
	}
	if err := n.release(r); err != nil {
		return err
	}
	switch {
	case negated:
		s.res.Pruned.Negated++
	case len(takes) == 0:
		s.res.Pruned.Mismatch++
	}
	return nil
}

// fork creates the successor of r at target after taking the event at st.
func (s *stepper[V]) fork(r Run, st *Stage[V], target StageID, updates []aggregate.Update, start time.Time) error {
	n := s.nfa
	v, err := n.buf.Fork(r.Buffer, buffer.Entry{Stage: st.Element, Timestamp: s.ts, Payload: s.payload})
	if err != nil {
		return invariant("fork buffer", err)
	}
	a, err := n.tracker.Fork(r.Aggregates, updates)
	if err != nil {
		return invariant("fork aggregates", err)
	}
	succ := Run{ID: n.cfg.newID(), Stage: target, Buffer: v, Aggregates: a, Start: start}

	if target != n.stages.final && !n.stages.stages[target].accepting {
		s.res.Runs = append(s.res.Runs, succ)
		return nil
	}

	m, err := n.materialize(s.key, succ)
	if err != nil {
		return err
	}
	s.res.Matches = append(s.res.Matches, m)

	if n.cfg.continueAfterMatch && target != n.stages.final {
		s.res.Runs = append(s.res.Runs, succ)
		return nil
	}
	return n.release(succ)
}

// fail prunes r after a predicate or aggregate failure at st.
// Invariant errors are returned as they are.
func (s *stepper[V]) fail(r Run, begin bool, st *Stage[V], err error) error {
	var inv *InvariantError
	if errors.As(err, &inv) {
		return err
	}
	s.res.Errors = append(s.res.Errors, &PredicateError{Stage: st.Name, RunID: r.ID, Err: err})
	if begin {
		return nil
	}
	s.res.Pruned.Errored++
	return s.nfa.release(r)
}

// test evaluates the stage predicate, turning a panic into an error.
func (s *stepper[V]) test(st *Stage[V], r Run) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()

	tracker := s.nfa.tracker
	var readErr error
	ctx := &EvalContext{
		Key:       s.key,
		Timestamp: s.ts,
		Stage:     st.Element,
		aggregates: func(name string) (decimal.Decimal, bool) {
			v, found, err := tracker.Read(r.Aggregates, name)
			if err != nil {
				if readErr == nil {
					readErr = err
				}
				return decimal.Zero, false
			}
			return v, found
		},
	}
	ok, err = st.Predicate.Test(ctx, s.event)
	switch {
	case errors.Is(readErr, aggregate.ErrUnknownVersion):
		return false, invariant("read aggregate", readErr)
	case readErr != nil:
		return false, readErr
	}
	return ok, err
}

// updates extracts the contribution of the event to every aggregate st folds.
func (s *stepper[V]) updates(st *Stage[V]) (out []aggregate.Update, err error) {
	if len(st.Folds) == 0 {
		return nil, nil
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()

	out = make([]aggregate.Update, 0, len(st.Folds))
	for _, name := range st.Folds {
		decl := s.nfa.stages.aggregates[name]
		value := decimal.Zero
		if decl.Field != nil {
			value, err = decl.Field(s.event)
			if err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", name, err)
			}
		}
		out = append(out, aggregate.Update{Name: name, Value: value})
	}
	return out, nil
}

// materialize rebuilds the match a run completed.
func (n *NFA[V]) materialize(key string, r Run) (Match[V], error) {
	entries, err := n.buf.Materialize(r.Buffer)
	if err != nil {
		return Match[V]{}, invariant("materialize", err)
	}
	events := make([]MatchedEvent[V], len(entries))
	for i, e := range entries {
		v, err := n.codec.Decode(e.Payload)
		if err != nil {
			return Match[V]{}, fmt.Errorf("materialize version %d: %w", r.Buffer, err)
		}
		events[i] = MatchedEvent[V]{Stage: e.Stage, Timestamp: e.Timestamp, Value: v}
	}
	aggs, err := n.tracker.Snapshot(r.Aggregates)
	if err != nil {
		return Match[V]{}, invariant("materialize aggregates", err)
	}
	return Match[V]{Pattern: n.stages.pattern, Key: key, Events: events, Aggregates: aggs}, nil
}

func crosses(via []StageID, blocked map[StageID]bool) bool {
	for _, id := range via {
		if blocked[id] {
			return true
		}
	}
	return false
}
