package cep

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
	"github.com/randalmurphal/streamcep/pkg/cep/buffer"
	"github.com/randalmurphal/streamcep/pkg/cep/observability"
	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

// Record is one keyed event handed to the processor by the host.
type Record[V any] struct {
	Key       string
	Value     V
	Timestamp time.Time
	// Topic is the source the record was read from. The staleness guard is
	// scoped to it.
	Topic string
}

// Forwarder receives completed matches.
type Forwarder[V any] interface {
	Forward(ctx context.Context, m Match[V]) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc[V any] func(ctx context.Context, m Match[V]) error

// Forward calls f.
func (f ForwarderFunc[V]) Forward(ctx context.Context, m Match[V]) error {
	return f(ctx, m)
}

type buckets struct {
	runs       string
	buffer     string
	aggregates string
	watermarks string
}

func bucketsFor(partition int) buckets {
	name := func(b string) string {
		if partition < 0 {
			return b
		}
		return state.Prefixed(partition, b)
	}
	return buckets{
		runs:       name(state.BucketRuns),
		buffer:     name(state.BucketBuffer),
		aggregates: name(state.BucketAggregates),
		watermarks: name(state.BucketWatermarks),
	}
}

// Processor runs one compiled pattern over records, one at a time.
//
// Each record's run set, buffer versions, aggregate versions and topic
// watermark are committed in one atomic batch before its matches are
// forwarded. A Processor is NOT safe for concurrent use; Pool runs several
// over disjoint keys.
type Processor[V any] struct {
	stages     *Stages[V]
	store      state.Store
	forward    Forwarder[V]
	cfg        config
	buckets    buckets
	nfa        *NFA[V]
	buf        *buffer.Buffer
	tracker    *aggregate.Tracker
	runs       *RunStore
	watermarks map[string]time.Time
	batch      *state.Batch
	failed     error
}

// NewProcessor creates a processor and restores its buffer, aggregates and
// watermarks from store.
func NewProcessor[V any](stages *Stages[V], store state.Store, forward Forwarder[V], opts ...Option) (*Processor[V], error) {
	cfg := newConfig(opts)
	b := bucketsFor(cfg.partition)

	buf, err := buffer.Load(store, b.buffer)
	if err != nil {
		return nil, fmt.Errorf("restore buffer: %w", err)
	}
	tracker, err := aggregate.LoadTracker(store, b.aggregates, stages.Functions())
	if err != nil {
		return nil, fmt.Errorf("restore aggregates: %w", err)
	}
	nfa, err := NewNFA(stages, buf, tracker, opts...)
	if err != nil {
		return nil, err
	}

	p := &Processor[V]{
		stages:     stages,
		store:      store,
		forward:    forward,
		cfg:        cfg,
		buckets:    b,
		nfa:        nfa,
		buf:        buf,
		tracker:    tracker,
		runs:       NewRunStore(store, b.runs, stages),
		watermarks: make(map[string]time.Time),
		batch:      state.NewBatch(),
	}
	if err := p.loadWatermarks(); err != nil {
		return nil, err
	}

	if buf.Len() > 0 || tracker.Len() > 0 || len(p.watermarks) > 0 {
		observability.LogStateRestored(cfg.logger, cfg.partition, buf.Len(), tracker.Len(), len(p.watermarks))
	}
	return p, nil
}

func (p *Processor[V]) loadWatermarks() error {
	return p.store.Scan(p.buckets.watermarks, func(topic string, value []byte) error {
		var ts time.Time
		if err := ts.UnmarshalText(value); err != nil {
			return fmt.Errorf("decode watermark of topic %q: %w", topic, err)
		}
		p.watermarks[topic] = ts
		return nil
	})
}

// Process handles one record.
//
// Records without key or value are ignored without touching the store.
// Records not strictly newer than the last accepted record of their topic
// are dropped without touching the store. Otherwise the key's runs are
// stepped, the new state is committed, and matches are forwarded in the
// order they completed.
//
// A store or bookkeeping failure is fatal: it is returned, and every later
// call fails with ErrProcessorFailed. A forwarding failure is returned
// after the state has been committed.
func (p *Processor[V]) Process(ctx context.Context, rec Record[V]) (err error) {
	if p.failed != nil {
		return fmt.Errorf("%w: %v", ErrProcessorFailed, p.failed)
	}
	if rec.Key == "" || isAbsent(rec.Value) {
		observability.LogRecordSkipped(p.cfg.logger, rec.Topic)
		p.cfg.metrics.RecordRecord(ctx, rec.Topic, observability.OutcomeSkipped)
		return nil
	}
	if wm, ok := p.watermarks[rec.Topic]; ok && !rec.Timestamp.After(wm) {
		observability.LogRecordDropped(p.cfg.logger, rec.Key, rec.Topic, rec.Timestamp, wm)
		p.cfg.metrics.RecordRecord(ctx, rec.Topic, observability.OutcomeStale)
		return nil
	}

	ctx, span := p.cfg.spans.StartProcessSpan(ctx, p.stages.pattern, rec.Key, rec.Topic)
	defer func() { p.cfg.spans.EndSpanWithError(span, err) }()

	matches, err := p.commit(ctx, rec)
	if err != nil {
		p.failed = err
		observability.LogProcessError(p.cfg.logger, rec.Key, err)
		return err
	}
	p.cfg.metrics.RecordRecord(ctx, rec.Topic, observability.OutcomeAccepted)

	for _, m := range matches {
		observability.LogMatch(p.cfg.logger, m.Pattern, m.Key, len(m.Events))
		p.cfg.spans.AddSpanEvent(ctx, "match", attribute.Int("cep.events", len(m.Events)))
		if err := p.forward.Forward(ctx, m); err != nil {
			return fmt.Errorf("forward match for key %q: %w", m.Key, err)
		}
	}
	return nil
}

// commit steps the record's key and writes the resulting state.
func (p *Processor[V]) commit(ctx context.Context, rec Record[V]) ([]Match[V], error) {
	runs, err := p.runs.Load(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	runs, err = p.verify(rec.Key, runs)
	if err != nil {
		return nil, err
	}

	done := observability.TimedOperation()
	stepCtx, stepSpan := p.cfg.spans.StartStepSpan(ctx, p.stages.pattern, len(runs))
	res, err := p.nfa.Step(stepCtx, rec.Key, rec.Value, rec.Timestamp, runs)
	p.cfg.spans.EndSpanWithError(stepSpan, err)
	if err != nil {
		return nil, err
	}
	durationMs := done()

	for _, stepErr := range res.Errors {
		var pe *PredicateError
		stage := ""
		if errors.As(stepErr, &pe) {
			stage = pe.Stage
		}
		observability.LogPredicateError(p.cfg.logger, rec.Key, stage, stepErr)
		p.cfg.metrics.RecordPredicateError(ctx, p.stages.pattern, stage)
	}

	p.batch.Reset()
	if err := p.runs.Save(p.batch, rec.Key, res.Runs); err != nil {
		return nil, err
	}
	if err := p.buf.Flush(p.batch); err != nil {
		return nil, err
	}
	if err := p.tracker.Flush(p.batch); err != nil {
		return nil, err
	}
	wm, err := rec.Timestamp.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("encode watermark: %w", err)
	}
	p.batch.Put(p.buckets.watermarks, rec.Topic, wm)

	if err := p.store.Write(p.batch); err != nil {
		return nil, fmt.Errorf("commit key %q: %w", rec.Key, err)
	}
	p.watermarks[rec.Topic] = rec.Timestamp

	p.recordStep(ctx, res, len(runs), durationMs)
	observability.LogStep(p.cfg.logger, rec.Key, durationMs, len(res.Runs), len(res.Matches), res.Pruned.Total())
	return res.Matches, nil
}

// verify drops every run of key if any of them references a version the
// store no longer has. Runs and buffer are only meaningful together.
func (p *Processor[V]) verify(key string, runs []Run) ([]Run, error) {
	missing := false
	for _, r := range runs {
		if !p.buf.Contains(r.Buffer) || (r.Aggregates != aggregate.None && !p.tracker.Contains(r.Aggregates)) {
			missing = true
			break
		}
	}
	if !missing {
		return runs, nil
	}

	for _, r := range runs {
		if p.buf.Contains(r.Buffer) {
			if err := p.buf.Release(r.Buffer); err != nil {
				return nil, invariant("reset runs", err)
			}
		}
		if p.tracker.Contains(r.Aggregates) {
			if err := p.tracker.Release(r.Aggregates); err != nil {
				return nil, invariant("reset runs", err)
			}
		}
	}
	observability.LogRunsReset(p.cfg.logger, key, len(runs))
	return nil, nil
}

func (p *Processor[V]) recordStep(ctx context.Context, res StepResult[V], before int, durationMs float64) {
	m := p.cfg.metrics
	pattern := p.stages.pattern
	m.RecordStep(ctx, pattern, time.Duration(durationMs*float64(time.Millisecond)), int64(len(res.Runs)-before))
	m.RecordMatches(ctx, pattern, len(res.Matches))
	m.RecordPruned(ctx, pattern, observability.PruneExpired, res.Pruned.Expired)
	m.RecordPruned(ctx, pattern, observability.PruneMismatch, res.Pruned.Mismatch)
	m.RecordPruned(ctx, pattern, observability.PruneNegated, res.Pruned.Negated)
	m.RecordPruned(ctx, pattern, observability.PruneError, res.Pruned.Errored)
	m.RecordPruned(ctx, pattern, observability.PruneCapped, res.Pruned.Capped)
}

// Stages returns the compiled pattern.
func (p *Processor[V]) Stages() *Stages[V] { return p.stages }

// Watermark returns the timestamp of the last record accepted from topic.
func (p *Processor[V]) Watermark(topic string) (time.Time, bool) {
	ts, ok := p.watermarks[topic]
	return ts, ok
}

// BufferVersions returns the number of live buffer versions.
func (p *Processor[V]) BufferVersions() int { return p.buf.Len() }

// AggregateVersions returns the number of live aggregate versions.
func (p *Processor[V]) AggregateVersions() int { return p.tracker.Len() }

// Runs returns the persisted runs of key.
func (p *Processor[V]) Runs(key string) ([]Run, error) { return p.runs.Load(key) }

// isAbsent reports whether v is the zero value of a nilable kind.
func isAbsent[V any](v V) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
