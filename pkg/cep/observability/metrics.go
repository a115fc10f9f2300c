package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeStale    = "stale"
	OutcomeSkipped  = "skipped"
)

// Prune reasons.
const (
	PruneExpired  = "expired"
	PruneMismatch = "mismatch"
	PruneNegated  = "negated"
	PruneError    = "error"
	PruneCapped   = "capped"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRecord counts one incoming record by outcome.
	RecordRecord(ctx context.Context, topic, outcome string)

	// RecordStep records one NFA step and the change in active runs.
	RecordStep(ctx context.Context, pattern string, duration time.Duration, activeDelta int64)

	// RecordMatches counts completed matches.
	RecordMatches(ctx context.Context, pattern string, n int)

	// RecordPruned counts pruned runs by reason.
	RecordPruned(ctx context.Context, pattern, reason string, n int)

	// RecordPredicateError counts a failed predicate or aggregate evaluation.
	RecordPredicateError(ctx context.Context, pattern, stage string)
}

type otelMetrics struct {
	records         metric.Int64Counter
	matches         metric.Int64Counter
	pruned          metric.Int64Counter
	predicateErrors metric.Int64Counter
	stepLatency     metric.Float64Histogram
	activeRuns      metric.Int64UpDownCounter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("streamcep")

	records, err := meter.Int64Counter("cep.records",
		metric.WithDescription("Number of records handed to the processor"),
	)
	if err != nil {
		return nil, err
	}

	matches, err := meter.Int64Counter("cep.matches",
		metric.WithDescription("Number of completed matches"),
	)
	if err != nil {
		return nil, err
	}

	pruned, err := meter.Int64Counter("cep.runs.pruned",
		metric.WithDescription("Number of runs pruned"),
	)
	if err != nil {
		return nil, err
	}

	predicateErrors, err := meter.Int64Counter("cep.predicate.errors",
		metric.WithDescription("Number of predicate or aggregate evaluation errors"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("cep.step.latency_ms",
		metric.WithDescription("NFA step latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRuns, err := meter.Int64UpDownCounter("cep.runs.active",
		metric.WithDescription("Number of active runs"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		records:         records,
		matches:         matches,
		pruned:          pruned,
		predicateErrors: predicateErrors,
		stepLatency:     stepLatency,
		activeRuns:      activeRuns,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordRecord(ctx context.Context, topic, outcome string) {
	m.records.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordStep(ctx context.Context, pattern string, duration time.Duration, activeDelta int64) {
	attrs := metric.WithAttributes(attribute.String("pattern", pattern))
	m.stepLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if activeDelta != 0 {
		m.activeRuns.Add(ctx, activeDelta, attrs)
	}
}

func (m *otelMetrics) RecordMatches(ctx context.Context, pattern string, n int) {
	if n == 0 {
		return
	}
	m.matches.Add(ctx, int64(n), metric.WithAttributes(attribute.String("pattern", pattern)))
}

func (m *otelMetrics) RecordPruned(ctx context.Context, pattern, reason string, n int) {
	if n == 0 {
		return
	}
	m.pruned.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("pattern", pattern),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordPredicateError(ctx context.Context, pattern, stage string) {
	m.predicateErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pattern", pattern),
		attribute.String("stage", stage),
	))
}
