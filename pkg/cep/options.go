package cep

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/streamcep/pkg/cep/observability"
)

type config struct {
	continueAfterMatch bool
	maxRunsPerKey      int
	partition          int
	logger             *slog.Logger
	metrics            observability.MetricsRecorder
	spans              observability.SpanManager
	newID              func() string
	codec              any
	queueSize          int
}

func defaultConfig() config {
	return config{
		partition: -1,
		queueSize: 64,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		newID:     uuid.NewString,
	}
}

func newConfig(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures an NFA, Processor, or Pool.
type Option func(*config)

// WithContinueAfterMatch keeps a run alive after it completes a match when
// it can still be extended, so longer matches are emitted as well.
// Default: a run terminates at its first match.
func WithContinueAfterMatch() Option {
	return func(c *config) {
		c.continueAfterMatch = true
	}
}

// WithMaxRunsPerKey caps the active runs of one key. When a step would
// exceed the cap, the oldest runs are pruned. Default: 0 (no cap).
func WithMaxRunsPerKey(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRunsPerKey = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry tracing.
func WithTracing(s observability.SpanManager) Option {
	return func(c *config) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithRunIDs sets the run id generator. Default: random UUIDs.
func WithRunIDs(fn func() string) Option {
	return func(c *config) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithCodec sets the codec used to store events in the buffer.
// Default: JSONCodec.
func WithCodec[V any](codec Codec[V]) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithQueueSize sets the per-worker record queue and the match channel
// capacity of a Pool. Default: 64.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.queueSize = n
		}
	}
}

// withPartition prefixes every bucket with the partition number.
func withPartition(i int) Option {
	return func(c *config) {
		c.partition = i
	}
}
