// Package observability provides structured logging, metrics, and tracing
// for the CEP engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds record context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "fraud", "KEY_1", 3)
//	enriched.Info("stepping") // includes pattern, key, partition
func EnrichLogger(logger *slog.Logger, pattern, key string, partition int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("pattern", pattern),
		slog.String("key", key),
		slog.Int("partition", partition),
	)
}

// LogCompiled logs a successful pattern compilation.
func LogCompiled(logger *slog.Logger, pattern string, stages, edges int) {
	if logger == nil {
		return
	}
	logger.Info("pattern compiled",
		slog.String("pattern", pattern),
		slog.Int("stages", stages),
		slog.Int("edges", edges),
	)
}

// LogUnreachableStage logs a stage that no run can ever reach.
func LogUnreachableStage(logger *slog.Logger, pattern, stage string) {
	if logger == nil {
		return
	}
	logger.Warn("unreachable stage",
		slog.String("pattern", pattern),
		slog.String("stage", stage),
	)
}

// LogRecordSkipped logs a record without key or value.
func LogRecordSkipped(logger *slog.Logger, topic string) {
	if logger == nil {
		return
	}
	logger.Debug("record skipped: absent key or value",
		slog.String("topic", topic),
	)
}

// LogRecordDropped logs a record rejected by the staleness guard.
func LogRecordDropped(logger *slog.Logger, key, topic string, ts, watermark time.Time) {
	if logger == nil {
		return
	}
	logger.Debug("stale record dropped",
		slog.String("key", key),
		slog.String("topic", topic),
		slog.Time("timestamp", ts),
		slog.Time("watermark", watermark),
	)
}

// LogMatch logs a completed match.
func LogMatch(logger *slog.Logger, pattern, key string, events int) {
	if logger == nil {
		return
	}
	logger.Info("pattern matched",
		slog.String("pattern", pattern),
		slog.String("key", key),
		slog.Int("events", events),
	)
}

// LogPredicateError logs a predicate or aggregate failure. The offending run
// is pruned; processing continues.
func LogPredicateError(logger *slog.Logger, key, stage string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("predicate failed, run pruned",
		slog.String("key", key),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// LogRunsReset logs runs discarded because their buffer versions are gone.
func LogRunsReset(logger *slog.Logger, key string, runs int) {
	if logger == nil {
		return
	}
	logger.Warn("run state reset: buffer versions missing",
		slog.String("key", key),
		slog.Int("runs", runs),
	)
}

// LogStep logs the outcome of one step at debug level.
func LogStep(logger *slog.Logger, key string, durationMs float64, active, matches, pruned int) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("key", key),
		slog.Float64("duration_ms", durationMs),
		slog.Int("active_runs", active),
		slog.Int("matches", matches),
		slog.Int("pruned", pruned),
	)
}

// LogProcessError logs a fatal processing error.
func LogProcessError(logger *slog.Logger, key string, err error) {
	if logger == nil {
		return
	}
	logger.Error("record processing failed",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// LogStateRestored logs arenas rebuilt from the store.
func LogStateRestored(logger *slog.Logger, partition, bufferVersions, aggregateVersions, watermarks int) {
	if logger == nil {
		return
	}
	logger.Info("state restored",
		slog.Int("partition", partition),
		slog.Int("buffer_versions", bufferVersions),
		slog.Int("aggregate_versions", aggregateVersions),
		slog.Int("watermarks", watermarks),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
