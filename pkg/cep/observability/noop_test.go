package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordRecord(ctx, "A", OutcomeAccepted)
		m.RecordStep(ctx, "p", time.Millisecond, 1)
		m.RecordMatches(ctx, "p", 1)
		m.RecordPruned(ctx, "p", PruneCapped, 1)
		m.RecordPredicateError(ctx, "p", "s")
	})
}

func TestNoopSpanManager(t *testing.T) {
	sm := NoopSpanManager{}
	ctx := context.Background()

	newCtx, span := sm.StartProcessSpan(ctx, "p", "k", "t")
	assert.Equal(t, ctx, newCtx)
	assert.False(t, span.IsRecording())

	newCtx, span = sm.StartStepSpan(ctx, "p", 0)
	assert.Equal(t, ctx, newCtx)

	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "e", attribute.String("k", "v"))
	})
}
