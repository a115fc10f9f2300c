package cep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
	"github.com/randalmurphal/streamcep/pkg/cep/buffer"
)

// event is the test event type.
type event struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func is(name string) Predicate[event] {
	return When(func(e event) bool { return e.Name == name })
}

func valueOf(e event) (decimal.Decimal, error) {
	return decimal.NewFromInt(e.Value), nil
}

// harness drives an NFA directly, keeping each key's runs in memory.
type harness struct {
	t       *testing.T
	nfa     *NFA[event]
	buf     *buffer.Buffer
	tracker *aggregate.Tracker
	runs    map[string][]Run
	matches []Match[event]
	errors  []error
	pruned  PruneCounts
	clock   int
}

func newHarness(t *testing.T, p *Pattern[event], opts ...Option) *harness {
	t.Helper()
	stages, err := Compile(p)
	require.NoError(t, err)

	buf := buffer.New("buffer")
	tracker := aggregate.NewTracker("aggregates", stages.Functions())
	nfa, err := NewNFA(stages, buf, tracker, opts...)
	require.NoError(t, err)
	return &harness{t: t, nfa: nfa, buf: buf, tracker: tracker, runs: make(map[string][]Run)}
}

// feed steps key with events one second apart.
func (h *harness) feed(key string, events ...event) []Match[event] {
	h.t.Helper()
	var out []Match[event]
	for _, e := range events {
		h.clock++
		out = append(out, h.feedAt(key, e, at(h.clock))...)
	}
	return out
}

func (h *harness) feedAt(key string, e event, ts time.Time) []Match[event] {
	h.t.Helper()
	res, err := h.nfa.Step(context.Background(), key, e, ts, h.runs[key])
	require.NoError(h.t, err)
	h.runs[key] = res.Runs
	h.matches = append(h.matches, res.Matches...)
	h.errors = append(h.errors, res.Errors...)
	h.pruned.Expired += res.Pruned.Expired
	h.pruned.Mismatch += res.Pruned.Mismatch
	h.pruned.Negated += res.Pruned.Negated
	h.pruned.Errored += res.Pruned.Errored
	h.pruned.Capped += res.Pruned.Capped
	h.checkRefcounts()
	return res.Matches
}

// checkRefcounts asserts every live buffer version is referenced exactly by
// the runs pointing at it plus its live children, and that every aggregate
// version is referenced exactly by its runs.
func (h *harness) checkRefcounts() {
	h.t.Helper()
	want := make(map[buffer.VersionID]int)
	wantAgg := make(map[aggregate.VersionID]int)
	for _, runs := range h.runs {
		for _, r := range runs {
			want[r.Buffer]++
			if r.Aggregates != aggregate.None {
				wantAgg[r.Aggregates]++
			}
		}
	}
	for _, v := range h.buf.Versions() {
		parent, err := h.buf.Parent(v)
		require.NoError(h.t, err)
		if parent != buffer.None {
			want[parent]++
		}
	}

	require.Len(h.t, h.buf.Versions(), len(want), "live buffer versions")
	for v, n := range want {
		require.Equal(h.t, n, h.buf.Refs(v), "refcount of buffer version %d", v)
	}
	require.Equal(h.t, len(wantAgg), h.tracker.Len(), "live aggregate versions")
	for v, n := range wantAgg {
		require.Equal(h.t, n, h.tracker.Refs(v), "refcount of aggregate version %d", v)
	}
}

func (h *harness) releaseAll() {
	h.t.Helper()
	for key, runs := range h.runs {
		require.NoError(h.t, h.nfa.Release(runs))
		delete(h.runs, key)
	}
}

func names(m Match[event]) []string {
	out := make([]string, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Value.Name
	}
	return out
}

// collector is a Forwarder that records matches.
type collector[V any] struct {
	mu      sync.Mutex
	matches []Match[V]
}

func (c *collector[V]) Forward(_ context.Context, m Match[V]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches = append(c.matches, m)
	return nil
}

func (c *collector[V]) all() []Match[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Match[V], len(c.matches))
	copy(out, c.matches)
	return out
}
