package dsl_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/streamcep/pkg/cep"
	"github.com/randalmurphal/streamcep/pkg/cep/dsl"
	"github.com/randalmurphal/streamcep/pkg/cep/expr"
	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

const cardTesting = `
name: card-testing
window: 10m
skip: skip_till_next
aggregates:
  - name: spent
    function: sum
    field: amount
  - name: attempts
    function: count
stages:
  - name: small
    where: type == 'purchase' and amount < 5
    quantifier: one_or_more
    aggregates: [spent, attempts]
  - name: reset
    negated: true
    where: type == 'password_reset'
  - name: large
    where: type == 'purchase' and amount > 500 and agg.attempts >= 3
`

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func purchase(amount float64) dsl.Event {
	return dsl.Event{"type": "purchase", "amount": amount}
}

// run feeds events one second apart for a single key and returns the matches.
func run(t *testing.T, p *cep.Pattern[dsl.Event], events ...dsl.Event) []cep.Match[dsl.Event] {
	t.Helper()
	stages, err := cep.Compile(p)
	require.NoError(t, err)

	var matches []cep.Match[dsl.Event]
	fwd := cep.ForwarderFunc[dsl.Event](func(_ context.Context, m cep.Match[dsl.Event]) error {
		matches = append(matches, m)
		return nil
	})
	proc, err := cep.NewProcessor(stages, state.NewMemoryStore(), fwd)
	require.NoError(t, err)

	for i, e := range events {
		rec := cep.Record[dsl.Event]{Key: "card-1", Value: e, Timestamp: t0.Add(time.Duration(i) * time.Second), Topic: "payments"}
		require.NoError(t, proc.Process(context.Background(), rec))
	}
	return matches
}

func TestParse(t *testing.T) {
	p, err := dsl.Parse([]byte(cardTesting))
	require.NoError(t, err)

	assert.Equal(t, "card-testing", p.Name())
	assert.Equal(t, 10*time.Minute, p.Window())
	assert.Equal(t, cep.SkipTillNext, p.Skip())

	elements := p.Elements()
	require.Len(t, elements, 3)
	assert.Equal(t, cep.OneOrMore, elements[0].Quantifier.Kind)
	assert.Equal(t, []string{"spent", "attempts"}, elements[0].Folds)
	assert.True(t, elements[1].Negated)
	assert.Len(t, p.Aggregates(), 2)
}

func TestParse_Matches(t *testing.T) {
	p, err := dsl.Parse([]byte(cardTesting))
	require.NoError(t, err)

	matches := run(t, p, purchase(1), purchase(2), purchase(3), purchase(600))
	require.Len(t, matches, 1)
	m := matches[0]
	require.Len(t, m.Events, 4)
	assert.Equal(t, "large", m.Events[3].Stage)
	assert.Equal(t, json.Number("600"), m.Events[3].Value["amount"])
	assert.Equal(t, "6", m.Aggregates["spent"].String())
	assert.Equal(t, "3", m.Aggregates["attempts"].String())
}

func TestParse_NegatedStageBlocks(t *testing.T) {
	p, err := dsl.Parse([]byte(cardTesting))
	require.NoError(t, err)

	matches := run(t, p,
		purchase(1), purchase(2), purchase(3),
		dsl.Event{"type": "password_reset"},
		purchase(600),
	)
	assert.Empty(t, matches)
}

func TestParse_TooFewAttempts(t *testing.T) {
	p, err := dsl.Parse([]byte(cardTesting))
	require.NoError(t, err)

	assert.Empty(t, run(t, p, purchase(1), purchase(2), purchase(600)))
}

func TestParse_FieldErrorsAreIsolated(t *testing.T) {
	p, err := dsl.Parse([]byte(cardTesting))
	require.NoError(t, err)

	// The event without an amount fails the small stage's condition; the
	// processor keeps going.
	matches := run(t, p, dsl.Event{"type": "purchase"}, purchase(1), purchase(1), purchase(1), purchase(900))
	assert.Len(t, matches, 1)
}

func TestParse_NestedFieldsAndTimes(t *testing.T) {
	p, err := dsl.Parse([]byte(`
name: travel
aggregates:
  - name: top
    function: max
    field: card.amount
stages:
  - name: abroad
    where: card.country != 'US'
    times: 2
    aggregates: top
  - name: home
    where: card.country == 'US' and card.amount > agg.top
`))
	require.NoError(t, err)
	assert.Equal(t, cep.Times, p.Elements()[0].Quantifier.Kind)

	card := func(country string, amount int) dsl.Event {
		return dsl.Event{"card": map[string]any{"country": country, "amount": amount}}
	}
	matches := run(t, p, card("DE", 10), card("FR", 30), card("US", 40))
	require.Len(t, matches, 1)
	assert.Equal(t, "30", matches[0].Aggregates["top"].String())
}

func TestParse_EmptyWhereAcceptsEverything(t *testing.T) {
	p, err := dsl.Parse([]byte("name: any\nstages:\n  - name: x\n"))
	require.NoError(t, err)
	assert.Len(t, run(t, p, dsl.Event{"a": 1}, dsl.Event{"b": 2}), 2)
}

func TestParse_Errors(t *testing.T) {
	_, err := dsl.Parse([]byte(`
windw: 5m
window: soon
skip: sometimes
aggregates:
  - name: total
    function: median
  - name: spent
    function: sum
  - function: count
stages:
  - name: a
    quantifier: lots
  - name: b
    times: 0
  - where: x == 1
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dsl.ErrInvalidPattern))

	for _, want := range []string{
		"name is required",
		"unknown keys [windw]",
		"window soon is not a duration",
		`unknown skip strategy "sometimes"`,
		`unknown function "median"`,
		"field is required for sum",
		"aggregates[2] (): name is required",
		`unknown quantifier "lots"`,
		"times must be a positive integer",
		"stages[2] (): name is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParse_Params(t *testing.T) {
	p, err := dsl.Parse([]byte(`
name: big-spender
params:
  threshold: 500
  region: eu
  strict: true
stages:
  - name: large
    where: amount > params.threshold and region == params.region and params.strict
`))
	require.NoError(t, err)

	matches := run(t, p,
		dsl.Event{"amount": 600.0, "region": "us"},
		dsl.Event{"amount": 400.0, "region": "eu"},
		dsl.Event{"amount": 600.0, "region": "eu"},
	)
	require.Len(t, matches, 1)
	assert.Equal(t, "eu", matches[0].Events[0].Value["region"])

	_, err = dsl.Parse([]byte("name: p\nparams: 3\nstages:\n  - name: a\n"))
	assert.ErrorContains(t, err, "params must be a map")

	_, err = dsl.Parse([]byte("name: p\nparams:\n  ids: [1, 2]\nstages:\n  - name: a\n"))
	assert.ErrorContains(t, err, "params.ids: unsupported value")
	assert.True(t, errors.Is(err, dsl.ErrInvalidPattern))
}

func TestLoad_JSONParamsAreExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.json")
	doc := `{"name": "id", "params": {"id": 9007199254740993}, "stages": [{"name": "hit", "where": "id == params.id"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := dsl.Load(path)
	require.NoError(t, err)

	matches := run(t, p,
		dsl.Event{"id": float64(9007199254740992)},
		dsl.Event{"id": json.Number("9007199254740993")},
	)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Events, 1)
}

func TestParse_NoStages(t *testing.T) {
	_, err := dsl.Parse([]byte("name: empty\n"))
	assert.ErrorContains(t, err, "at least one stage is required")

	_, err = dsl.Parse([]byte("name: bad\nstages: nope\n"))
	assert.ErrorContains(t, err, "expected a list")
}

func TestParse_StructuralErrorsSurfaceAtCompile(t *testing.T) {
	p, err := dsl.Parse([]byte(`
name: neg-last
stages:
  - name: a
  - name: b
    negated: true
`))
	require.NoError(t, err)

	_, err = cep.Compile(p)
	assert.ErrorIs(t, err, &cep.PatternCompilationError{Kind: cep.KindInvalidNegation})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cardTesting), 0o600))

	p, err := dsl.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "card-testing", p.Name())

	jsonPath := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name": "j", "stages": [{"name": "x", "where": "v > 1"}]}`), 0o600))
	p, err = dsl.Load(jsonPath)
	require.NoError(t, err)
	assert.Len(t, run(t, p, dsl.Event{"v": 1}, dsl.Event{"v": 2}), 1)

	_, err = dsl.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWithEvaluator(t *testing.T) {
	eval := expr.New(expr.WithCustomOperator("startswith", func(l, r any) bool {
		ls, _ := l.(string)
		rs, _ := r.(string)
		return strings.HasPrefix(ls, rs)
	}))
	p, err := dsl.Parse([]byte(`
name: prefix
stages:
  - name: admin
    where: user startswith 'admin-'
`), dsl.WithEvaluator(eval))
	require.NoError(t, err)

	matches := run(t, p, dsl.Event{"user": "bob"}, dsl.Event{"user": "admin-alice"})
	require.Len(t, matches, 1)
	assert.Equal(t, "admin-alice", matches[0].Events[0].Value["user"])
}
