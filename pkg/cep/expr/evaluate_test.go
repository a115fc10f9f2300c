package expr_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/streamcep/pkg/cep/expr"
)

func TestEval(t *testing.T) {
	vars := map[string]any{
		"type":   "purchase",
		"amount": 42.5,
		"count":  int64(3),
		"ok":     true,
		"note":   "card declined twice",
		"card":   map[string]any{"country": "DE", "limit": 100},
		"agg":    map[string]decimal.Decimal{"total": decimal.NewFromInt(40)},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty", "", false},
		{"string equality", "type == 'purchase'", true},
		{"double quotes", `type == "purchase"`, true},
		{"not equal", "type != 'refund'", true},
		{"numeric gt", "amount > 40", true},
		{"numeric lte", "amount <= 42.5", true},
		{"int vs float equality", "count == 3.0", true},
		{"decimal exactness", "0.3 == 0.30", true},
		{"dotted path", "card.country == 'DE'", true},
		{"nested number", "card.limit >= 100", true},
		{"aggregate reference", "amount > agg.total", true},
		{"contains", "note contains 'declined'", true},
		{"and", "type == 'purchase' and amount > 100", false},
		{"or", "type == 'refund' or amount > 40", true},
		{"or binds weaker than and", "type == 'refund' and amount > 1 or ok", true},
		{"not", "not ok", false},
		{"bang", "!ok", false},
		{"truthy var", "ok", true},
		{"truthy zero", "0", false},
		{"missing var is literal", "missing", true},
		{"negative literal", "-1 < 0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expr.Eval(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEval_NotNumeric(t *testing.T) {
	vars := map[string]any{"type": "purchase"}

	_, err := expr.Eval("type > 3", vars)
	assert.ErrorIs(t, err, expr.ErrNotNumeric)

	_, err = expr.Eval("missing >= 1", vars)
	assert.ErrorIs(t, err, expr.ErrNotNumeric)

	// The error surfaces through boolean operators, unless short-circuited.
	_, err = expr.Eval("type == 'purchase' and type > 3", vars)
	assert.ErrorIs(t, err, expr.ErrNotNumeric)
	ok, err := expr.Eval("type == 'purchase' or type > 3", vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCustomOperator(t *testing.T) {
	e := expr.New(expr.WithCustomOperator("in", func(l, r any) bool {
		for _, s := range strings.Split(r.(string), ",") {
			if s == l {
				return true
			}
		}
		return false
	}))

	ok, err := e.Evaluate("country in 'DE,FR'", map[string]any{"country": "FR"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("country in 'DE,FR'", map[string]any{"country": "US"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompare_UnknownOperator(t *testing.T) {
	_, err := expr.Compare(1, 2, "~=")
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	vars := map[string]any{
		"a":   map[string]any{"b": map[string]any{"c": 1}},
		"x.y": "flat",
	}

	v, ok := expr.Lookup(vars, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = expr.Lookup(vars, "x.y")
	require.True(t, ok)
	assert.Equal(t, "flat", v)

	_, ok = expr.Lookup(vars, "a.z")
	assert.False(t, ok)
	_, ok = expr.Lookup(vars, "a.b.c.d")
	assert.False(t, ok)
	_, ok = expr.Lookup(nil, "a")
	assert.False(t, ok)
}

func TestToDecimal(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{42, "42", true},
		{int64(-7), "-7", true},
		{2.5, "2.5", true},
		{"12.75", "12.75", true},
		{decimal.NewFromInt(9), "9", true},
		{"abc", "0", false},
		{true, "0", false},
		{nil, "0", false},
	}
	for _, tt := range tests {
		got, ok := expr.ToDecimal(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got.String(), "%v", tt.in)
	}
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, expr.IsTruthy(nil))
	assert.False(t, expr.IsTruthy(""))
	assert.False(t, expr.IsTruthy(0.0))
	assert.False(t, expr.IsTruthy(decimal.Zero))
	assert.True(t, expr.IsTruthy("x"))
	assert.True(t, expr.IsTruthy(int64(2)))
	assert.True(t, expr.IsTruthy([]int{}))
}
