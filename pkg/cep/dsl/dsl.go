package dsl

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/randalmurphal/streamcep/pkg/cep"
	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
	"github.com/randalmurphal/streamcep/pkg/cep/config"
	"github.com/randalmurphal/streamcep/pkg/cep/expr"
)

// Event is the event type of declarative patterns.
type Event = map[string]any

// ErrInvalidPattern is wrapped by every error describing a malformed file.
var ErrInvalidPattern = errors.New("invalid pattern")

// Quantifier names accepted in pattern files.
const (
	QuantifierOne        = "one"
	QuantifierOptional   = "optional"
	QuantifierOneOrMore  = "one_or_more"
	QuantifierZeroOrMore = "zero_or_more"
	QuantifierTimes      = "times"
)

var (
	patternKeys   = []string{"name", "window", "skip", "params", "aggregates", "stages"}
	stageKeys     = []string{"name", "where", "quantifier", "times", "negated", "aggregates"}
	aggregateKeys = []string{"name", "function", "field"}
)

// Loader turns pattern documents into patterns.
type Loader struct {
	eval *expr.Evaluator
}

// Option configures a Loader.
type Option func(*Loader)

// WithEvaluator sets the evaluator for where conditions, e.g. one with
// custom operators. Default: expr.New().
func WithEvaluator(e *expr.Evaluator) Option {
	return func(l *Loader) {
		if e != nil {
			l.eval = e
		}
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{eval: expr.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads a pattern file (.yaml, .yml or .json).
func Load(path string, opts ...Option) (*cep.Pattern[Event], error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}
	return NewLoader(opts...).FromConfig(cfg)
}

// Parse reads a YAML pattern document.
func Parse(data []byte, opts ...Option) (*cep.Pattern[Event], error) {
	cfg, err := config.FromYAML(data)
	if err != nil {
		return nil, err
	}
	return NewLoader(opts...).FromConfig(cfg)
}

// FromConfig builds a pattern from a decoded document. Every problem found
// is reported, joined with errors.Join.
func (l *Loader) FromConfig(cfg config.Config) (*cep.Pattern[Event], error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidPattern}, args...)...))
	}

	name := cfg.String("name", "")
	if name == "" {
		fail("name is required")
	}
	if extra := cfg.Unknown(patternKeys...); len(extra) > 0 {
		fail("unknown keys %v", extra)
	}

	window := cfg.Duration("window", -1)
	switch {
	case !cfg.Has("window"):
		window = 0
	case window == -1:
		fail("window %v is not a duration", cfg.Raw()["window"])
		window = 0
	case window < 0:
		fail("window %v is negative", window)
		window = 0
	}

	skip := cep.SkipStrict
	if s := cfg.String("skip", ""); s != "" {
		var err error
		if skip, err = cep.ParseSkipStrategy(s); err != nil {
			fail("%v", err)
		}
	}

	params, paramErrs := readParams(cfg)
	for _, err := range paramErrs {
		fail("%v", err)
	}

	b := cep.NewPattern[Event](name)

	aggs, err := cfg.ListErr("aggregates")
	if err != nil {
		fail("%v", err)
	}
	var declared []string
	for i, a := range aggs {
		aggName := a.String("name", "")
		where := fmt.Sprintf("aggregates[%d] (%s)", i, aggName)
		if extra := a.Unknown(aggregateKeys...); len(extra) > 0 {
			fail("%s: unknown keys %v", where, extra)
		}
		if aggName == "" {
			fail("%s: name is required", where)
			continue
		}
		fn, ok := aggregate.Lookup(a.String("function", ""))
		if !ok {
			fail("%s: unknown function %q", where, a.String("function", ""))
			continue
		}
		var field cep.FieldFunc[Event]
		if path := a.String("field", ""); path != "" {
			field = fieldFunc(path)
		} else if fn.Name() != aggregate.FnCount {
			fail("%s: field is required for %s", where, fn.Name())
			continue
		}
		declared = append(declared, aggName)
		b.Aggregate(aggName, fn, field)
	}

	stages, err := cfg.ListErr("stages")
	if err != nil {
		fail("%v", err)
	}
	if len(stages) == 0 {
		fail("at least one stage is required")
	}
	for i, st := range stages {
		stageName := st.String("name", "")
		where := fmt.Sprintf("stages[%d] (%s)", i, stageName)
		if extra := st.Unknown(stageKeys...); len(extra) > 0 {
			fail("%s: unknown keys %v", where, extra)
		}
		if stageName == "" {
			fail("%s: name is required", where)
			continue
		}

		pred := l.predicate(st.String("where", ""), declared, params)
		switch {
		case st.Bool("negated", false):
			b.Not(stageName, pred)
		case i == 0:
			b.Begin(stageName, pred)
		default:
			b.Then(stageName, pred)
		}

		if err := quantify(b, st); err != nil {
			fail("%s: %v", where, err)
		}
		if folds := st.StringSlice("aggregates", nil); len(folds) > 0 {
			b.Fold(folds...)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b.Within(window).Skip(skip).Build(), nil
}

func quantify(b *cep.PatternBuilder[Event], st config.Config) error {
	q := st.String("quantifier", "")
	if q == "" && st.Has("times") {
		q = QuantifierTimes
	}
	switch q {
	case "", QuantifierOne:
	case QuantifierOptional:
		b.Optional()
	case QuantifierOneOrMore:
		b.OneOrMore()
	case QuantifierZeroOrMore:
		b.ZeroOrMore()
	case QuantifierTimes:
		n := st.Int("times", 0)
		if n < 1 {
			return fmt.Errorf("times must be a positive integer, got %v", st.Raw()["times"])
		}
		b.Times(n)
	default:
		return fmt.Errorf("unknown quantifier %q", q)
	}
	return nil
}

// readParams reads the named constants where conditions reach as
// params.<name>. Numbers become decimals; strings and booleans are kept.
func readParams(cfg config.Config) (map[string]any, []error) {
	if !cfg.Has("params") {
		return nil, nil
	}
	if _, ok := cfg.Raw()["params"].(map[string]any); !ok {
		return nil, []error{fmt.Errorf("params must be a map, got %v", cfg.Raw()["params"])}
	}
	section := cfg.Section("params")
	out := make(map[string]any, len(section.Raw()))
	var errs []error
	for _, name := range section.Unknown() {
		switch v := section.Raw()[name].(type) {
		case string, bool:
			out[name] = v
		case int, int64, float64, json.Number:
			out[name] = section.Decimal(name, decimal.Zero)
		default:
			errs = append(errs, fmt.Errorf("params.%s: unsupported value %v", name, v))
		}
	}
	return out, errs
}

// predicate evaluates where against the event fields plus an "agg" map of
// the aggregates folded so far and the "params" map. An empty condition
// accepts every event.
func (l *Loader) predicate(where string, aggs []string, params map[string]any) cep.Predicate[Event] {
	if where == "" {
		return cep.Always[Event]()
	}
	eval := l.eval
	return cep.PredicateFunc[Event](func(ctx *cep.EvalContext, e Event) (bool, error) {
		vars := make(map[string]any, len(e)+2)
		for k, v := range e {
			vars[k] = v
		}
		if len(aggs) > 0 {
			values := make(map[string]any, len(aggs))
			for _, name := range aggs {
				if v, ok := ctx.Aggregate(name); ok {
					values[name] = v
				}
			}
			vars["agg"] = values
		}
		if params != nil {
			vars["params"] = params
		}
		return eval.Evaluate(where, vars)
	})
}

// fieldFunc extracts the number at a dotted path.
func fieldFunc(path string) cep.FieldFunc[Event] {
	return func(e Event) (decimal.Decimal, error) {
		v, ok := expr.Lookup(e, path)
		if !ok {
			return decimal.Zero, fmt.Errorf("field %s missing", path)
		}
		d, ok := expr.ToDecimal(v)
		if !ok {
			return decimal.Zero, fmt.Errorf("field %s: %w: %v", path, expr.ErrNotNumeric, v)
		}
		return d, nil
	}
}
