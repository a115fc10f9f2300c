package cep

import "fmt"

// QuantifierKind says how many events a pattern element consumes.
type QuantifierKind int

const (
	// One consumes exactly one event.
	One QuantifierKind = iota
	// Optional consumes zero or one event.
	Optional
	// OneOrMore consumes at least one event.
	OneOrMore
	// ZeroOrMore consumes any number of events.
	ZeroOrMore
	// Times consumes exactly N events.
	Times
)

func (k QuantifierKind) String() string {
	switch k {
	case One:
		return "one"
	case Optional:
		return "optional"
	case OneOrMore:
		return "oneOrMore"
	case ZeroOrMore:
		return "zeroOrMore"
	case Times:
		return "times"
	default:
		return fmt.Sprintf("QuantifierKind(%d)", int(k))
	}
}

// Quantifier is a QuantifierKind plus the count for Times.
type Quantifier struct {
	Kind QuantifierKind
	N    int
}

// Min returns the minimum number of events the quantifier consumes.
func (q Quantifier) Min() int {
	switch q.Kind {
	case One, OneOrMore:
		return 1
	case Times:
		return q.N
	default:
		return 0
	}
}

func (q Quantifier) String() string {
	if q.Kind == Times {
		return fmt.Sprintf("times(%d)", q.N)
	}
	return q.Kind.String()
}

// SkipStrategy governs whether events that do not fit may be skipped
// mid-match.
type SkipStrategy int

const (
	// SkipStrict requires matched events to be contiguous.
	SkipStrict SkipStrategy = iota
	// SkipTillNext skips events that fit nowhere, taking the next one that
	// does.
	SkipTillNext
	// SkipTillAny also keeps the run that did not take a fitting event, so
	// every combination of fitting events is explored.
	SkipTillAny
)

var skipStrategyNames = map[SkipStrategy]string{
	SkipStrict:   "strict",
	SkipTillNext: "skip_till_next",
	SkipTillAny:  "skip_till_any",
}

func (s SkipStrategy) String() string {
	if name, ok := skipStrategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SkipStrategy(%d)", int(s))
}

// ParseSkipStrategy parses the String form of a SkipStrategy.
func ParseSkipStrategy(s string) (SkipStrategy, error) {
	for k, name := range skipStrategyNames {
		if name == s {
			return k, nil
		}
	}
	return SkipStrict, fmt.Errorf("unknown skip strategy %q", s)
}
