package cep

import (
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
)

// FinalStageName is the name of the synthetic accepting stage.
const FinalStageName = "$final"

// StageID identifies a stage within one compiled pattern.
type StageID int

// Role is the part a stage plays in the automaton.
type Role int

const (
	RoleNormal Role = iota
	RoleStart
	RoleFinal
	RoleNegated
)

func (r Role) String() string {
	switch r {
	case RoleNormal:
		return "normal"
	case RoleStart:
		return "start"
	case RoleFinal:
		return "final"
	case RoleNegated:
		return "negated"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// EdgeKind labels a transition.
type EdgeKind int

const (
	// EdgeTake consumes the event and advances.
	EdgeTake EdgeKind = iota
	// EdgeProceed advances without consuming.
	EdgeProceed
	// EdgeIgnore consumes the event and stays.
	EdgeIgnore
	// EdgeBegin starts a fresh run at a start stage.
	EdgeBegin
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeTake:
		return "take"
	case EdgeProceed:
		return "proceed"
	case EdgeIgnore:
		return "ignore"
	case EdgeBegin:
		return "begin"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// Edge is a labeled transition between stages.
type Edge struct {
	From StageID
	To   StageID
	Kind EdgeKind
	// Always marks an IGNORE edge that retains the run even when the run
	// also took the event.
	Always bool
}

func (e Edge) String() string {
	return fmt.Sprintf("%d -%s-> %d", e.From, e.Kind, e.To)
}

// Stage is one node of the compiled automaton.
type Stage[V any] struct {
	ID   StageID
	Name string
	// Element is the declared element the stage was expanded from. Matched
	// events are labeled with it.
	Element    string
	Role       Role
	Quantifier QuantifierKind
	Predicate  Predicate[V]
	Folds      []string
	Edges      []Edge

	accepting bool
}

// Accepting reports whether FINAL is reachable from the stage without
// consuming input.
func (s *Stage[V]) Accepting() bool { return s.accepting }

// closureEntry is a stage reachable by PROCEED edges, together with the
// negated stages crossed on the way.
type closureEntry struct {
	id  StageID
	via []StageID
}

// Stages is the immutable compiled form of a pattern. It is shared read-only
// by every processor running the pattern.
type Stages[V any] struct {
	pattern    string
	window     time.Duration
	skip       SkipStrategy
	stages     []*Stage[V]
	start      []StageID
	first      StageID
	final      StageID
	aggregates map[string]AggregateDecl[V]
	functions  map[string]aggregate.Function
	closures   [][]closureEntry
}

// Pattern returns the pattern name.
func (s *Stages[V]) Pattern() string { return s.pattern }

// Window returns the pattern window. Zero means unbounded.
func (s *Stages[V]) Window() time.Duration { return s.window }

// Skip returns the skip strategy the edges were generated for.
func (s *Stages[V]) Skip() SkipStrategy { return s.skip }

// Len returns the number of stages, FINAL included.
func (s *Stages[V]) Len() int { return len(s.stages) }

// Stage returns the stage with the given id.
func (s *Stages[V]) Stage(id StageID) (*Stage[V], bool) {
	if id < 0 || int(id) >= len(s.stages) {
		return nil, false
	}
	return s.stages[id], true
}

// ByName returns the stage with the given name.
func (s *Stages[V]) ByName(name string) (*Stage[V], bool) {
	for _, st := range s.stages {
		if st.Name == name {
			return st, true
		}
	}
	return nil, false
}

// Start returns the start stages: the PROCEED-closure of the first element.
func (s *Stages[V]) Start() []StageID {
	out := make([]StageID, len(s.start))
	copy(out, s.start)
	return out
}

// Final returns the id of the synthetic FINAL stage.
func (s *Stages[V]) Final() StageID { return s.final }

// Edges returns every edge of the automaton.
func (s *Stages[V]) Edges() []Edge {
	var out []Edge
	for _, st := range s.stages {
		out = append(out, st.Edges...)
	}
	return out
}

// Functions returns the aggregate functions keyed by aggregate name.
func (s *Stages[V]) Functions() map[string]aggregate.Function {
	out := make(map[string]aggregate.Function, len(s.functions))
	for k, v := range s.functions {
		out[k] = v
	}
	return out
}

// String renders the stage table, one stage per line.
func (s *Stages[V]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pattern %s (skip=%s window=%s)\n", s.pattern, s.skip, s.window)
	for _, st := range s.stages {
		fmt.Fprintf(&b, "  %d %s [%s]", st.ID, st.Name, st.Role)
		for _, e := range st.Edges {
			fmt.Fprintf(&b, " %s->%d", e.Kind, e.To)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// edgesOf returns the outgoing edges of kind from stage id.
func (s *Stages[V]) edgesOf(id StageID, kind EdgeKind) []Edge {
	var out []Edge
	for _, e := range s.stages[id].Edges {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// proceedClosure returns every stage reachable from id over PROCEED edges,
// id first, in breadth-first order.
func proceedClosure[V any](stages []*Stage[V], id StageID) []closureEntry {
	out := []closureEntry{{id: id}}
	seen := map[StageID]bool{id: true}
	for i := 0; i < len(out); i++ {
		cur := out[i]
		st := stages[cur.id]
		via := cur.via
		if st.Role == RoleNegated {
			via = append(append([]StageID{}, cur.via...), cur.id)
		}
		for _, e := range st.Edges {
			if e.Kind != EdgeProceed || seen[e.To] {
				continue
			}
			seen[e.To] = true
			out = append(out, closureEntry{id: e.To, via: via})
		}
	}
	return out
}
