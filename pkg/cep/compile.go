package cep

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/streamcep/pkg/cep/aggregate"
	"github.com/randalmurphal/streamcep/pkg/cep/observability"
)

// Compile validates p and builds its automaton. Every problem found is
// reported; multiple errors are joined together, each a
// *PatternCompilationError.
//
// Compilation is two-pass. Pass one expands every element into stages and
// allocates their ids. Pass two wires edges against the complete id table:
//
//	one          TAKE -> next
//	optional     TAKE -> next, PROCEED -> next
//	oneOrMore    TAKE -> loop; loop: TAKE -> loop, PROCEED -> next
//	zeroOrMore   TAKE -> self, PROCEED -> next
//	times(n)     n chained one stages
//	negated      PROCEED -> next
//
// plus IGNORE self-edges per skip strategy and BEGIN self-edges on start
// stages. Unreachable stages are logged as warnings but do not fail
// compilation. Of the options only WithLogger applies.
func Compile[V any](p *Pattern[V], opts ...Option) (*Stages[V], error) {
	cfg := newConfig(opts)
	if p == nil || len(p.elements) == 0 {
		name := ""
		if p != nil {
			name = p.name
		}
		return nil, &PatternCompilationError{Pattern: name, Kind: KindEmptyPattern}
	}

	errs := checkElements(p)
	errs = append(errs, checkAggregates(p)...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	stages, groups := allocateStages(p)
	if errs := checkStageNames(p.name, stages); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	final := StageID(len(stages) - 1)
	wireEdges(p, stages, groups, final)

	var start []StageID
	for _, entry := range proceedClosure(stages, groups[0].first) {
		start = append(start, entry.id)
	}
	assignRoles(stages, start, final)
	for _, id := range start {
		if id != final {
			stages[id].Edges = append(stages[id].Edges, Edge{From: id, To: id, Kind: EdgeBegin})
		}
	}

	if errs := validate(p.name, stages, start, final); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	compiled := &Stages[V]{
		pattern:    p.name,
		window:     p.window,
		skip:       p.skip,
		stages:     stages,
		start:      start,
		first:      groups[0].first,
		final:      final,
		aggregates: make(map[string]AggregateDecl[V], len(p.aggregates)),
		functions:  make(map[string]aggregate.Function, len(p.aggregates)),
		closures:   make([][]closureEntry, len(stages)),
	}
	for _, decl := range p.aggregates {
		compiled.aggregates[decl.Name] = decl
		compiled.functions[decl.Name] = decl.Function
	}
	for _, st := range stages {
		closure := proceedClosure(stages, st.ID)
		compiled.closures[st.ID] = closure
		for _, entry := range closure {
			if entry.id == final {
				st.accepting = true
			}
		}
	}

	for _, name := range unreachableStages(stages, start) {
		observability.LogUnreachableStage(cfg.logger, p.name, name)
	}
	observability.LogCompiled(cfg.logger, p.name, len(stages), len(compiled.Edges()))
	return compiled, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile[V any](p *Pattern[V], opts ...Option) *Stages[V] {
	s, err := Compile(p, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// stageGroup is the run of stages one element expanded into.
type stageGroup struct {
	first StageID
	last  StageID
}

func checkElements[V any](p *Pattern[V]) []error {
	var errs []error
	fail := func(kind CompileErrorKind, stage, detail string) {
		pe := &PatternCompilationError{Pattern: p.name, Kind: kind, Detail: detail}
		if stage != "" {
			pe.Stages = []string{stage}
		}
		errs = append(errs, pe)
	}

	declared := make(map[string]bool, len(p.aggregates))
	for _, decl := range p.aggregates {
		declared[decl.Name] = true
	}

	seen := make(map[string]bool, len(p.elements))
	for i, e := range p.elements {
		if seen[e.Name] || e.Name == FinalStageName {
			fail(KindDuplicateStage, e.Name, "element names must be unique")
		}
		seen[e.Name] = true

		if e.Predicate == nil {
			fail(KindNilPredicate, e.Name, "")
		}

		switch e.Quantifier.Kind {
		case One, Optional, OneOrMore, ZeroOrMore:
		case Times:
			if e.Quantifier.N < 1 {
				fail(KindInvalidQuantifier, e.Name, fmt.Sprintf("times(%d): count must be at least 1", e.Quantifier.N))
			}
		default:
			fail(KindInvalidQuantifier, e.Name, e.Quantifier.String())
		}

		for _, name := range e.Folds {
			if !declared[name] {
				fail(KindUnknownAggregate, e.Name, fmt.Sprintf("aggregate %q is not declared", name))
			}
		}

		if !e.Negated {
			continue
		}
		switch {
		case i == 0:
			fail(KindInvalidNegation, e.Name, "a pattern cannot begin with a negated element")
		case e.Quantifier.Kind != One:
			fail(KindInvalidNegation, e.Name, "negated elements cannot be quantified")
		case len(e.Folds) > 0:
			fail(KindInvalidNegation, e.Name, "negated elements take no events to fold")
		case !mandatoryAfter(p.elements, i):
			fail(KindInvalidNegation, e.Name, "a negated element must be followed by a mandatory element")
		}
	}
	return errs
}

// mandatoryAfter reports whether some non-negated element after i must
// consume at least one event.
func mandatoryAfter[V any](elements []Element[V], i int) bool {
	for _, e := range elements[i+1:] {
		if !e.Negated && e.Quantifier.Min() > 0 {
			return true
		}
	}
	return false
}

func checkAggregates[V any](p *Pattern[V]) []error {
	var errs []error
	seen := make(map[string]bool, len(p.aggregates))
	for _, decl := range p.aggregates {
		if seen[decl.Name] {
			errs = append(errs, &PatternCompilationError{
				Pattern: p.name, Kind: KindDuplicateAggregate, Detail: fmt.Sprintf("aggregate %q declared twice", decl.Name),
			})
		}
		seen[decl.Name] = true

		switch {
		case decl.Function == nil:
			errs = append(errs, &PatternCompilationError{
				Pattern: p.name, Kind: KindUnknownAggregate, Detail: fmt.Sprintf("aggregate %q has no function", decl.Name),
			})
		case decl.Field == nil && decl.Function.Name() != aggregate.FnCount:
			errs = append(errs, &PatternCompilationError{
				Pattern: p.name, Kind: KindUnknownAggregate, Detail: fmt.Sprintf("aggregate %q has no field", decl.Name),
			})
		}
	}
	return errs
}

// allocateStages is pass one: every element becomes one or more stages with
// stable ids in declaration order, and FINAL is appended last.
func allocateStages[V any](p *Pattern[V]) ([]*Stage[V], []stageGroup) {
	var stages []*Stage[V]
	add := func(name string, e Element[V], q QuantifierKind) StageID {
		id := StageID(len(stages))
		stages = append(stages, &Stage[V]{
			ID:         id,
			Name:       name,
			Element:    e.Name,
			Quantifier: q,
			Predicate:  e.Predicate,
			Folds:      e.Folds,
		})
		return id
	}

	groups := make([]stageGroup, len(p.elements))
	for i, e := range p.elements {
		var g stageGroup
		switch e.Quantifier.Kind {
		case OneOrMore:
			g.first = add(e.Name, e, One)
			g.last = add(e.Name+":loop", e, OneOrMore)
		case Times:
			g.first = add(fmt.Sprintf("%s:1", e.Name), e, One)
			g.last = g.first
			for k := 2; k <= e.Quantifier.N; k++ {
				g.last = add(fmt.Sprintf("%s:%d", e.Name, k), e, One)
			}
		default:
			g.first = add(e.Name, e, e.Quantifier.Kind)
			g.last = g.first
		}
		if e.Negated {
			stages[g.first].Role = RoleNegated
		}
		groups[i] = g
	}

	stages = append(stages, &Stage[V]{
		ID:      StageID(len(stages)),
		Name:    FinalStageName,
		Element: FinalStageName,
		Role:    RoleFinal,
	})
	return stages, groups
}

func checkStageNames[V any](pattern string, stages []*Stage[V]) []error {
	var errs []error
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if seen[st.Name] {
			errs = append(errs, &PatternCompilationError{
				Pattern: pattern, Kind: KindDuplicateStage, Stages: []string{st.Name},
				Detail: "expanded stage name collides with a declared element",
			})
		}
		seen[st.Name] = true
	}
	return errs
}

// wireEdges is pass two.
func wireEdges[V any](p *Pattern[V], stages []*Stage[V], groups []stageGroup, final StageID) {
	link := func(from, to StageID, kind EdgeKind) {
		stages[from].Edges = append(stages[from].Edges, Edge{From: from, To: to, Kind: kind})
	}

	for i, e := range p.elements {
		g := groups[i]
		next := final
		if i+1 < len(groups) {
			next = groups[i+1].first
		}

		switch {
		case e.Negated:
			link(g.first, next, EdgeProceed)
		case e.Quantifier.Kind == One:
			link(g.first, next, EdgeTake)
		case e.Quantifier.Kind == Optional:
			link(g.first, next, EdgeTake)
			link(g.first, next, EdgeProceed)
		case e.Quantifier.Kind == OneOrMore:
			link(g.first, g.last, EdgeTake)
			link(g.last, g.last, EdgeTake)
			link(g.last, next, EdgeProceed)
		case e.Quantifier.Kind == ZeroOrMore:
			link(g.first, g.first, EdgeTake)
			link(g.first, next, EdgeProceed)
		case e.Quantifier.Kind == Times:
			for id := g.first; id < g.last; id++ {
				link(id, id+1, EdgeTake)
			}
			link(g.last, next, EdgeTake)
		}
	}

	if p.skip == SkipStrict {
		return
	}
	for _, st := range stages {
		if st.ID == final {
			continue
		}
		st.Edges = append(st.Edges, Edge{From: st.ID, To: st.ID, Kind: EdgeIgnore, Always: p.skip == SkipTillAny})
	}
}

func assignRoles[V any](stages []*Stage[V], start []StageID, final StageID) {
	for _, id := range start {
		if id != final && stages[id].Role == RoleNormal {
			stages[id].Role = RoleStart
		}
	}
}

// validate checks the wired stage table: no PROCEED-only cycle, FINAL
// reachable from every start stage, and no start stage already accepting.
// Stages unreachable from the start set are logged.
func validate[V any](pattern string, stages []*Stage[V], start []StageID, final StageID) []error {
	var errs []error

	if cycle := findProceedCycle(stages); len(cycle) > 0 {
		names := make([]string, len(cycle))
		for i, id := range cycle {
			names[i] = stages[id].Name
		}
		errs = append(errs, &PatternCompilationError{
			Pattern: pattern, Kind: KindProceedCycle, Stages: names,
			Detail: "stages loop without consuming input",
		})
	}

	for _, id := range start {
		if id == final {
			errs = append(errs, &PatternCompilationError{
				Pattern: pattern, Kind: KindEmptyMatch,
				Detail: "every element is optional",
			})
			break
		}
	}

	for _, id := range start {
		if !reachableFrom(stages, id)[final] {
			errs = append(errs, &PatternCompilationError{
				Pattern: pattern, Kind: KindUnreachableFinal, Stages: []string{stages[id].Name},
			})
		}
	}
	if len(start) == 0 {
		errs = append(errs, &PatternCompilationError{
			Pattern: pattern, Kind: KindUnreachableFinal, Detail: "no start stage",
		})
	}
	return errs
}

// unreachableStages names the stages no start stage reaches.
func unreachableStages[V any](stages []*Stage[V], start []StageID) []string {
	reachable := make(map[StageID]bool)
	for _, id := range start {
		for k := range reachableFrom(stages, id) {
			reachable[k] = true
		}
	}
	var out []string
	for _, st := range stages {
		if !reachable[st.ID] {
			out = append(out, st.Name)
		}
	}
	return out
}

// reachableFrom returns the stages reachable from id over TAKE and PROCEED
// edges, id included.
func reachableFrom[V any](stages []*Stage[V], id StageID) map[StageID]bool {
	seen := map[StageID]bool{id: true}
	queue := []StageID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range stages[cur].Edges {
			if e.Kind != EdgeTake && e.Kind != EdgeProceed {
				continue
			}
			if int(e.To) >= len(stages) || e.To < 0 || seen[e.To] {
				continue
			}
			seen[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return seen
}

// findProceedCycle returns the stages of one cycle made only of PROCEED
// edges, or nil.
func findProceedCycle[V any](stages []*Stage[V]) []StageID {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(stages))
	var path []StageID
	var cycle []StageID

	var visit func(id StageID) bool
	visit = func(id StageID) bool {
		color[id] = grey
		path = append(path, id)
		for _, e := range stages[id].Edges {
			if e.Kind != EdgeProceed || int(e.To) >= len(stages) || e.To < 0 {
				continue
			}
			switch color[e.To] {
			case grey:
				for i, p := range path {
					if p == e.To {
						cycle = append([]StageID{}, path[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(e.To) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for id := range stages {
		if color[id] == white && visit(StageID(id)) {
			return cycle
		}
	}
	return nil
}
