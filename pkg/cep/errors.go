package cep

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for processing.
var (
	// ErrProcessorFailed indicates an earlier fatal error left the processor's
	// in-memory state out of sync with the store. Rebuild the processor.
	ErrProcessorFailed = errors.New("processor failed")

	// ErrPoolClosed indicates Submit was called after the pool stopped.
	ErrPoolClosed = errors.New("pool closed")

	// ErrUnknownStage indicates a persisted run references a stage the
	// compiled pattern does not have.
	ErrUnknownStage = errors.New("unknown stage")
)

// CompileErrorKind classifies a pattern compilation failure.
type CompileErrorKind int

const (
	KindEmptyPattern CompileErrorKind = iota + 1
	KindUnreachableFinal
	KindProceedCycle
	KindEmptyMatch
	KindInvalidNegation
	KindInvalidQuantifier
	KindDuplicateStage
	KindUnknownAggregate
	KindDuplicateAggregate
	KindNilPredicate
)

var compileErrorKindNames = map[CompileErrorKind]string{
	KindEmptyPattern:       "empty pattern",
	KindUnreachableFinal:   "final stage unreachable",
	KindProceedCycle:       "proceed-only cycle",
	KindEmptyMatch:         "pattern matches empty sequence",
	KindInvalidNegation:    "invalid negation",
	KindInvalidQuantifier:  "invalid quantifier",
	KindDuplicateStage:     "duplicate stage",
	KindUnknownAggregate:   "unknown aggregate",
	KindDuplicateAggregate: "duplicate aggregate",
	KindNilPredicate:       "nil predicate",
}

func (k CompileErrorKind) String() string {
	if s, ok := compileErrorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("CompileErrorKind(%d)", int(k))
}

// PatternCompilationError reports why a pattern cannot be compiled.
// A failed compilation may carry several; Compile joins them with errors.Join.
type PatternCompilationError struct {
	// Pattern is the pattern name.
	Pattern string
	// Kind classifies the failure.
	Kind CompileErrorKind
	// Stages names the stages involved, if any.
	Stages []string
	// Detail is a human-readable explanation.
	Detail string
}

// Error implements the error interface.
func (e *PatternCompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile pattern %q: %s", e.Pattern, e.Kind)
	if len(e.Stages) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Stages, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Is matches another *PatternCompilationError of the same Kind, so callers
// can test errors.Is(err, &PatternCompilationError{Kind: KindProceedCycle}).
func (e *PatternCompilationError) Is(target error) bool {
	t, ok := target.(*PatternCompilationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// CompileErrorKinds returns the kinds of every PatternCompilationError in err.
func CompileErrorKinds(err error) []CompileErrorKind {
	var kinds []CompileErrorKind
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if pe, ok := err.(*PatternCompilationError); ok {
			kinds = append(kinds, pe.Kind)
			return
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return kinds
}

// PredicateError wraps a failure while evaluating a stage predicate or an
// aggregate contribution. It is isolated to one run: the run is pruned and
// processing continues.
type PredicateError struct {
	// Stage is the stage whose predicate or aggregate failed.
	Stage string
	// RunID is the failing run. Empty when the failure happened on a BEGIN
	// attempt, before any run existed.
	RunID string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PredicateError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("stage %s: begin: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s: run %s: %v", e.Stage, e.RunID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PredicateError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by a user predicate or field extractor.
type PanicError struct {
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// InvariantError reports broken version bookkeeping in the buffer or
// aggregate tracker. It is fatal: the processor stops accepting records.
type InvariantError struct {
	// Op is the operation that detected the violation.
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InvariantError) Unwrap() error {
	return e.Err
}

func invariant(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InvariantError{Op: op, Err: err}
}
