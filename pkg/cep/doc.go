/*
Package cep detects multi-event patterns in keyed, ordered event streams.

# Overview

A pattern is a sequence of elements, each with a predicate over the event
and a quantifier, plus a time window, a skip strategy, and named
aggregates. Compile turns it into an immutable automaton of stages joined
by TAKE, PROCEED, IGNORE and BEGIN edges. A Processor then feeds records to
that automaton one at a time, keeping every key's in-flight candidate
matches (runs) in a state.Store so processing survives restarts.

Runs that branch share their common prefix in a versioned buffer, and
aggregates are folded incrementally per branch, so memory grows with the
number of distinct live versions rather than with runs times match length.

# Basic Usage

	type Txn struct {
	    Account string
	    Amount  float64
	}

	small := cep.When(func(t Txn) bool { return t.Amount < 1 })
	large := cep.When(func(t Txn) bool { return t.Amount > 500 })

	pattern := cep.NewPattern[Txn]("card-testing").
	    Begin("tiny", small).Times(3).
	    Then("cashout", large).
	    Within(10 * time.Minute).
	    Skip(cep.SkipTillNext).
	    Build()

	stages, err := cep.Compile(pattern)
	if err != nil {
	    log.Fatal(err)
	}

	store := state.NewMemoryStore()
	proc, err := cep.NewProcessor(stages, store, cep.ForwarderFunc[Txn](
	    func(ctx context.Context, m cep.Match[Txn]) error {
	        fmt.Println(m.Key, len(m.Events))
	        return nil
	    }))

	err = proc.Process(ctx, cep.Record[Txn]{Key: "acct-1", Value: txn, Timestamp: ts, Topic: "txns"})

# Aggregates

Aggregates are declared once and folded by the elements that name them:

	cep.NewPattern[Txn]("drain").
	    Begin("withdrawal", isWithdrawal).OneOrMore().Fold("total").
	    Then("alert", cep.PredicateFunc[Txn](func(ctx *cep.EvalContext, t Txn) (bool, error) {
	        total, ok := ctx.Aggregate("total")
	        return ok && total.GreaterThan(decimal.NewFromInt(1000)), nil
	    })).
	    Aggregate("total", aggregate.Sum, amountOf)

A predicate sees the aggregates of the run it is evaluated for, folded over
the events that run has already taken.

# Skip Strategies

SkipStrict requires contiguous events: any event that fits nowhere prunes
the run. SkipTillNext skips such events. SkipTillAny additionally keeps the
run that did not take a fitting event, exploring every combination.

# Concurrency

A Processor is single-threaded. Pool runs several processors, each owning a
disjoint set of keys, and funnels their matches to one sink goroutine.
*/
package cep
