/*
Package dsl loads patterns declared in YAML or JSON files.

Declarative patterns match Event values, plain maps as decoded from JSON
records. Stage conditions are expr expressions; aggregates fold a numeric
field selected by a dotted path.

	name: card-testing
	window: 10m
	skip: skip_till_next
	params:
	  threshold: 500
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
	    where: type == 'purchase' and amount > params.threshold and agg.attempts >= 3

Quantifiers are one (default), optional, one_or_more, zero_or_more and
times; "times: n" alone implies the times quantifier. Inside where, agg.<name>
reads an aggregate over the events the run has taken so far and
params.<name> reads a constant from the params section. Event fields named
agg or params are shadowed.

Numbers in JSON pattern files are kept exact, so params beyond 2^53 or with
decimal fractions compare without rounding.

Load returns an uncompiled pattern; pass it to cep.Compile.
*/
package dsl
