/*
Package expr evaluates the condition language used by declarative patterns.

# Overview

An expression is a boolean condition over one event. Events are
map[string]any values, usually decoded from JSON or YAML; nested fields are
reached with dotted paths.

# Expression Syntax

	<expr> := <expr> 'or' <expr>
	        | <expr> 'and' <expr>
	        | 'not' <expr>
	        | '!' <expr>
	        | <comparison>
	        | <value>

	<comparison> := <value> <op> <value>
	<op> := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains'
	<value> := 'string' | "string" | number | true | false | null | path

'or' binds weaker than 'and'. There are no parentheses.

# Operators

	==         Equal (numeric when both sides are numbers, else string)
	!=         Not equal
	<          Less than (numeric)
	>          Greater than (numeric)
	<=         Less than or equal (numeric)
	>=         Greater than or equal (numeric)
	contains   String contains substring

Numeric comparisons use decimal arithmetic, so 0.1 + 0.2 style rounding
never changes an outcome. A numeric operator with a non-numeric side is an
error.

# Paths

	type == 'purchase'
	card.country != 'US'
	amount > agg.total

A path that does not resolve is treated as a bare string literal, the same
as an unquoted word.

# Examples

	vars := map[string]any{"type": "purchase", "amount": 42.5}
	ok, _ := expr.Eval("type == 'purchase' and amount >= 40", vars) // true

Custom operators:

	e := expr.New(expr.WithCustomOperator("in", func(l, r any) bool {
	    return strings.Contains(fmt.Sprintf(",%v,", r), fmt.Sprintf(",%v,", l))
	}))
	ok, _ := e.Evaluate("country in 'DE,FR'", vars)
*/
package expr
