// Package constraint compiles and evaluates tag membership rules.
//
// A constraint is a boolean expression over predicate calls:
//
//	isGE(shareratio, 1.5) && !hasTag("keep") || matches(name, "^linux")
//
// Operators are resolved per nesting level by looking for a top-level "||",
// then "&&", then "^", in that fixed order, rather than by conventional
// precedence. A level containing none of them is either a negation ("!x"),
// a parenthesized group, or exactly one call. "^" is n-ary and true when an
// odd number of its operands are true.
//
// Arguments are numbers, quoted strings ("\"" escapes a quote) or bare
// identifiers. Identifiers naming a keyword (shareratio, age, name, ...) are
// resolved against the resource on every evaluation; any other identifier is
// taken as literal text. Literal arguments and compiled regular expressions
// are resolved once and memoized in the tree.
//
// Compile is strict: unknown functions, wrong argument counts and malformed
// syntax return a *CompileError. Eval never panics; per-evaluation failures
// (unknown numeric keyword, bad regex, script errors) return a
// *RuntimeEvalError and callers treat the result as false.
//
// Thread-safety: a compiled *Expr is immutable apart from its memo cells and
// may be evaluated from any number of goroutines.
package constraint
