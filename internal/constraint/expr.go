package constraint

import (
	"strconv"
	"strings"
	"sync"
)

// Expr is a compiled constraint.
type Expr struct {
	src  string
	root node
	tags bool
}

// Source returns the text the expression was compiled from.
func (e *Expr) Source() string { return e.src }

// String returns the canonical printable form. It recompiles to an
// equivalent expression.
func (e *Expr) String() string {
	var b strings.Builder
	e.root.print(&b)
	return b.String()
}

// DependsOnTags reports whether the expression reads tag membership, so a
// membership change elsewhere can change its result.
func (e *Expr) DependsOnTags() bool { return e.tags }

// Eval evaluates the expression for env.Resource. On error the result is false.
func (e *Expr) Eval(env *Env) (bool, error) {
	ok, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	return ok, nil
}

type node interface {
	eval(env *Env) (bool, error)
	print(b *strings.Builder)
}

type binary struct {
	op       tokenKind
	operands []node
}

func (n *binary) eval(env *Env) (bool, error) {
	switch n.op {
	case tokOr:
		for _, x := range n.operands {
			ok, err := x.eval(env)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case tokAnd:
		for _, x := range n.operands {
			ok, err := x.eval(env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	default:
		odd := false
		for _, x := range n.operands {
			ok, err := x.eval(env)
			if err != nil {
				return false, err
			}
			odd = odd != ok
		}
		return odd, nil
	}
}

func (n *binary) print(b *strings.Builder) {
	for i, x := range n.operands {
		if i > 0 {
			b.WriteString(n.op.String())
		}
		x.print(b)
	}
}

type not struct {
	x node
}

func (n *not) eval(env *Env) (bool, error) {
	ok, err := n.x.eval(env)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n *not) print(b *strings.Builder) {
	b.WriteByte('!')
	n.x.print(b)
}

type group struct {
	x node
}

func (n *group) eval(env *Env) (bool, error) { return n.x.eval(env) }

func (n *group) print(b *strings.Builder) {
	b.WriteByte('(')
	n.x.print(b)
	b.WriteByte(')')
}

type call struct {
	fn   *function
	args []*arg
}

func (n *call) eval(env *Env) (bool, error) {
	ok, err := n.fn.eval(env, n.args)
	if err != nil {
		var b strings.Builder
		n.print(&b)
		return false, &RuntimeEvalError{Call: b.String(), Err: err}
	}
	return ok, nil
}

func (n *call) print(b *strings.Builder) {
	b.WriteString(n.fn.name)
	b.WriteByte('(')
	for i, a := range n.args {
		if i > 0 {
			b.WriteByte(',')
		}
		a.print(b)
	}
	b.WriteByte(')')
}

func dependsOnTags(n node) bool {
	switch n := n.(type) {
	case *binary:
		for _, x := range n.operands {
			if dependsOnTags(x) {
				return true
			}
		}
		return false
	case *not:
		return dependsOnTags(n.x)
	case *group:
		return dependsOnTags(n.x)
	case *call:
		return n.fn.readsTags
	default:
		return false
	}
}

type argKind int

const (
	argNumber argKind = iota + 1
	argString
	argWord
)

// arg is one call argument. Derived forms of literal text are computed at
// most once.
type arg struct {
	kind argKind
	text string

	number memo[float64]
	folded memo[string]
	regex  memo[*regexpMatcher]
}

func newWordArg(text string) *arg {
	if _, err := strconv.ParseFloat(text, 64); err == nil {
		return &arg{kind: argNumber, text: text}
	}
	return &arg{kind: argWord, text: text}
}

func (a *arg) print(b *strings.Builder) {
	if a.kind != argString {
		b.WriteString(a.text)
		return
	}
	b.WriteByte('"')
	for i := 0; i < len(a.text); i++ {
		if a.text[i] == '"' || a.text[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(a.text[i])
	}
	b.WriteByte('"')
}

// memo caches a value derived from literal text.
type memo[T any] struct {
	once sync.Once
	v    T
	err  error
}

func (m *memo[T]) get(f func() (T, error)) (T, error) {
	m.once.Do(func() { m.v, m.err = f() })
	return m.v, m.err
}
