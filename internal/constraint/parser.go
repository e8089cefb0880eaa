package constraint

import (
	"fmt"
	"strings"
)

// Compile parses src into an evaluable expression.
func Compile(src string) (*Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, end: len(src)}
	root, err := p.parse(0, len(toks))
	if err != nil {
		return nil, err
	}
	return &Expr{src: src, root: root, tags: dependsOnTags(root)}, nil
}

// MustCompile is Compile for sources known to be valid. It panics on error.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	toks []token
	end  int // source length, used for errors at end of input
}

func (p *parser) posAt(i int) int {
	if i < len(p.toks) {
		return p.toks[i].pos
	}
	return p.end
}

// parse builds the node for toks[lo:hi].
func (p *parser) parse(lo, hi int) (node, error) {
	if lo >= hi {
		return nil, &CompileError{Pos: p.posAt(lo), Message: "empty expression"}
	}

	for _, op := range []tokenKind{tokOr, tokAnd, tokXor} {
		cuts := p.topLevel(lo, hi, op)
		if len(cuts) == 0 {
			continue
		}
		operands := make([]node, 0, len(cuts)+1)
		start := lo
		for _, cut := range append(cuts, hi) {
			if start == cut {
				return nil, &CompileError{Pos: p.posAt(start), Message: fmt.Sprintf("missing operand for %q", op)}
			}
			n, err := p.parse(start, cut)
			if err != nil {
				return nil, err
			}
			operands = append(operands, n)
			start = cut + 1
		}
		return &binary{op: op, operands: operands}, nil
	}

	first := p.toks[lo]
	switch {
	case first.kind == tokNot:
		if lo+1 == hi {
			return nil, &CompileError{Pos: p.posAt(hi), Message: "missing operand for \"!\""}
		}
		x, err := p.parse(lo+1, hi)
		if err != nil {
			return nil, err
		}
		return &not{x: x}, nil

	case first.kind == tokLParen:
		if first.match != hi-1 {
			return nil, &CompileError{Pos: p.posAt(first.match + 1), Message: "unexpected tokens after ')'"}
		}
		x, err := p.parse(lo+1, hi-1)
		if err != nil {
			return nil, err
		}
		return &group{x: x}, nil

	case first.kind == tokWord && lo+1 < hi && p.toks[lo+1].kind == tokLParen:
		rp := p.toks[lo+1].match
		if rp != hi-1 {
			return nil, &CompileError{Pos: p.posAt(rp + 1), Message: "unexpected tokens after call to " + first.text}
		}
		return p.call(first, lo+2, rp)

	case first.kind == tokWord:
		return nil, &CompileError{Pos: first.pos, Message: fmt.Sprintf("expected call, found %q", first.text)}

	default:
		return nil, &CompileError{Pos: first.pos, Message: fmt.Sprintf("unexpected %q", first.kind)}
	}
}

// topLevel returns the indices of op tokens at paren depth zero in toks[lo:hi].
func (p *parser) topLevel(lo, hi int, op tokenKind) []int {
	var cuts []int
	for i := lo; i < hi; i++ {
		switch p.toks[i].kind {
		case tokLParen:
			i = p.toks[i].match
		case op:
			cuts = append(cuts, i)
		}
	}
	return cuts
}

func (p *parser) call(name token, lo, hi int) (node, error) {
	fn, ok := lookupFunc(name.text)
	if !ok {
		return nil, &CompileError{Pos: name.pos, Message: fmt.Sprintf("unknown function %q", name.text)}
	}

	var args []*arg
	if lo < hi {
		start := lo
		for i := lo; i <= hi; i++ {
			if i < hi && p.toks[i].kind != tokComma {
				continue
			}
			if i-start != 1 {
				return nil, &CompileError{Pos: p.posAt(start), Message: "argument must be a number, string or keyword"}
			}
			tok := p.toks[start]
			switch tok.kind {
			case tokString:
				args = append(args, &arg{kind: argString, text: tok.text})
			case tokWord:
				args = append(args, newWordArg(tok.text))
			default:
				return nil, &CompileError{Pos: tok.pos, Message: fmt.Sprintf("unexpected %q in arguments", tok.kind)}
			}
			start = i + 1
		}
	}

	if len(args) != fn.arity {
		plural := "s"
		if fn.arity == 1 {
			plural = ""
		}
		return nil, &CompileError{
			Pos:     name.pos,
			Message: fmt.Sprintf("%s expects %d argument%s, got %d", fn.name, fn.arity, plural, len(args)),
		}
	}
	return &call{fn: fn, args: args}, nil
}

func lookupFunc(name string) (*function, bool) {
	fn, ok := functions[strings.ToLower(name)]
	return fn, ok
}
