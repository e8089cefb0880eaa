package constraint

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokLParen tokenKind = iota + 1
	tokRParen
	tokComma
	tokOr
	tokAnd
	tokXor
	tokNot
	tokString
	tokWord
)

func (k tokenKind) String() string {
	switch k {
	case tokLParen:
		return "("
	case tokRParen:
		return ")"
	case tokComma:
		return ","
	case tokOr:
		return "||"
	case tokAnd:
		return "&&"
	case tokXor:
		return "^"
	case tokNot:
		return "!"
	case tokString:
		return "string"
	default:
		return "word"
	}
}

type token struct {
	kind tokenKind
	pos  int
	// text is the unescaped body of a string or the raw word.
	text string
	// match is the index of the partner paren within the token slice.
	match int
}

// tokenize splits src into tokens and pairs parentheses.
func tokenize(src string) ([]token, error) {
	var toks []token
	var open []int

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case isSpace(c):
			i++
		case c == '(':
			open = append(open, len(toks))
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			if len(open) == 0 {
				return nil, &CompileError{Pos: i, Message: "unmatched ')'"}
			}
			o := open[len(open)-1]
			open = open[:len(open)-1]
			toks[o].match = len(toks)
			toks = append(toks, token{kind: tokRParen, pos: i, match: o})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, pos: i})
			i++
		case c == '^':
			toks = append(toks, token{kind: tokXor, pos: i})
			i++
		case c == '!':
			toks = append(toks, token{kind: tokNot, pos: i})
			i++
		case c == '|' || c == '&':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, &CompileError{Pos: i, Message: "expected '" + string([]byte{c, c}) + "'"}
			}
			kind := tokOr
			if c == '&' {
				kind = tokAnd
			}
			toks = append(toks, token{kind: kind, pos: i})
			i += 2
		case c == '"':
			text, n, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, pos: i, text: text})
			i += n
		default:
			start := i
			text, n := scanWord(src, i)
			if n == 0 {
				return nil, &CompileError{Pos: i, Message: "unexpected character " + quoteRune(src[i:])}
			}
			toks = append(toks, token{kind: tokWord, pos: start, text: text})
			i += n
		}
	}

	if len(open) > 0 {
		return nil, &CompileError{Pos: toks[open[len(open)-1]].pos, Message: "unmatched '('"}
	}
	return toks, nil
}

// scanWord reads a word starting at src[start]. Whitespace outside quotes
// is insignificant, so word runs separated only by whitespace join into one
// word: "share ratio" reads as "shareratio". It returns the joined word and
// the number of bytes consumed.
func scanWord(src string, start int) (string, int) {
	var b strings.Builder
	i := start
	for {
		from := i
		for i < len(src) && isWordByte(src[i]) {
			i++
		}
		b.WriteString(src[from:i])
		next := skipSpace(src, i)
		if next == i || next >= len(src) || !isWordByte(src[next]) {
			return b.String(), i - start
		}
		i = next
	}
}

func skipSpace(src string, i int) int {
	for i < len(src) && isSpace(src[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// scanString reads a quoted string starting at src[start] == '"'. It returns
// the unescaped body and the number of bytes consumed.
func scanString(src string, start int) (string, int, error) {
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			if i+1 < len(src) && (src[i+1] == '"' || src[i+1] == '\\') {
				i++
			}
			b.WriteByte(src[i])
		case '"':
			return b.String(), i - start + 1, nil
		default:
			b.WriteByte(src[i])
		}
	}
	return "", 0, &CompileError{Pos: start, Message: "unterminated string"}
}

func isWordByte(c byte) bool {
	if c >= 0x80 {
		return true
	}
	r := rune(c)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || c == '_' || c == '.' || c == '-' || c == '+' || c == ':' || c == '/'
}

func quoteRune(s string) string {
	for _, r := range s {
		return "'" + string(r) + "'"
	}
	return "end of input"
}
