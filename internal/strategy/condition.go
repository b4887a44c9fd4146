package strategy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownFactor      = errors.New("strategy: unknown factor")
	ErrMalformedCondition = errors.New("strategy: malformed condition")
	ErrInvalidRule        = errors.New("strategy: invalid rule")
)

// Op is a comparison operator.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
	OpEQ Op = "=="
)

// Factors is a named numeric factor map.
type Factors map[string]float64

// Expr is a compiled condition node.
type Expr interface {
	Eval(f Factors) bool
	String() string
}

// Comparison is "<factor> <op> <value>". A factor absent from the map
// makes the comparison false.
type Comparison struct {
	Factor string
	Op     Op
	Value  float64
}

func (c Comparison) Eval(f Factors) bool {
	v, ok := f[c.Factor]
	if !ok {
		return false
	}
	switch c.Op {
	case OpLT:
		return v < c.Value
	case OpLE:
		return v <= c.Value
	case OpGT:
		return v > c.Value
	case OpGE:
		return v >= c.Value
	case OpEQ:
		return v == c.Value
	}
	return false
}

func (c Comparison) String() string {
	return c.Factor + " " + string(c.Op) + " " + strconv.FormatFloat(c.Value, 'g', -1, 64)
}

// And is a conjunction of comparisons.
type And struct {
	Terms []Comparison
}

func (a And) Eval(f Factors) bool {
	for _, t := range a.Terms {
		if !t.Eval(f) {
			return false
		}
	}
	return true
}

func (a And) String() string {
	parts := make([]string, len(a.Terms))
	for i, t := range a.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " AND ")
}

// FactorNames lists the factors referenced by e.
func FactorNames(e Expr) []string {
	switch n := e.(type) {
	case Comparison:
		return []string{n.Factor}
	case And:
		out := make([]string, len(n.Terms))
		for i, t := range n.Terms {
			out[i] = t.Factor
		}
		return out
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lexer / parser
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tkIdent tokenKind = iota
	tkNumber
	tkOp
	tkAnd
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '<' || c == '>' || c == '=':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			op := src[start:i]
			if op == "=" {
				return nil, fmt.Errorf("%w: %q at %d, use ==", ErrMalformedCondition, op, start)
			}
			toks = append(toks, token{kind: tkOp, text: op, pos: start})
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("%w: stray '&' at %d", ErrMalformedCondition, i)
			}
			toks = append(toks, token{kind: tkAnd, text: "&&", pos: i})
			i += 2
		case isDigit(c) || c == '.' || ((c == '-' || c == '+') && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.')):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{kind: tkNumber, text: src[start:i], pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			kind := tkIdent
			if strings.EqualFold(word, "AND") {
				kind = tkAnd
			}
			toks = append(toks, token{kind: kind, text: word, pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", ErrMalformedCondition, c, i)
		}
	}
	return toks, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// Parse compiles a condition of the form
//
//	<factor> <op> <number> [AND <factor> <op> <number>]...
//
// and checks every factor against known. A nil known set accepts any name.
func Parse(src string, known map[string]struct{}) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty condition", ErrMalformedCondition)
	}

	var terms []Comparison
	i := 0
	for {
		if i+3 > len(toks) {
			return nil, fmt.Errorf("%w: incomplete comparison in %q", ErrMalformedCondition, src)
		}
		f, o, n := toks[i], toks[i+1], toks[i+2]
		if f.kind != tkIdent {
			return nil, fmt.Errorf("%w: expected factor at %d, got %q", ErrMalformedCondition, f.pos, f.text)
		}
		if o.kind != tkOp {
			return nil, fmt.Errorf("%w: expected operator at %d, got %q", ErrMalformedCondition, o.pos, o.text)
		}
		if n.kind != tkNumber {
			return nil, fmt.Errorf("%w: expected number at %d, got %q", ErrMalformedCondition, n.pos, n.text)
		}
		value, err := strconv.ParseFloat(n.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q: %v", ErrMalformedCondition, n.text, err)
		}
		if known != nil {
			if _, ok := known[f.text]; !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownFactor, f.text)
			}
		}
		terms = append(terms, Comparison{Factor: f.text, Op: Op(o.text), Value: value})
		i += 3

		if i == len(toks) {
			break
		}
		if toks[i].kind != tkAnd {
			return nil, fmt.Errorf("%w: expected AND at %d, got %q", ErrMalformedCondition, toks[i].pos, toks[i].text)
		}
		i++
	}

	if len(terms) == 1 {
		return terms[0], nil
	}
	return And{Terms: terms}, nil
}
