package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The expression grammar kept deliberately small: dotted paths over the
// scope, literals, comparisons, and/or/not, and filter pipes.
//
//	expr    := or
//	or      := and ( "or" and )*
//	and     := not ( "and" not )*
//	not     := "not" not | cmp
//	cmp     := pipe ( ("=="|"!="|">="|"<="|">"|"<") pipe )?
//	pipe    := term ( "|" ident )*
//	term    := literal | path | "(" expr ")"
//	path    := ident ( "." segment )*

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokDot
	tokPipe
	tokLParen
	tokRParen
	tokOp // == != >= <= > <
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '.':
		l.pos++
		return token{kind: tokDot, text: ".", pos: start}, nil
	case c == '|':
		l.pos++
		return token{kind: tokPipe, text: "|", pos: start}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '=' || c == '!' || c == '>' || c == '<':
		op := string(c)
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			op += "="
			l.pos++
		}
		if op == "=" || op == "!" {
			return token{}, fmt.Errorf("prompt: invalid operator %q at %d", op, start)
		}
		return token{kind: tokOp, text: op, pos: start}, nil
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.src) {
			ch := l.src[l.pos]
			if ch == '\\' && l.pos+1 < len(l.src) {
				l.pos++
				sb.WriteByte(l.src[l.pos])
				l.pos++
				continue
			}
			if ch == quote {
				l.pos++
				return token{kind: tokString, text: sb.String(), pos: start}, nil
			}
			sb.WriteByte(ch)
			l.pos++
		}
		return token{}, fmt.Errorf("prompt: unterminated string at %d", start)
	case c >= '0' && c <= '9' || c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9':
		l.pos++
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
	case unicode.IsLetter(rune(c)) || c == '_':
		l.pos++
		for l.pos < len(l.src) {
			r := rune(l.src[l.pos])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
				break
			}
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	default:
		return token{}, fmt.Errorf("prompt: unexpected character %q at %d", c, start)
	}
}

// node is a parsed expression ready to evaluate against a scope.
type node interface {
	eval(ev *evaluator) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(*evaluator) (any, error) { return n.value, nil }

type pathNode struct{ segments []string }

func (n pathNode) eval(ev *evaluator) (any, error) {
	return ev.resolve(n.segments), nil
}

type pipeNode struct {
	arg    node
	filter string
}

func (n pipeNode) eval(ev *evaluator) (any, error) {
	v, err := n.arg.eval(ev)
	if err != nil {
		return nil, err
	}
	fn, ok := ev.filters[n.filter]
	if !ok {
		return nil, fmt.Errorf("prompt: unknown filter %q", n.filter)
	}
	return fn(v)
}

type cmpNode struct {
	op          string
	left, right node
}

func (n cmpNode) eval(ev *evaluator) (any, error) {
	l, err := n.left.eval(ev)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ev)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

type boolNode struct {
	op          string // "and" | "or"
	left, right node
}

func (n boolNode) eval(ev *evaluator) (any, error) {
	l, err := n.left.eval(ev)
	if err != nil {
		return nil, err
	}
	if n.op == "and" {
		if !Truthy(l) {
			return false, nil
		}
	} else {
		if Truthy(l) {
			return true, nil
		}
	}
	r, err := n.right.eval(ev)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

type notNode struct{ arg node }

func (n notNode) eval(ev *evaluator) (any, error) {
	v, err := n.arg.eval(ev)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type parser struct {
	lex  *lexer
	cur  token
	prev token
}

func parseExpr(src string) (node, error) {
	p := &parser{lex: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("prompt: unexpected %q at %d", p.cur.text, p.cur.pos)
	}
	return n, nil
}

func (p *parser) advance() error {
	p.prev = p.cur
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokIdent && p.cur.text == "or" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokIdent && p.cur.text == "and" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.cur.kind == tokIdent && p.cur.text == "not" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		arg, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{arg: arg}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	if p.cur.kind == tokOp {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePipe() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPipe {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokIdent {
			return nil, fmt.Errorf("prompt: expected filter name at %d", p.cur.pos)
		}
		left = pipeNode{arg: left, filter: p.cur.text}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("prompt: missing ) at %d", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokNumber:
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("prompt: bad number %q: %w", p.cur.text, err)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalNode{value: f}, nil
	case tokString:
		v := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalNode{value: v}, nil
	case tokIdent:
		switch p.cur.text {
		case "true":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return literalNode{value: true}, nil
		case "false":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return literalNode{value: false}, nil
		case "null", "none":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return literalNode{value: nil}, nil
		}
		segments := []string{p.cur.text}
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.cur.kind == tokDot {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokIdent && p.cur.kind != tokNumber {
				return nil, fmt.Errorf("prompt: expected path segment at %d", p.cur.pos)
			}
			segments = append(segments, p.cur.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return pathNode{segments: segments}, nil
	default:
		return nil, fmt.Errorf("prompt: unexpected token at %d", p.cur.pos)
	}
}

type evaluator struct {
	scope   Scope
	filters map[string]Filter
}

// resolve walks a dotted path through the scope. Any miss yields nil; missing
// variables are a rendering contract, not an error.
func (ev *evaluator) resolve(segments []string) any {
	var cur any
	switch segments[0] {
	case "input":
		cur = ev.scope.Input
	case "state":
		cur = ev.scope.State
	case "outputs":
		cur = ev.scope.Outputs
	case "env":
		cur = envMap(ev.scope.Env)
	case "session_id":
		cur = ev.scope.SessionID
	case "checkpoint_id":
		cur = ev.scope.CheckpointID
	default:
		return nil
	}
	for _, seg := range segments[1:] {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil
			}
			cur = c[idx]
		default:
			return nil
		}
	}
	return cur
}

func envMap(env map[string]string) map[string]any {
	if env == nil {
		return nil
	}
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func compare(op string, l, r any) (bool, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, rs := Stringify(l), Stringify(r)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("prompt: unsupported operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
