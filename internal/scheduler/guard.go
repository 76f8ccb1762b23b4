package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Guard is a parsed loop-edge condition: a boolean expression over task
// statuses, iteration counts and artifact counts.
//
//	expr  := or
//	or    := and { ("||" | "or") and }
//	and   := unary { ("&&" | "and") unary }
//	unary := ("!" | "not") unary | "(" expr ")" | "true" | "false" | cmp
//	cmp   := ref op value
//	ref   := task "." field       task := ID | "self" | "target"
//	field := status | iterations | artifacts
//	op    := == | != | < | <= | > | >=
//
// The zero Guard (from an empty string) is always true.
type Guard struct {
	src  string
	root guardNode
}

const (
	refSelf   = "self"
	refTarget = "target"
)

// GuardEnv binds the self and target aliases while evaluating a guard.
type GuardEnv struct {
	Graph  *Graph
	Self   string
	Target string
}

type guardNode interface {
	eval(env GuardEnv) (bool, error)
	refs(out []string) []string
}

// ParseGuard parses src. An empty or blank src yields an always-true guard.
func ParseGuard(src string) (Guard, error) {
	if strings.TrimSpace(src) == "" {
		return Guard{src: src}, nil
	}

	tokens, err := lexGuard(src)
	if err != nil {
		return Guard{}, err
	}
	p := &guardParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return Guard{}, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return Guard{}, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
	return Guard{src: src, root: root}, nil
}

// String returns the source text.
func (g Guard) String() string {
	return g.src
}

// Eval evaluates the guard against env.
func (g Guard) Eval(env GuardEnv) (bool, error) {
	if g.root == nil {
		return true, nil
	}
	return g.root.eval(env)
}

// Refs returns the task references in the guard, aliases included, in
// source order without duplicates.
func (g Guard) Refs() []string {
	if g.root == nil {
		return nil
	}
	all := g.root.refs(nil)
	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, ref := range all {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' || r == ':' || r == '/'
}

func lexGuard(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == '&' || r == '|':
			if i+1 >= len(runes) || runes[i+1] != r {
				return nil, fmt.Errorf("expected %c%c at offset %d", r, r, i)
			}
			kind := tokAnd
			if r == '|' {
				kind = tokOr
			}
			tokens = append(tokens, token{kind, string([]rune{r, r}), i})
			i += 2
		case r == '=' || r == '!' || r == '<' || r == '>':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{tokOp, string([]rune{r, '='}), i})
				i += 2
				continue
			}
			switch r {
			case '!':
				tokens = append(tokens, token{tokNot, "!", i})
			case '=':
				return nil, fmt.Errorf("expected == at offset %d", i)
			default:
				tokens = append(tokens, token{tokOp, string(r), i})
			}
			i++
		case r == '"' || r == '\'':
			start := i
			i++
			for i < len(runes) && runes[i] != r {
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			tokens = append(tokens, token{tokString, string(runes[start+1 : i]), start})
			i++
		case isIdentRune(r):
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			text := string(runes[start:i])
			kind := tokIdent
			switch {
			case text == "and":
				kind = tokAnd
			case text == "or":
				kind = tokOr
			case text == "not":
				kind = tokNot
			case isNumber(text):
				kind = tokNumber
			}
			tokens = append(tokens, token{kind, text, start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return append(tokens, token{tokEOF, "", len(runes)}), nil
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// --- parser ---

type guardParser struct {
	tokens []token
	pos    int
}

func (p *guardParser) peek() token {
	return p.tokens[p.pos]
}

func (p *guardParser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *guardParser) parseOr() (guardNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *guardParser) parseAnd() (guardNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *guardParser) parseUnary() (guardNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokNot:
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at offset %d", closing.pos)
		}
		return inner, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return constNode(true), nil
		case "false":
			return constNode(false), nil
		}
		return p.parseComparison(tok)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of guard")
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

func (p *guardParser) parseComparison(refTok token) (guardNode, error) {
	dot := strings.LastIndex(refTok.text, ".")
	if dot <= 0 || dot == len(refTok.text)-1 {
		return nil, fmt.Errorf("expected <task>.<field> at offset %d, got %q", refTok.pos, refTok.text)
	}
	cmp := cmpNode{task: refTok.text[:dot], field: refTok.text[dot+1:]}
	switch cmp.field {
	case "status", "iterations", "artifacts":
	default:
		return nil, fmt.Errorf("unknown field %q at offset %d", cmp.field, refTok.pos)
	}

	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator at offset %d", opTok.pos)
	}
	cmp.op = opTok.text

	valTok := p.next()
	switch valTok.kind {
	case tokIdent, tokString, tokNumber:
		cmp.value = valTok.text
	default:
		return nil, fmt.Errorf("expected value at offset %d", valTok.pos)
	}

	if cmp.field == "status" {
		if cmp.op != "==" && cmp.op != "!=" {
			return nil, fmt.Errorf("status only supports == and !=, got %s", cmp.op)
		}
		if !Status(cmp.value).IsValid() {
			return nil, fmt.Errorf("unknown status %q", cmp.value)
		}
		return cmp, nil
	}

	n, err := strconv.Atoi(cmp.value)
	if err != nil {
		return nil, fmt.Errorf("%s needs an integer, got %q", cmp.field, cmp.value)
	}
	cmp.number = n
	return cmp, nil
}

// --- nodes ---

type constNode bool

func (n constNode) eval(GuardEnv) (bool, error)  { return bool(n), nil }
func (n constNode) refs(out []string) []string { return out }

type notNode struct{ inner guardNode }

func (n notNode) eval(env GuardEnv) (bool, error) {
	v, err := n.inner.eval(env)
	return !v, err
}
func (n notNode) refs(out []string) []string { return n.inner.refs(out) }

type andNode struct{ left, right guardNode }

func (n andNode) eval(env GuardEnv) (bool, error) {
	l, err := n.left.eval(env)
	if err != nil || !l {
		return false, err
	}
	return n.right.eval(env)
}
func (n andNode) refs(out []string) []string { return n.right.refs(n.left.refs(out)) }

type orNode struct{ left, right guardNode }

func (n orNode) eval(env GuardEnv) (bool, error) {
	l, err := n.left.eval(env)
	if err != nil || l {
		return l, err
	}
	return n.right.eval(env)
}
func (n orNode) refs(out []string) []string { return n.right.refs(n.left.refs(out)) }

type cmpNode struct {
	task   string
	field  string
	op     string
	value  string
	number int
}

func (n cmpNode) refs(out []string) []string { return append(out, n.task) }

func (n cmpNode) eval(env GuardEnv) (bool, error) {
	id := n.task
	switch id {
	case refSelf:
		id = env.Self
	case refTarget:
		id = env.Target
	}
	task, ok := env.Graph.Task(id)
	if !ok {
		return false, fmt.Errorf("guard references unknown task %q", id)
	}

	switch n.field {
	case "status":
		equal := string(task.Status) == n.value
		if n.op == "==" {
			return equal, nil
		}
		return !equal, nil
	case "iterations":
		return compareInts(task.IterationCount, n.op, n.number), nil
	default:
		return compareInts(len(task.Artifacts), n.op, n.number), nil
	}
}

func compareInts(a int, op string, b int) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}
