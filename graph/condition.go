package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Edge conditions are one of the shorthands `always`, `on_success`,
// `on_failure`, or a boolean expression over the source node's output
// namespace. Expressions are pure: no side effects, and any evaluation
// error (including an unresolved identifier) collapses to false so the
// executor never unwinds on a bad expression.

type condKind int

const (
	condAlways condKind = iota
	condOnSuccess
	condOnFailure
	condExpr
)

type condition struct {
	kind condKind
	expr exprNode
}

// parseCondition compiles a condition string. Called at graph load so
// malformed expressions are configuration errors, not runtime surprises.
func parseCondition(src string) (*condition, error) {
	switch strings.TrimSpace(src) {
	case "":
		return nil, fmt.Errorf("empty condition")
	case "always":
		return &condition{kind: condAlways}, nil
	case "on_success":
		return &condition{kind: condOnSuccess}, nil
	case "on_failure":
		return &condition{kind: condOnFailure}, nil
	}
	p := &condParser{lex: newCondLexer(src)}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.lex.err != nil {
		return nil, p.lex.err
	}
	if p.lex.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q", p.lex.peek().text)
	}
	return &condition{kind: condExpr, expr: expr}, nil
}

// eval decides the condition over a state namespace and the last node's
// status. Expression errors evaluate to false.
func (c *condition) eval(ns map[string]any, lastStatus string) bool {
	switch c.kind {
	case condAlways:
		return true
	case condOnSuccess:
		return lastStatus == statusSuccess
	case condOnFailure:
		return lastStatus == statusFailure
	}
	v, err := c.expr.eval(ns)
	if err != nil {
		return false
	}
	return truthy(v)
}

// ---- lexer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp // == != < <= > >= && || !
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
}

type condLexer struct {
	src  []rune
	pos  int
	next *token
	err  error
}

func newCondLexer(src string) *condLexer {
	return &condLexer{src: []rune(src)}
}

func (l *condLexer) peek() token {
	if l.next == nil {
		t := l.scan()
		l.next = &t
	}
	return *l.next
}

func (l *condLexer) take() token {
	t := l.peek()
	l.next = nil
	return t
}

func (l *condLexer) scan() token {
	for l.pos < len(l.src) && unicode.IsSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}
	}
	ch := l.src[l.pos]
	switch {
	case ch == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}
	case ch == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}
	case ch == ',':
		l.pos++
		return token{kind: tokComma, text: ","}
	case ch == '"' || ch == '\'':
		return l.scanString(ch)
	case unicode.IsDigit(ch) || (ch == '-' && l.pos+1 < len(l.src) && unicode.IsDigit(l.src[l.pos+1])):
		return l.scanNumber()
	case unicode.IsLetter(ch) || ch == '_':
		return l.scanIdent()
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"} {
		if strings.HasPrefix(string(l.src[l.pos:]), op) {
			l.pos += len(op)
			return token{kind: tokOp, text: op}
		}
	}
	l.err = fmt.Errorf("unexpected character %q", string(ch))
	return token{kind: tokEOF}
}

func (l *condLexer) scanString(quote rune) token {
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) && l.src[l.pos] != quote {
		if l.src[l.pos] == '\\' && l.pos+1 < len(l.src) {
			l.pos++
		}
		sb.WriteRune(l.src[l.pos])
		l.pos++
	}
	if l.pos >= len(l.src) {
		l.err = fmt.Errorf("unterminated string")
		return token{kind: tokEOF}
	}
	l.pos++
	return token{kind: tokString, text: sb.String()}
}

func (l *condLexer) scanNumber() token {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: string(l.src[start:l.pos])}
}

func (l *condLexer) scanIdent() token {
	start := l.pos
	for l.pos < len(l.src) && (unicode.IsLetter(l.src[l.pos]) || unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '_' || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokIdent, text: string(l.src[start:l.pos])}
}

// ---- parser (recursive descent, || < && < ! < comparison) ----

type condParser struct {
	lex *condLexer
}

func (p *condParser) parseExpr() (exprNode, error) {
	return p.parseOr()
}

func (p *condParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.lex.peek().kind == tokOp && p.lex.peek().text == "||" {
		p.lex.take()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (exprNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.lex.peek().kind == tokOp && p.lex.peek().text == "&&" {
		p.lex.take()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseComparison() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.lex.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.lex.take()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &binaryExpr{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *condParser) parseUnary() (exprNode, error) {
	t := p.lex.peek()
	if t.kind == tokOp && t.text == "!" {
		p.lex.take()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (exprNode, error) {
	t := p.lex.take()
	if p.lex.err != nil {
		return nil, p.lex.err
	}
	switch t.kind {
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.lex.take().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return &literalExpr{value: f}, nil
	case tokString:
		return &literalExpr{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalExpr{value: true}, nil
		case "false":
			return &literalExpr{value: false}, nil
		case "null", "nil":
			return &literalExpr{value: nil}, nil
		}
		if p.lex.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		return &identExpr{name: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

func (p *condParser) parseCall(name string) (exprNode, error) {
	switch name {
	case "exists", "len", "contains":
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
	p.lex.take() // (
	var args []exprNode
	if p.lex.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.lex.peek().kind != tokComma {
				break
			}
			p.lex.take()
		}
	}
	if p.lex.take().kind != tokRParen {
		return nil, fmt.Errorf("missing closing parenthesis in %s()", name)
	}
	want := 1
	if name == "contains" {
		want = 2
	}
	if len(args) != want {
		return nil, fmt.Errorf("%s() takes %d argument(s)", name, want)
	}
	return &callExpr{name: name, args: args}, nil
}

// ---- evaluation ----

type exprNode interface {
	eval(ns map[string]any) (any, error)
}

type literalExpr struct{ value any }

func (e *literalExpr) eval(map[string]any) (any, error) { return e.value, nil }

type identExpr struct{ name string }

func (e *identExpr) eval(ns map[string]any) (any, error) {
	v, ok := ns[e.name]
	if !ok {
		return nil, fmt.Errorf("unresolved identifier %q", e.name)
	}
	return v, nil
}

type notExpr struct{ inner exprNode }

func (e *notExpr) eval(ns map[string]any) (any, error) {
	v, err := e.inner.eval(ns)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type binaryExpr struct {
	op          string
	left, right exprNode
}

func (e *binaryExpr) eval(ns map[string]any) (any, error) {
	l, err := e.left.eval(ns)
	if err != nil {
		return nil, err
	}
	// Short-circuit the logical operators.
	switch e.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := e.right.eval(ns)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := e.right.eval(ns)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	r, err := e.right.eval(ns)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(e.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %q", e.op)
}

type callExpr struct {
	name string
	args []exprNode
}

func (e *callExpr) eval(ns map[string]any) (any, error) {
	switch e.name {
	case "exists":
		// exists() never errors on a missing key; that is its point.
		if id, ok := e.args[0].(*identExpr); ok {
			_, found := ns[id.name]
			return found, nil
		}
		_, err := e.args[0].eval(ns)
		return err == nil, nil
	case "len":
		v, err := e.args[0].eval(ns)
		if err != nil {
			return nil, err
		}
		return lengthOf(v)
	case "contains":
		hay, err := e.args[0].eval(ns)
		if err != nil {
			return nil, err
		}
		needle, err := e.args[1].eval(ns)
		if err != nil {
			return nil, err
		}
		return containsValue(hay, needle)
	}
	return nil, fmt.Errorf("unknown function %q", e.name)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func looseEqual(l, r any) bool {
	if ln, ok := toNumber(l); ok {
		if rn, ok := toNumber(r); ok {
			return ln == rn
		}
		return false
	}
	return reflect.DeepEqual(l, r)
}

func compareOrdered(op string, l, r any) (any, error) {
	if ln, lok := toNumber(l); lok {
		rn, rok := toNumber(r)
		if !rok {
			return nil, fmt.Errorf("cannot compare number with %T", r)
		}
		return applyOrder(op, compareFloats(ln, rn)), nil
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return applyOrder(op, strings.Compare(ls, rs)), nil
	}
	return nil, fmt.Errorf("cannot order %T and %T", l, r)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func lengthOf(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case nil:
		return float64(0), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return float64(rv.Len()), nil
	}
	return nil, fmt.Errorf("len() of %T", v)
}

func containsValue(hay, needle any) (any, error) {
	if hs, ok := hay.(string); ok {
		ns, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("contains() needle must be a string for string haystack")
		}
		return strings.Contains(hs, ns), nil
	}
	rv := reflect.ValueOf(hay)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		ns, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("contains() needle must be a string for map haystack")
		}
		for _, k := range rv.MapKeys() {
			if k.Kind() == reflect.String && k.String() == ns {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("contains() over %T", hay)
}
