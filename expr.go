package permgraph

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// EXPRESSION LANGUAGE
// ============================================================================
//
// Rule predicates are free-form strings in the source configuration. They
// are parsed once, at load time, into a typed AST; malformed rules are
// rejected before any request is served. Evaluation is side-effect free and
// short-circuits left to right.

// Root names the implicit variable a field access or traversal starts from
type Root string

const (
	RootAuth    Root = "auth"
	RootData    Root = "data"
	RootNewData Root = "newData"
)

// MaxItemsName is the constant every rule expression may reference as the
// uniform fan-out ceiling.
const MaxItemsName = "MAX_ITEMS"

// RefSet is the deduplicated value set produced by a ref traversal
type RefSet []any

// Contains reports set membership under the language's equality rules
func (s RefSet) Contains(v any) bool {
	for _, item := range s {
		if valueEquals(item, v) {
			return true
		}
	}
	return false
}

// Expr is a compiled predicate expression node
type Expr interface {
	Eval(ctx *EvalContext) (any, error)
	String() string
}

// EvalContext carries everything one predicate evaluation may read: the
// principal, the current and proposed record snapshots, the graphs those
// records live in, and the per-evaluation binding memo. It is created per
// authorize call and never shared.
type EvalContext struct {
	Schema *Schema
	Auth   *Principal

	Data      *Record
	NewData   *Record
	DataGraph Graph
	NewGraph  Graph

	bindings  map[string]Expr
	memo      map[string]any
	resolving map[string]bool
	maxFanOut int
	maxItems  float64
}

func (ctx *EvalContext) rootRecord(root Root) (*Record, Graph) {
	switch root {
	case RootData:
		return ctx.Data, ctx.DataGraph
	case RootNewData:
		return ctx.NewData, ctx.NewGraph
	}
	return nil, nil
}

// resolveBinding evaluates a named binding lazily and memoizes the result
// for the rest of this evaluation, so repeated references see one
// consistent snapshot and pay for the traversal once.
func (ctx *EvalContext) resolveBinding(name string) (any, error) {
	if v, ok := ctx.memo[name]; ok {
		return v, nil
	}
	expr, ok := ctx.bindings[name]
	if !ok {
		return nil, fmt.Errorf("undefined binding %q", name)
	}
	if ctx.resolving[name] {
		return nil, fmt.Errorf("binding cycle through %q", name)
	}
	if ctx.resolving == nil {
		ctx.resolving = make(map[string]bool)
	}
	ctx.resolving[name] = true
	v, err := expr.Eval(ctx)
	delete(ctx.resolving, name)
	if err != nil {
		return nil, err
	}
	if ctx.memo == nil {
		ctx.memo = make(map[string]any)
	}
	ctx.memo[name] = v
	return v, nil
}

// ----------------------------------------------------------------------------
// AST nodes
// ----------------------------------------------------------------------------

// LiteralExpr is a null, number, string or boolean literal
type LiteralExpr struct {
	Val any
}

func (e *LiteralExpr) Eval(ctx *EvalContext) (any, error) { return e.Val, nil }

func (e *LiteralExpr) String() string {
	switch v := e.Val.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprintf("%v", e.Val)
}

// maxItemsExpr resolves the MAX_ITEMS constant from the evaluation context
type maxItemsExpr struct{}

func (e *maxItemsExpr) Eval(ctx *EvalContext) (any, error) { return ctx.maxItems, nil }
func (e *maxItemsExpr) String() string                     { return MaxItemsName }

// FieldExpr reads one attribute or link label off a root record. Missing
// optional attributes yield null, never an error. A one-cardinality link
// yields the linked id or null; a many link yields the id set.
type FieldExpr struct {
	Root Root
	Name string
}

func (e *FieldExpr) Eval(ctx *EvalContext) (any, error) {
	if e.Root == RootAuth {
		return evalAuthField(ctx, e.Name)
	}
	rec, graph := ctx.rootRecord(e.Root)
	if rec == nil {
		return nil, nil
	}
	et, ok := ctx.Schema.Entity(rec.EntityType)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
	if e.Name == "id" {
		return rec.ID, nil
	}
	if _, ok := et.Attr(e.Name); ok {
		return rec.Attrs[e.Name], nil
	}
	if edge, ok := ctx.Schema.Edge(rec.EntityType, e.Name); ok {
		ids := graph.RefIDs(rec.EntityType, rec.ID, e.Name)
		if edge.Cardinality == One {
			if len(ids) == 0 {
				return nil, nil
			}
			return ids[0], nil
		}
		set := make(RefSet, 0, len(ids))
		for _, id := range ids {
			set = append(set, id)
		}
		return set, nil
	}
	return nil, fmt.Errorf("entity %q has no attribute or link %q", rec.EntityType, e.Name)
}

func evalAuthField(ctx *EvalContext, name string) (any, error) {
	if ctx.Auth == nil {
		return nil, nil
	}
	if name == "id" {
		return ctx.Auth.ID, nil
	}
	if v, ok := ctx.Auth.Attrs[name]; ok {
		return v, nil
	}
	pe := ctx.Schema.PrincipalEntity()
	if rec, ok := ctx.DataGraph.Get(pe, ctx.Auth.ID); ok {
		if et, ok := ctx.Schema.Entity(pe); ok {
			if _, ok := et.Attr(name); ok {
				return rec.Attrs[name], nil
			}
		}
	}
	return nil, nil
}

func (e *FieldExpr) String() string { return string(e.Root) + "." + e.Name }

// RefExpr traverses one or more link labels from a root record and collects
// the leaf attribute values as a set. Every path segment but the last is a
// link label; the last is an attribute name, with "id" meaning the record
// id. Traversal over an empty one-link yields an empty set.
type RefExpr struct {
	Root Root
	Path []string
}

func (e *RefExpr) Eval(ctx *EvalContext) (any, error) {
	var entity string
	var frontier []string
	var graph Graph
	path := e.Path

	if e.Root == RootAuth {
		if ctx.Auth == nil {
			return RefSet{}, nil
		}
		if len(path) == 0 || path[0] != PrincipalSegment {
			return nil, fmt.Errorf("auth.ref path must start with %q", PrincipalSegment)
		}
		entity = ctx.Schema.PrincipalEntity()
		frontier = []string{ctx.Auth.ID}
		graph = ctx.DataGraph
		path = path[1:]
	} else {
		rec, g := ctx.rootRecord(e.Root)
		if rec == nil {
			return RefSet{}, nil
		}
		entity = rec.EntityType
		frontier = []string{rec.ID}
		graph = g
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("empty ref path")
	}

	labels, leaf := path[:len(path)-1], path[len(path)-1]
	for _, label := range labels {
		edge, ok := ctx.Schema.Edge(entity, label)
		if !ok {
			return nil, fmt.Errorf("entity %q has no link %q", entity, label)
		}
		next := make([]string, 0, len(frontier))
		seen := make(map[string]struct{}, len(frontier))
		for _, id := range frontier {
			for _, related := range graph.RefIDs(entity, id, label) {
				if _, dup := seen[related]; dup {
					continue
				}
				seen[related] = struct{}{}
				next = append(next, related)
			}
			if len(next) > ctx.maxFanOut {
				return nil, fmt.Errorf("traversal via %q exceeds fan-out limit %d", label, ctx.maxFanOut)
			}
		}
		entity = edge.To
		frontier = next
	}

	et, ok := ctx.Schema.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	if leaf != "id" {
		if _, ok := et.Attr(leaf); !ok {
			return nil, fmt.Errorf("entity %q has no attribute %q", entity, leaf)
		}
	}
	set := make(RefSet, 0, len(frontier))
	for _, id := range frontier {
		if leaf == "id" {
			if !set.Contains(id) {
				set = append(set, id)
			}
			continue
		}
		rec, ok := graph.Get(entity, id)
		if !ok {
			continue
		}
		if v, ok := rec.Attrs[leaf]; ok && v != nil {
			if !set.Contains(v) {
				set = append(set, v)
			}
		}
	}
	return set, nil
}

func (e *RefExpr) String() string {
	return fmt.Sprintf("%s.ref(%q)", e.Root, strings.Join(e.Path, "."))
}

// SizeExpr returns the cardinality of a ref-produced set
type SizeExpr struct {
	Arg Expr
}

func (e *SizeExpr) Eval(ctx *EvalContext) (any, error) {
	v, err := e.Arg.Eval(ctx)
	if err != nil {
		return nil, err
	}
	set, ok := v.(RefSet)
	if !ok {
		return nil, fmt.Errorf("size() wants a set, got %T", v)
	}
	return float64(len(set)), nil
}

func (e *SizeExpr) String() string { return fmt.Sprintf("size(%s)", e.Arg.String()) }

// BindingExpr references a named binding of the enclosing entity rules
type BindingExpr struct {
	Name string
}

func (e *BindingExpr) Eval(ctx *EvalContext) (any, error) { return ctx.resolveBinding(e.Name) }
func (e *BindingExpr) String() string                     { return e.Name }

// NotExpr is boolean negation
type NotExpr struct {
	X Expr
}

func (e *NotExpr) Eval(ctx *EvalContext) (any, error) {
	v, err := e.X.Eval(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("! wants a boolean, got %T", v)
	}
	return !b, nil
}

func (e *NotExpr) String() string { return "!" + e.X.String() }

// EqExpr is equality; null compares equal only to null
type EqExpr struct {
	Left, Right Expr
}

func (e *EqExpr) Eval(ctx *EvalContext) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return valueEquals(l, r), nil
}

func (e *EqExpr) String() string { return e.Left.String() + " == " + e.Right.String() }

// NeExpr is inequality
type NeExpr struct {
	Left, Right Expr
}

func (e *NeExpr) Eval(ctx *EvalContext) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return !valueEquals(l, r), nil
}

func (e *NeExpr) String() string { return e.Left.String() + " != " + e.Right.String() }

// CompareExpr is numeric ordering (<, <=, >, >=); both operands must be
// numbers, typically size() against a count or MAX_ITEMS
type CompareExpr struct {
	Op          string
	Left, Right Expr
}

func (e *CompareExpr) Eval(ctx *EvalContext) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	lf, ok := l.(float64)
	if !ok {
		return nil, fmt.Errorf("%s wants numbers, got %T", e.Op, l)
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	rf, ok := r.(float64)
	if !ok {
		return nil, fmt.Errorf("%s wants numbers, got %T", e.Op, r)
	}
	switch e.Op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown comparison operator %q", e.Op)
}

func (e *CompareExpr) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

// InExpr is membership when the right side is a set, plain equality when it
// is singular
type InExpr struct {
	Left, Right Expr
}

func (e *InExpr) Eval(ctx *EvalContext) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	if set, ok := r.(RefSet); ok {
		if l == nil {
			return false, nil
		}
		return set.Contains(l), nil
	}
	return valueEquals(l, r), nil
}

func (e *InExpr) String() string { return e.Left.String() + " in " + e.Right.String() }

// AndExpr short-circuits left to right
type AndExpr struct {
	Left, Right Expr
}

func (e *AndExpr) Eval(ctx *EvalContext) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	lb, ok := l.(bool)
	if !ok {
		return nil, fmt.Errorf("&& wants booleans, got %T", l)
	}
	if !lb {
		return false, nil
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	rb, ok := r.(bool)
	if !ok {
		return nil, fmt.Errorf("&& wants booleans, got %T", r)
	}
	return rb, nil
}

func (e *AndExpr) String() string { return "(" + e.Left.String() + " && " + e.Right.String() + ")" }

// OrExpr short-circuits left to right
type OrExpr struct {
	Left, Right Expr
}

func (e *OrExpr) Eval(ctx *EvalContext) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	lb, ok := l.(bool)
	if !ok {
		return nil, fmt.Errorf("|| wants booleans, got %T", l)
	}
	if lb {
		return true, nil
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	rb, ok := r.(bool)
	if !ok {
		return nil, fmt.Errorf("|| wants booleans, got %T", r)
	}
	return rb, nil
}

func (e *OrExpr) String() string { return "(" + e.Left.String() + " || " + e.Right.String() + ")" }

// valueEquals compares two canonical attribute values. Comparisons between
// kinds are false rather than errors; comparing numbers normalizes through
// float64, dates through their instant.
func valueEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return false
}

// ============================================================================
// PARSER
// ============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokBang
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokDot
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

func (lx *lexer) next() (token, error) {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			lx.pos++
			continue
		case c == '(':
			lx.pos++
			return token{tokLParen, "(", lx.pos - 1}, nil
		case c == ')':
			lx.pos++
			return token{tokRParen, ")", lx.pos - 1}, nil
		case c == '.':
			lx.pos++
			return token{tokDot, ".", lx.pos - 1}, nil
		case c == '!':
			if lx.peekAt(1) == '=' {
				lx.pos += 2
				return token{tokNe, "!=", lx.pos - 2}, nil
			}
			lx.pos++
			return token{tokBang, "!", lx.pos - 1}, nil
		case c == '=':
			if lx.peekAt(1) == '=' {
				lx.pos += 2
				return token{tokEq, "==", lx.pos - 2}, nil
			}
			return token{}, fmt.Errorf("unexpected '=' at %d (did you mean '==')", lx.pos)
		case c == '<':
			if lx.peekAt(1) == '=' {
				lx.pos += 2
				return token{tokLe, "<=", lx.pos - 2}, nil
			}
			lx.pos++
			return token{tokLt, "<", lx.pos - 1}, nil
		case c == '>':
			if lx.peekAt(1) == '=' {
				lx.pos += 2
				return token{tokGe, ">=", lx.pos - 2}, nil
			}
			lx.pos++
			return token{tokGt, ">", lx.pos - 1}, nil
		case c == '&':
			if lx.peekAt(1) == '&' {
				lx.pos += 2
				return token{tokAnd, "&&", lx.pos - 2}, nil
			}
			return token{}, fmt.Errorf("unexpected '&' at %d", lx.pos)
		case c == '|':
			if lx.peekAt(1) == '|' {
				lx.pos += 2
				return token{tokOr, "||", lx.pos - 2}, nil
			}
			return token{}, fmt.Errorf("unexpected '|' at %d", lx.pos)
		case c == '"' || c == '\'':
			return lx.lexString(c)
		case c >= '0' && c <= '9':
			return lx.lexNumber()
		case isIdentStart(c):
			return lx.lexIdent()
		default:
			return token{}, fmt.Errorf("unexpected character %q at %d", c, lx.pos)
		}
	}
	return token{tokEOF, "", lx.pos}, nil
}

func (lx *lexer) peekAt(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) lexString(quote byte) (token, error) {
	start := lx.pos
	lx.pos++
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == quote {
			lx.pos++
			return token{tokString, sb.String(), start}, nil
		}
		if c == '\\' && lx.pos+1 < len(lx.src) {
			lx.pos++
			c = lx.src[lx.pos]
		}
		sb.WriteByte(c)
		lx.pos++
	}
	return token{}, fmt.Errorf("unterminated string starting at %d", start)
}

func (lx *lexer) lexNumber() (token, error) {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			// stop at a '.' not followed by a digit (method call boundary)
			if c == '.' && !(lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] >= '0' && lx.src[lx.pos+1] <= '9') {
				break
			}
			lx.pos++
			continue
		}
		break
	}
	return token{tokNumber, lx.src[start:lx.pos], start}, nil
}

func (lx *lexer) lexIdent() (token, error) {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
		lx.pos++
	}
	return token{tokIdent, lx.src[start:lx.pos], start}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

type parser struct {
	lx  *lexer
	cur token
}

// ParseExpr parses one predicate expression into its AST. Syntax errors
// carry the offending position; callers treat them as load-time fatal.
func ParseExpr(src string) (Expr, error) {
	p := &parser{lx: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
	}
	return e, nil
}

func (p *parser) advance() error {
	t, err := p.lx.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.cur.kind != kind {
		return token{}, fmt.Errorf("expected %s at %d, got %q", what, p.cur.pos, p.cur.text)
	}
	t := p.cur
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return t, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseRel()
	if err != nil {
		return nil, err
	}
	switch {
	case p.cur.kind == tokEq:
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseRel()
		if err != nil {
			return nil, err
		}
		return &EqExpr{Left: left, Right: right}, nil
	case p.cur.kind == tokNe:
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseRel()
		if err != nil {
			return nil, err
		}
		return &NeExpr{Left: left, Right: right}, nil
	case p.cur.kind == tokIdent && p.cur.text == "in":
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseRel()
		if err != nil {
			return nil, err
		}
		return &InExpr{Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseRel() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	var op string
	switch p.cur.kind {
	case tokLt:
		op = "<"
	case tokLe:
		op = "<="
	case tokGt:
		op = ">"
	case tokGe:
		op = ">="
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &CompareExpr{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur.kind == tokBang {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	case tokString:
		v := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LiteralExpr{Val: v}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", p.cur.text, p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LiteralExpr{Val: n}, nil
	case tokIdent:
		return p.parseIdent()
	}
	return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
}

func (p *parser) parseIdent() (Expr, error) {
	name := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch name {
	case "null":
		return &LiteralExpr{Val: nil}, nil
	case "true":
		return &LiteralExpr{Val: true}, nil
	case "false":
		return &LiteralExpr{Val: false}, nil
	case MaxItemsName:
		return &maxItemsExpr{}, nil
	case "size":
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &SizeExpr{Arg: arg}, nil
	}

	root, isRoot := parseRoot(name)
	if !isRoot {
		if p.cur.kind == tokDot {
			return nil, fmt.Errorf("unknown variable %q at %d (want auth, data or newData)", name, p.cur.pos)
		}
		return &BindingExpr{Name: name}, nil
	}
	if p.cur.kind != tokDot {
		return nil, fmt.Errorf("%s needs a field or ref access at %d", name, p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	member, err := p.expect(tokIdent, "field name")
	if err != nil {
		return nil, err
	}
	if member.text == "ref" && p.cur.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		pathTok, err := p.expect(tokString, "ref path string")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		path := strings.Split(pathTok.text, ".")
		if len(path) == 0 || pathTok.text == "" {
			return nil, fmt.Errorf("empty ref path at %d", pathTok.pos)
		}
		return &RefExpr{Root: root, Path: path}, nil
	}
	return &FieldExpr{Root: root, Name: member.text}, nil
}

func parseRoot(name string) (Root, bool) {
	switch Root(name) {
	case RootAuth, RootData, RootNewData:
		return Root(name), true
	}
	return "", false
}
