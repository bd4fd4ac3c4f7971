package permgraph

import (
	"fmt"
	"sort"

	"github.com/oarkflow/permgraph/utils"
)

// ============================================================================
// RULE SET
// ============================================================================

// Action is one of the four gated operations, plus the $default fallback key
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionDefault inside an entity's allow block covers every action the
	// block does not name explicitly.
	ActionDefault Action = "$default"
)

// DefaultEntityKey is the wildcard rule-set entry consulted when no
// entity-specific rule matches.
const DefaultEntityKey = "$default"

// RuleDef is the declarative, string-encoded form of one entity's rules.
// Bind is a flat alternating list: name, expression, name, expression...
type RuleDef struct {
	Allow map[Action]string `json:"allow" yaml:"allow"`
	Bind  []string          `json:"bind,omitempty" yaml:"bind,omitempty"`
}

// EntityRules is the compiled form: action predicates plus named bindings,
// all parsed into ASTs at load time.
type EntityRules struct {
	Entity    string
	Allow     map[Action]Expr
	bindings  map[string]Expr
	bindOrder []string
}

// Bindings returns the binding names in declaration order
func (er *EntityRules) Bindings() []string {
	out := make([]string, len(er.bindOrder))
	copy(out, er.bindOrder)
	return out
}

// Binding returns one compiled binding expression by name
func (er *EntityRules) Binding(name string) (Expr, bool) {
	e, ok := er.bindings[name]
	return e, ok
}

// RuleSet is the immutable per-entity rule collection, built once at load.
// Keys may be concrete entity names, wildcard patterns, or $default.
type RuleSet struct {
	schema *Schema
	rules  map[string]*EntityRules
	order  []string
}

// NewRuleSet parses and validates every rule definition. Malformed
// expressions, undefined binding references and binding cycles are all
// load-time errors; nothing is deferred to request time that can be caught
// here.
func NewRuleSet(schema *Schema, defs map[string]RuleDef) (*RuleSet, error) {
	rs := &RuleSet{schema: schema, rules: make(map[string]*EntityRules, len(defs))}
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, entity := range keys {
		er, err := compileEntityRules(entity, defs[entity])
		if err != nil {
			return nil, err
		}
		rs.rules[entity] = er
		rs.order = append(rs.order, entity)
	}
	for _, entity := range rs.order {
		if err := rs.validateEntityRules(rs.rules[entity]); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func compileEntityRules(entity string, def RuleDef) (*EntityRules, error) {
	er := &EntityRules{
		Entity:   entity,
		Allow:    make(map[Action]Expr, len(def.Allow)),
		bindings: make(map[string]Expr),
	}
	if len(def.Bind)%2 != 0 {
		return nil, fmt.Errorf("rules %q: bind list must alternate name, expression", entity)
	}
	for i := 0; i < len(def.Bind); i += 2 {
		name, src := def.Bind[i], def.Bind[i+1]
		if _, dup := er.bindings[name]; dup {
			return nil, fmt.Errorf("rules %q: duplicate binding %q", entity, name)
		}
		expr, err := ParseExpr(src)
		if err != nil {
			return nil, fmt.Errorf("rules %q: binding %q: %w", entity, name, err)
		}
		er.bindings[name] = expr
		er.bindOrder = append(er.bindOrder, name)
	}
	for action, src := range def.Allow {
		switch action {
		case ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionDefault:
		default:
			return nil, fmt.Errorf("rules %q: unknown action %q", entity, action)
		}
		expr, err := ParseExpr(src)
		if err != nil {
			return nil, fmt.Errorf("rules %q: %s: %w", entity, action, err)
		}
		er.Allow[action] = expr
	}
	return er, nil
}

// validateEntityRules resolves binding references, rejects cycles and, for
// concrete entity keys, checks every field and traversal against the
// schema. Wildcard keys can only be checked structurally; their field
// access is validated at evaluation time.
func (rs *RuleSet) validateEntityRules(er *EntityRules) error {
	concrete := false
	if _, ok := rs.schema.Entity(er.Entity); ok {
		concrete = true
	}

	// binding dependency cycles (explicit graph walk, DFS with colors)
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(er.bindings))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("rules %q: binding cycle through %q", er.Entity, name)
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range bindingRefs(er.bindings[name]) {
			if _, ok := er.bindings[dep]; !ok {
				return fmt.Errorf("rules %q: binding %q references undefined %q", er.Entity, name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, name := range er.bindOrder {
		if err := visit(name); err != nil {
			return err
		}
	}

	check := func(action string, e Expr) error {
		for _, dep := range bindingRefs(e) {
			if _, ok := er.bindings[dep]; !ok {
				return fmt.Errorf("rules %q: %s references undefined binding %q", er.Entity, action, dep)
			}
		}
		if concrete {
			if err := rs.validateAgainstSchema(er.Entity, e); err != nil {
				return fmt.Errorf("rules %q: %s: %w", er.Entity, action, err)
			}
		}
		return nil
	}
	for action, e := range er.Allow {
		if err := check(string(action), e); err != nil {
			return err
		}
	}
	for name, e := range er.bindings {
		if err := check("binding "+name, e); err != nil {
			return err
		}
	}
	return nil
}

// bindingRefs collects the binding names an expression mentions
func bindingRefs(e Expr) []string {
	var out []string
	walkExpr(e, func(n Expr) {
		if b, ok := n.(*BindingExpr); ok {
			out = append(out, b.Name)
		}
	})
	return out
}

func walkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case *NotExpr:
		walkExpr(n.X, fn)
	case *SizeExpr:
		walkExpr(n.Arg, fn)
	case *EqExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	case *NeExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	case *CompareExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	case *InExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	case *AndExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	case *OrExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	}
}

// validateAgainstSchema walks the AST and rejects attribute or link
// references that do not exist for the entity, so typos surface at load
// instead of as per-request predicate errors.
func (rs *RuleSet) validateAgainstSchema(entity string, e Expr) error {
	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	walkExpr(e, func(n Expr) {
		switch node := n.(type) {
		case *FieldExpr:
			if node.Root == RootAuth {
				return
			}
			if node.Name == "id" {
				return
			}
			et, _ := rs.schema.Entity(entity)
			if _, ok := et.Attr(node.Name); ok {
				return
			}
			if _, ok := rs.schema.Edge(entity, node.Name); ok {
				return
			}
			record(fmt.Errorf("entity %q has no attribute or link %q", entity, node.Name))
		case *RefExpr:
			cur := entity
			path := node.Path
			if node.Root == RootAuth {
				if len(path) == 0 || path[0] != PrincipalSegment {
					record(fmt.Errorf("auth.ref path must start with %q", PrincipalSegment))
					return
				}
				cur = rs.schema.PrincipalEntity()
				path = path[1:]
			}
			if len(path) == 0 {
				record(fmt.Errorf("empty ref path"))
				return
			}
			for _, label := range path[:len(path)-1] {
				edge, ok := rs.schema.Edge(cur, label)
				if !ok {
					record(fmt.Errorf("entity %q has no link %q", cur, label))
					return
				}
				cur = edge.To
			}
			leaf := path[len(path)-1]
			if leaf == "id" {
				return
			}
			et, ok := rs.schema.Entity(cur)
			if !ok {
				record(fmt.Errorf("unknown entity type %q", cur))
				return
			}
			if _, ok := et.Attr(leaf); !ok {
				record(fmt.Errorf("entity %q has no attribute %q", cur, leaf))
			}
		}
	})
	return firstErr
}

// RulesFor returns the rule sources that can decide for an entity, most
// specific first: exact name, wildcard patterns in declaration order, then
// the $default entry.
func (rs *RuleSet) RulesFor(entity string) []*EntityRules {
	var out []*EntityRules
	if er, ok := rs.rules[entity]; ok {
		out = append(out, er)
	}
	for _, key := range rs.order {
		if key == entity || key == DefaultEntityKey {
			continue
		}
		if utils.MatchEntity(entity, key) {
			out = append(out, rs.rules[key])
		}
	}
	if er, ok := rs.rules[DefaultEntityKey]; ok {
		out = append(out, er)
	}
	return out
}

// PredicateFor resolves the action predicate for an entity. The first rule
// source that mentions the action (or carries an action $default) wins.
// ok=false means no rule anywhere: the action is denied unconditionally.
func (rs *RuleSet) PredicateFor(entity string, action Action) (Expr, *EntityRules, bool) {
	for _, er := range rs.RulesFor(entity) {
		if e, ok := er.Allow[action]; ok {
			return e, er, true
		}
		if e, ok := er.Allow[ActionDefault]; ok {
			return e, er, true
		}
	}
	return nil, nil, false
}

// Entities returns the rule-set keys in declaration order
func (rs *RuleSet) Entities() []string {
	out := make([]string, len(rs.order))
	copy(out, rs.order)
	return out
}

// Rules returns the compiled rules stored under an exact key
func (rs *RuleSet) Rules(key string) (*EntityRules, bool) {
	er, ok := rs.rules[key]
	return er, ok
}
