package permgraph

import (
	"fmt"
	"time"

	"github.com/oarkflow/date"
)

// ============================================================================
// SCHEMA REGISTRY
// ============================================================================

// AttrKind enumerates the value kinds an attribute may hold
type AttrKind string

const (
	KindString  AttrKind = "string"
	KindNumber  AttrKind = "number"
	KindBoolean AttrKind = "boolean"
	KindDate    AttrKind = "date"
	KindJSON    AttrKind = "json"
)

// Cardinality of one side of a link
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// OnDelete controls what happens to a record when the record on the other
// side of the link is deleted
type OnDelete string

const (
	Cascade OnDelete = "cascade"
	NoOp    OnDelete = "none"
)

// DefaultPrincipalEntity is the entity type the auth principal resolves to
// unless the schema overrides it.
const DefaultPrincipalEntity = "$users"

// PrincipalSegment is the leading path segment of auth.ref(...) traversals.
// It selects the principal's own record.
const PrincipalSegment = "$user"

// Attribute describes one typed field of an entity
type Attribute struct {
	Name     string   `json:"name" yaml:"name"`
	Kind     AttrKind `json:"kind" yaml:"kind"`
	Optional bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Unique   bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	Indexed  bool     `json:"indexed,omitempty" yaml:"indexed,omitempty"`
}

// EntityType is a named, ordered attribute list
type EntityType struct {
	Name       string      `json:"name" yaml:"name"`
	Attributes []Attribute `json:"attrs" yaml:"attrs"`
}

// Attr returns the attribute declaration by name
func (t *EntityType) Attr(name string) (*Attribute, bool) {
	for i := range t.Attributes {
		if t.Attributes[i].Name == name {
			return &t.Attributes[i], true
		}
	}
	return nil, false
}

// LinkSide describes one direction of a link declaration
type LinkSide struct {
	On       string      `json:"on" yaml:"on"`
	Has      Cardinality `json:"has" yaml:"has"`
	Label    string      `json:"label" yaml:"label"`
	OnDelete OnDelete    `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
}

// LinkDef is a named bidirectional link between two entity types
type LinkDef struct {
	Name    string   `json:"name" yaml:"name"`
	Forward LinkSide `json:"forward" yaml:"forward"`
	Reverse LinkSide `json:"reverse" yaml:"reverse"`
}

// LinkEdge is one resolved direction of a link. Every edge has exactly one
// reverse edge; Schema.Reverse flips direction.
type LinkEdge struct {
	From               string
	Label              string
	Cardinality        Cardinality
	To                 string
	ReverseLabel       string
	ReverseCardinality Cardinality
	// OnDelete applies to records of From: cascade means deleting the
	// linked To record also deletes the From record.
	OnDelete OnDelete
}

// Schema is the immutable registry of entity types and link edges. It is
// built once at startup and never mutated afterwards, so concurrent reads
// need no synchronization.
type Schema struct {
	entities  map[string]*EntityType
	order     []string
	edges     map[string]map[string]*LinkEdge // entity -> outgoing label -> edge
	links     []LinkDef
	principal string
}

// SchemaOption customizes schema construction
type SchemaOption func(*Schema)

// WithPrincipalEntity overrides the entity type the auth principal maps to
func WithPrincipalEntity(name string) SchemaOption {
	return func(s *Schema) { s.principal = name }
}

// NewSchema validates entity and link declarations and builds the registry.
// Any inconsistency (duplicate attribute, duplicate label, unknown entity,
// missing reverse) is an error; callers are expected to fail startup on it.
func NewSchema(entities []EntityType, links []LinkDef, opts ...SchemaOption) (*Schema, error) {
	s := &Schema{
		entities:  make(map[string]*EntityType, len(entities)),
		edges:     make(map[string]map[string]*LinkEdge),
		links:     links,
		principal: DefaultPrincipalEntity,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range entities {
		et := entities[i]
		if et.Name == "" {
			return nil, fmt.Errorf("entity with empty name")
		}
		if _, dup := s.entities[et.Name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", et.Name)
		}
		seen := make(map[string]struct{}, len(et.Attributes))
		for _, a := range et.Attributes {
			if a.Name == "" {
				return nil, fmt.Errorf("entity %q: attribute with empty name", et.Name)
			}
			if _, dup := seen[a.Name]; dup {
				return nil, fmt.Errorf("entity %q: duplicate attribute %q", et.Name, a.Name)
			}
			switch a.Kind {
			case KindString, KindNumber, KindBoolean, KindDate, KindJSON:
			default:
				return nil, fmt.Errorf("entity %q: attribute %q has unknown kind %q", et.Name, a.Name, a.Kind)
			}
			seen[a.Name] = struct{}{}
		}
		cp := et
		s.entities[et.Name] = &cp
		s.order = append(s.order, et.Name)
		s.edges[et.Name] = make(map[string]*LinkEdge)
	}
	for _, l := range links {
		if err := s.addLink(l); err != nil {
			return nil, err
		}
	}
	if _, ok := s.entities[s.principal]; !ok {
		return nil, fmt.Errorf("principal entity %q is not declared", s.principal)
	}
	return s, nil
}

func (s *Schema) addLink(l LinkDef) error {
	if l.Forward.Label == "" || l.Reverse.Label == "" {
		return fmt.Errorf("link %q: both sides need a label", l.Name)
	}
	if _, ok := s.entities[l.Forward.On]; !ok {
		return fmt.Errorf("link %q: unknown entity %q", l.Name, l.Forward.On)
	}
	if _, ok := s.entities[l.Reverse.On]; !ok {
		return fmt.Errorf("link %q: unknown entity %q", l.Name, l.Reverse.On)
	}
	fwd := &LinkEdge{
		From:               l.Forward.On,
		Label:              l.Forward.Label,
		Cardinality:        l.Forward.Has,
		To:                 l.Reverse.On,
		ReverseLabel:       l.Reverse.Label,
		ReverseCardinality: l.Reverse.Has,
		OnDelete:           l.Forward.OnDelete,
	}
	rev := &LinkEdge{
		From:               l.Reverse.On,
		Label:              l.Reverse.Label,
		Cardinality:        l.Reverse.Has,
		To:                 l.Forward.On,
		ReverseLabel:       l.Forward.Label,
		ReverseCardinality: l.Forward.Has,
		OnDelete:           l.Reverse.OnDelete,
	}
	for _, e := range []*LinkEdge{fwd, rev} {
		if e.Cardinality != One && e.Cardinality != Many {
			return fmt.Errorf("link %q: cardinality must be one or many, got %q", l.Name, e.Cardinality)
		}
		if e.OnDelete != "" && e.OnDelete != Cascade && e.OnDelete != NoOp {
			return fmt.Errorf("link %q: on_delete must be cascade or none, got %q", l.Name, e.OnDelete)
		}
		if _, dup := s.edges[e.From][e.Label]; dup {
			return fmt.Errorf("link %q: entity %q already has a link labeled %q", l.Name, e.From, e.Label)
		}
		s.edges[e.From][e.Label] = e
	}
	return nil
}

// Entity resolves an entity type by name
func (s *Schema) Entity(name string) (*EntityType, bool) {
	et, ok := s.entities[name]
	return et, ok
}

// Entities returns entity type names in declaration order
func (s *Schema) Entities() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Links returns the original link declarations
func (s *Schema) Links() []LinkDef {
	out := make([]LinkDef, len(s.links))
	copy(out, s.links)
	return out
}

// Edge resolves an outgoing edge of entity by label. Reverse labels resolve
// too since each link registers an edge in both directions.
func (s *Schema) Edge(entity, label string) (*LinkEdge, bool) {
	m, ok := s.edges[entity]
	if !ok {
		return nil, false
	}
	e, ok := m[label]
	return e, ok
}

// Reverse returns the mirror edge of e
func (s *Schema) Reverse(e *LinkEdge) *LinkEdge {
	rev, _ := s.Edge(e.To, e.ReverseLabel)
	return rev
}

// EdgesFrom returns all outgoing edges of an entity (including ones reached
// via reverse labels)
func (s *Schema) EdgesFrom(entity string) []*LinkEdge {
	m := s.edges[entity]
	out := make([]*LinkEdge, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// PrincipalEntity returns the entity type name the auth principal maps to
func (s *Schema) PrincipalEntity() string { return s.principal }

// ============================================================================
// VALUE COERCION
// ============================================================================

// CoerceValue normalizes a submitted attribute value to the canonical Go
// representation for its kind: string, float64, bool, time.Time, or any
// (json). nil passes through untouched so predicates can test for it.
func CoerceValue(kind AttrKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindDate:
		switch d := v.(type) {
		case time.Time:
			return d, nil
		case float64:
			return time.UnixMilli(int64(d)).UTC(), nil
		case int:
			return time.UnixMilli(int64(d)).UTC(), nil
		case int64:
			return time.UnixMilli(d).UTC(), nil
		case string:
			if t, err := date.Parse(d); err == nil {
				return t, nil
			}
		}
	case KindJSON:
		return v, nil
	}
	return nil, fmt.Errorf("value %v (%T) is not a valid %s", v, v, kind)
}
