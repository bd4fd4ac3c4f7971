package permgraph

// Builders provide a fluent API for declaring entities, links and rules

// EntityBuilder builds an EntityType
type EntityBuilder struct {
	et EntityType
}

func NewEntityBuilder(name string) *EntityBuilder {
	return &EntityBuilder{et: EntityType{Name: name}}
}

func (b *EntityBuilder) attr(name string, kind AttrKind, mod ...func(*Attribute)) *EntityBuilder {
	a := Attribute{Name: name, Kind: kind}
	for _, m := range mod {
		m(&a)
	}
	b.et.Attributes = append(b.et.Attributes, a)
	return b
}

func (b *EntityBuilder) String(name string, mod ...func(*Attribute)) *EntityBuilder {
	return b.attr(name, KindString, mod...)
}
func (b *EntityBuilder) Number(name string, mod ...func(*Attribute)) *EntityBuilder {
	return b.attr(name, KindNumber, mod...)
}
func (b *EntityBuilder) Boolean(name string, mod ...func(*Attribute)) *EntityBuilder {
	return b.attr(name, KindBoolean, mod...)
}
func (b *EntityBuilder) Date(name string, mod ...func(*Attribute)) *EntityBuilder {
	return b.attr(name, KindDate, mod...)
}
func (b *EntityBuilder) JSON(name string, mod ...func(*Attribute)) *EntityBuilder {
	return b.attr(name, KindJSON, mod...)
}
func (b *EntityBuilder) Build() EntityType { return b.et }

// Attribute modifiers for EntityBuilder
func Optional(a *Attribute) { a.Optional = true }
func Unique(a *Attribute)   { a.Unique = true }
func Indexed(a *Attribute)  { a.Indexed = true }

// LinkBuilder builds a LinkDef
type LinkBuilder struct {
	l LinkDef
}

func NewLinkBuilder(name string) *LinkBuilder {
	return &LinkBuilder{l: LinkDef{Name: name}}
}

func (b *LinkBuilder) ForwardOne(on, label string) *LinkBuilder {
	b.l.Forward = LinkSide{On: on, Has: One, Label: label}
	return b
}
func (b *LinkBuilder) ForwardMany(on, label string) *LinkBuilder {
	b.l.Forward = LinkSide{On: on, Has: Many, Label: label}
	return b
}
func (b *LinkBuilder) ReverseOne(on, label string) *LinkBuilder {
	b.l.Reverse = LinkSide{On: on, Has: One, Label: label}
	return b
}
func (b *LinkBuilder) ReverseMany(on, label string) *LinkBuilder {
	b.l.Reverse = LinkSide{On: on, Has: Many, Label: label}
	return b
}

// CascadeForward deletes the forward-side record when its linked record goes
func (b *LinkBuilder) CascadeForward() *LinkBuilder {
	b.l.Forward.OnDelete = Cascade
	return b
}
func (b *LinkBuilder) CascadeReverse() *LinkBuilder {
	b.l.Reverse.OnDelete = Cascade
	return b
}
func (b *LinkBuilder) Build() LinkDef { return b.l }

// SchemaBuilder collects entities and links and builds the registry
type SchemaBuilder struct {
	entities []EntityType
	links    []LinkDef
	opts     []SchemaOption
}

func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{}
}

func (b *SchemaBuilder) Entity(et EntityType) *SchemaBuilder {
	b.entities = append(b.entities, et)
	return b
}
func (b *SchemaBuilder) Link(l LinkDef) *SchemaBuilder {
	b.links = append(b.links, l)
	return b
}
func (b *SchemaBuilder) Principal(entity string) *SchemaBuilder {
	b.opts = append(b.opts, WithPrincipalEntity(entity))
	return b
}
func (b *SchemaBuilder) Build() (*Schema, error) {
	return NewSchema(b.entities, b.links, b.opts...)
}

// RulesBuilder builds the declarative rule map
type RulesBuilder struct {
	defs map[string]RuleDef
}

func NewRulesBuilder() *RulesBuilder {
	return &RulesBuilder{defs: make(map[string]RuleDef)}
}

func (b *RulesBuilder) rule(entity string, action Action, expr string) *RulesBuilder {
	def := b.defs[entity]
	if def.Allow == nil {
		def.Allow = make(map[Action]string)
	}
	def.Allow[action] = expr
	b.defs[entity] = def
	return b
}

func (b *RulesBuilder) View(entity, expr string) *RulesBuilder {
	return b.rule(entity, ActionView, expr)
}
func (b *RulesBuilder) Create(entity, expr string) *RulesBuilder {
	return b.rule(entity, ActionCreate, expr)
}
func (b *RulesBuilder) Update(entity, expr string) *RulesBuilder {
	return b.rule(entity, ActionUpdate, expr)
}
func (b *RulesBuilder) Delete(entity, expr string) *RulesBuilder {
	return b.rule(entity, ActionDelete, expr)
}
func (b *RulesBuilder) Default(entity, expr string) *RulesBuilder {
	return b.rule(entity, ActionDefault, expr)
}

// Bind registers a named sub-expression usable from the entity's predicates
func (b *RulesBuilder) Bind(entity, name, expr string) *RulesBuilder {
	def := b.defs[entity]
	if def.Allow == nil {
		def.Allow = make(map[Action]string)
	}
	def.Bind = append(def.Bind, name, expr)
	b.defs[entity] = def
	return b
}

func (b *RulesBuilder) Defs() map[string]RuleDef { return b.defs }

func (b *RulesBuilder) Build(schema *Schema) (*RuleSet, error) {
	return NewRuleSet(schema, b.defs)
}
