package permgraph

// ConfigBuilder provides a fluent API for assembling configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:  1,
			MaxItems: DefaultMaxItems,
			Entities: []EntityType{},
			Links:    []LinkDef{},
			Rules:    make(map[string]RuleDef),
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) Principal(entity string) *ConfigBuilder {
	b.cfg.Principal = entity
	return b
}

func (b *ConfigBuilder) MaxItems(n int) *ConfigBuilder {
	b.cfg.MaxItems = n
	return b
}

func (b *ConfigBuilder) AddEntity(et EntityType) *ConfigBuilder {
	b.cfg.Entities = append(b.cfg.Entities, et)
	return b
}

func (b *ConfigBuilder) AddLink(l LinkDef) *ConfigBuilder {
	b.cfg.Links = append(b.cfg.Links, l)
	return b
}

func (b *ConfigBuilder) AddRules(entity string, def RuleDef) *ConfigBuilder {
	b.cfg.Rules[entity] = def
	return b
}

func (b *ConfigBuilder) Allow(entity string, action Action, expr string) *ConfigBuilder {
	def := b.cfg.Rules[entity]
	if def.Allow == nil {
		def.Allow = make(map[Action]string)
	}
	def.Allow[action] = expr
	b.cfg.Rules[entity] = def
	return b
}

func (b *ConfigBuilder) Bind(entity, name, expr string) *ConfigBuilder {
	def := b.cfg.Rules[entity]
	if def.Allow == nil {
		def.Allow = make(map[Action]string)
	}
	def.Bind = append(def.Bind, name, expr)
	b.cfg.Rules[entity] = def
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
