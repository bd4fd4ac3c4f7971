package permgraph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DSL Syntax:
// principal <entity>
// max_items <n>
// entity <name> <attrs>                     attrs: name:kind[:optional][:unique][:indexed],...
// link <name> <on>.<label>:<has>[:cascade] <on>.<label>:<has>[:cascade]
// rule <entity> <action> "<expression>"
// bind <entity> <name> "<expression>"
// engine <key>=<value>...
//
// Expressions are quoted with double quotes; string literals inside them use
// single quotes ('admin').

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	if cfg.Principal != "" {
		e.buf = append(e.buf, "principal "...)
		e.buf = append(e.buf, cfg.Principal...)
		e.buf = append(e.buf, '\n')
	}
	if cfg.MaxItems > 0 {
		e.buf = append(e.buf, "max_items "...)
		n := strconv.AppendInt(tmp[:0], int64(cfg.MaxItems), 10)
		e.buf = append(e.buf, n...)
		e.buf = append(e.buf, '\n')
	}

	for _, et := range cfg.Entities {
		e.buf = append(e.buf, "entity "...)
		e.buf = append(e.buf, et.Name...)
		e.buf = append(e.buf, ' ')
		for i, a := range et.Attributes {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}
			e.buf = append(e.buf, a.Name...)
			e.buf = append(e.buf, ':')
			e.buf = append(e.buf, a.Kind...)
			if a.Optional {
				e.buf = append(e.buf, ":optional"...)
			}
			if a.Unique {
				e.buf = append(e.buf, ":unique"...)
			}
			if a.Indexed {
				e.buf = append(e.buf, ":indexed"...)
			}
		}
		e.buf = append(e.buf, '\n')
	}

	for _, l := range cfg.Links {
		e.buf = append(e.buf, "link "...)
		e.buf = append(e.buf, l.Name...)
		for _, side := range []LinkSide{l.Forward, l.Reverse} {
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, side.On...)
			e.buf = append(e.buf, '.')
			e.buf = append(e.buf, side.Label...)
			e.buf = append(e.buf, ':')
			e.buf = append(e.buf, side.Has...)
			if side.OnDelete == Cascade {
				e.buf = append(e.buf, ":cascade"...)
			}
		}
		e.buf = append(e.buf, '\n')
	}

	ruleKeys := make([]string, 0, len(cfg.Rules))
	for k := range cfg.Rules {
		ruleKeys = append(ruleKeys, k)
	}
	sort.Strings(ruleKeys)
	for _, entity := range ruleKeys {
		def := cfg.Rules[entity]
		for _, action := range []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionDefault} {
			src, ok := def.Allow[action]
			if !ok {
				continue
			}
			e.buf = append(e.buf, "rule "...)
			e.buf = append(e.buf, entity...)
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, action...)
			e.buf = append(e.buf, " \""...)
			e.buf = appendExpr(e.buf, src)
			e.buf = append(e.buf, '"')
			e.buf = append(e.buf, '\n')
		}
		for i := 0; i+1 < len(def.Bind); i += 2 {
			e.buf = append(e.buf, "bind "...)
			e.buf = append(e.buf, entity...)
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, def.Bind[i]...)
			e.buf = append(e.buf, " \""...)
			e.buf = appendExpr(e.buf, def.Bind[i+1])
			e.buf = append(e.buf, '"')
			e.buf = append(e.buf, '\n')
		}
	}

	if cfg.Engine.DecisionCacheTTL > 0 || cfg.Engine.MaxFanOut > 0 || cfg.Engine.AuditBuffer > 0 {
		e.buf = append(e.buf, "engine"...)
		if cfg.Engine.DecisionCacheTTL > 0 {
			e.buf = append(e.buf, " cache_ttl="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.DecisionCacheTTL, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.MaxFanOut > 0 {
			e.buf = append(e.buf, " max_fan_out="...)
			n := strconv.AppendInt(tmp[:0], int64(cfg.Engine.MaxFanOut), 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.AuditBuffer > 0 {
			e.buf = append(e.buf, " audit_buffer="...)
			n := strconv.AppendInt(tmp[:0], int64(cfg.Engine.AuditBuffer), 10)
			e.buf = append(e.buf, n...)
		}
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

// appendExpr writes an expression source, rewriting double-quoted string
// literals to single quotes so they survive the line format's own quoting.
func appendExpr(buf []byte, src string) []byte {
	for i := 0; i < len(src); i++ {
		if src[i] == '"' {
			buf = append(buf, '\'')
		} else {
			buf = append(buf, src[i])
		}
	}
	return buf
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:  1,
		Entities: make([]EntityType, 0, 8),
		Links:    make([]LinkDef, 0, 8),
		Rules:    make(map[string]RuleDef, 8),
	}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			p.line++
			line := data[start:i]
			start = i + 1

			for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				line = line[1:]
			}
			for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}

			if len(line) == 0 || line[0] == '#' {
				continue
			}

			parts := splitLineBytes(line)
			if len(parts) == 0 {
				continue
			}

			switch parts[0] {
			case "principal":
				if len(parts) < 2 {
					return nil, fmt.Errorf("line %d: principal requires: <entity>", p.line)
				}
				cfg.Principal = parts[1]
			case "max_items":
				if len(parts) < 2 {
					return nil, fmt.Errorf("line %d: max_items requires: <n>", p.line)
				}
				n, err := strconv.Atoi(parts[1])
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("line %d: max_items must be a positive integer", p.line)
				}
				cfg.MaxItems = n
			case "entity":
				if err := p.parseEntity(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "link":
				if err := p.parseLink(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "rule":
				if err := p.parseRule(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "bind":
				if err := p.parseBind(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "engine":
				if err := p.parseEngine(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			default:
				return nil, fmt.Errorf("line %d: unknown directive: %s", p.line, parts[0])
			}
		}
	}

	return cfg, nil
}

func splitLineBytes(line []byte) []string {
	parts := make([]string, 0, 8)
	var start int
	inQuote := false
	i := 0

	for i < len(line) {
		ch := line[i]
		if ch == '"' {
			if inQuote {
				parts = append(parts, string(line[start:i]))
				start = i + 1
				inQuote = false
			} else {
				start = i + 1
				inQuote = true
			}
		} else if (ch == ' ' || ch == '\t') && !inQuote {
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
		i++
	}

	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}

	return parts
}

func (p *DSLParser) parseEntity(cfg *Config, parts []string) error {
	if len(parts) < 1 {
		return fmt.Errorf("entity requires: <name> [attrs]")
	}
	et := EntityType{Name: parts[0]}
	if len(parts) > 1 {
		for _, spec := range strings.Split(parts[1], ",") {
			if spec == "" {
				continue
			}
			fields := strings.Split(spec, ":")
			if len(fields) < 2 {
				return fmt.Errorf("attribute %q needs name:kind", spec)
			}
			a := Attribute{Name: fields[0], Kind: AttrKind(fields[1])}
			for _, flag := range fields[2:] {
				switch flag {
				case "optional":
					a.Optional = true
				case "unique":
					a.Unique = true
				case "indexed":
					a.Indexed = true
				default:
					return fmt.Errorf("attribute %q has unknown flag %q", spec, flag)
				}
			}
			et.Attributes = append(et.Attributes, a)
		}
	}
	cfg.Entities = append(cfg.Entities, et)
	return nil
}

func (p *DSLParser) parseLink(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("link requires: <name> <on>.<label>:<has> <on>.<label>:<has>")
	}
	l := LinkDef{Name: parts[0]}
	for i, side := range []*LinkSide{&l.Forward, &l.Reverse} {
		spec := parts[1+i]
		dot := strings.Index(spec, ".")
		if dot < 0 {
			return fmt.Errorf("link side %q needs <entity>.<label>:<has>", spec)
		}
		side.On = spec[:dot]
		rest := strings.Split(spec[dot+1:], ":")
		if len(rest) < 2 {
			return fmt.Errorf("link side %q needs <entity>.<label>:<has>", spec)
		}
		side.Label = rest[0]
		side.Has = Cardinality(rest[1])
		for _, flag := range rest[2:] {
			if flag != "cascade" {
				return fmt.Errorf("link side %q has unknown flag %q", spec, flag)
			}
			side.OnDelete = Cascade
		}
	}
	cfg.Links = append(cfg.Links, l)
	return nil
}

func (p *DSLParser) parseRule(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("rule requires: <entity> <action> \"<expression>\"")
	}
	entity, action, src := parts[0], Action(parts[1]), parts[2]
	switch action {
	case ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionDefault:
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	def := cfg.Rules[entity]
	if def.Allow == nil {
		def.Allow = make(map[Action]string)
	}
	if _, dup := def.Allow[action]; dup {
		return fmt.Errorf("duplicate rule for %s %s", entity, action)
	}
	def.Allow[action] = src
	cfg.Rules[entity] = def
	return nil
}

func (p *DSLParser) parseBind(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("bind requires: <entity> <name> \"<expression>\"")
	}
	entity, name, src := parts[0], parts[1], parts[2]
	def := cfg.Rules[entity]
	if def.Allow == nil {
		def.Allow = make(map[Action]string)
	}
	def.Bind = append(def.Bind, name, src)
	cfg.Rules[entity] = def
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		idx := strings.Index(kv, "=")
		if idx == -1 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		switch key {
		case "cache_ttl":
			cfg.Engine.DecisionCacheTTL, _ = strconv.ParseInt(val, 10, 64)
		case "max_items":
			cfg.Engine.MaxItems, _ = strconv.Atoi(val)
		case "max_fan_out":
			cfg.Engine.MaxFanOut, _ = strconv.Atoi(val)
		case "audit_buffer":
			cfg.Engine.AuditBuffer, _ = strconv.Atoi(val)
		case "ristretto_counters":
			cfg.Engine.RistrettoNumCounter, _ = strconv.ParseInt(val, 10, 64)
		case "ristretto_max_cost":
			cfg.Engine.RistrettoMaxCost, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	return nil
}
