package permgraph

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is the complete declarative configuration: schema, rules and engine
// tunables, loadable from YAML, JSON or the binary wire format.
type Config struct {
	Version   uint16             `json:"version" yaml:"version"`
	Principal string             `json:"principal,omitempty" yaml:"principal,omitempty"`
	MaxItems  int                `json:"max_items,omitempty" yaml:"max_items,omitempty"`
	Entities  []EntityType       `json:"entities" yaml:"entities"`
	Links     []LinkDef          `json:"links,omitempty" yaml:"links,omitempty"`
	Rules     map[string]RuleDef `json:"rules" yaml:"rules"`
	Engine    EngineConfig       `json:"engine,omitempty" yaml:"engine,omitempty"`
}

// EngineConfig carries runtime tunables
type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	MaxItems            int   `json:"max_items" yaml:"max_items"`
	MaxFanOut           int   `json:"max_fan_out" yaml:"max_fan_out"`
	AuditBuffer         int   `json:"audit_buffer" yaml:"audit_buffer"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the custom binary protocol
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	r := bytes.NewReader(data)
	return decodeBinaryConfig(r)
}

// LoadFile picks the decoder from the file extension (.yaml/.yml, .json, .bin)
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return l.LoadYAML(data)
	case strings.HasSuffix(path, ".json"):
		return l.LoadJSON(data)
	case strings.HasSuffix(path, ".bin"):
		return l.LoadBinary(data)
	}
	return nil, fmt.Errorf("unknown config format: %s", path)
}

// EncodeBinaryConfig encodes config to binary format
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Build compiles the declarative config into an immutable schema and rule
// set. Any inconsistency is a load-time error.
func (c *Config) Build() (*Schema, *RuleSet, error) {
	var opts []SchemaOption
	if c.Principal != "" {
		opts = append(opts, WithPrincipalEntity(c.Principal))
	}
	schema, err := NewSchema(c.Entities, c.Links, opts...)
	if err != nil {
		return nil, nil, err
	}
	rules, err := NewRuleSet(schema, c.Rules)
	if err != nil {
		return nil, nil, err
	}
	return schema, rules, nil
}

// Engine constructs an Engine from this config over a graph store
func (c *Config) BuildEngine(graph GraphStore, opts ...EngineOption) (*Engine, error) {
	schema, rules, err := c.Build()
	if err != nil {
		return nil, err
	}
	all := make([]EngineOption, 0, len(opts)+2)
	all = append(all, WithEngineConfig(c.Engine))
	if c.MaxItems > 0 {
		all = append(all, WithMaxItems(c.MaxItems))
	}
	all = append(all, opts...)
	return New(schema, rules, graph, all...)
}

// Binary protocol encoding/decoding
const (
	binaryMagic   = 0x5047 // "PG"
	binaryVersion = 1
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}

	// Header: magic(2) + version(2) + config_version(2)
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	// Encode sections with type tags
	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeMeta(b, cfg) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeEntities(b, cfg.Entities) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodeLinks(b, cfg.Links) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodeRules(b, cfg.Rules) })
	writeSection(buf, 0x05, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		data := make([]byte, size)
		io.ReadFull(r, data)

		switch tag {
		case 0x01:
			decodeMeta(data, cfg)
		case 0x02:
			cfg.Entities = decodeEntities(data)
		case 0x03:
			cfg.Links = decodeLinks(data)
		case 0x04:
			cfg.Rules = decodeRules(data)
		case 0x05:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func encodeMeta(buf *bytes.Buffer, cfg *Config) {
	writeString(buf, cfg.Principal)
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxItems))
}

func decodeMeta(data []byte, cfg *Config) {
	r := bytes.NewReader(data)
	cfg.Principal = readString(r)
	var mi int32
	binary.Read(r, binary.LittleEndian, &mi)
	cfg.MaxItems = int(mi)
}

func encodeEntities(buf *bytes.Buffer, entities []EntityType) {
	binary.Write(buf, binary.LittleEndian, uint16(len(entities)))
	for _, et := range entities {
		writeString(buf, et.Name)
		binary.Write(buf, binary.LittleEndian, uint16(len(et.Attributes)))
		for _, a := range et.Attributes {
			writeString(buf, a.Name)
			writeString(buf, string(a.Kind))
			var flags byte
			if a.Optional {
				flags |= 0x01
			}
			if a.Unique {
				flags |= 0x02
			}
			if a.Indexed {
				flags |= 0x04
			}
			buf.WriteByte(flags)
		}
	}
}

func decodeEntities(data []byte) []EntityType {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	entities := make([]EntityType, count)
	for i := range entities {
		entities[i].Name = readString(r)
		var attrCount uint16
		binary.Read(r, binary.LittleEndian, &attrCount)
		entities[i].Attributes = make([]Attribute, attrCount)
		for j := range entities[i].Attributes {
			a := &entities[i].Attributes[j]
			a.Name = readString(r)
			a.Kind = AttrKind(readString(r))
			flags, _ := r.ReadByte()
			a.Optional = flags&0x01 != 0
			a.Unique = flags&0x02 != 0
			a.Indexed = flags&0x04 != 0
		}
	}
	return entities
}

func encodeLinks(buf *bytes.Buffer, links []LinkDef) {
	binary.Write(buf, binary.LittleEndian, uint16(len(links)))
	for _, l := range links {
		writeString(buf, l.Name)
		for _, side := range []LinkSide{l.Forward, l.Reverse} {
			writeString(buf, side.On)
			writeString(buf, string(side.Has))
			writeString(buf, side.Label)
			writeString(buf, string(side.OnDelete))
		}
	}
}

func decodeLinks(data []byte) []LinkDef {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	links := make([]LinkDef, count)
	for i := range links {
		links[i].Name = readString(r)
		for _, side := range []*LinkSide{&links[i].Forward, &links[i].Reverse} {
			side.On = readString(r)
			side.Has = Cardinality(readString(r))
			side.Label = readString(r)
			side.OnDelete = OnDelete(readString(r))
		}
	}
	return links
}

func encodeRules(buf *bytes.Buffer, rules map[string]RuleDef) {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	// deterministic byte output for identical configs
	sort.Strings(keys)
	binary.Write(buf, binary.LittleEndian, uint16(len(keys)))
	for _, entity := range keys {
		def := rules[entity]
		writeString(buf, entity)
		actions := make([]string, 0, len(def.Allow))
		for a := range def.Allow {
			actions = append(actions, string(a))
		}
		sort.Strings(actions)
		binary.Write(buf, binary.LittleEndian, uint16(len(actions)))
		for _, a := range actions {
			writeString(buf, a)
			writeString(buf, def.Allow[Action(a)])
		}
		binary.Write(buf, binary.LittleEndian, uint16(len(def.Bind)))
		for _, b := range def.Bind {
			writeString(buf, b)
		}
	}
}

func decodeRules(data []byte) map[string]RuleDef {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	rules := make(map[string]RuleDef, count)
	for i := 0; i < int(count); i++ {
		entity := readString(r)
		def := RuleDef{Allow: make(map[Action]string)}
		var actionCount uint16
		binary.Read(r, binary.LittleEndian, &actionCount)
		for j := 0; j < int(actionCount); j++ {
			action := readString(r)
			def.Allow[Action(action)] = readString(r)
		}
		var bindCount uint16
		binary.Read(r, binary.LittleEndian, &bindCount)
		if bindCount > 0 {
			def.Bind = make([]string, bindCount)
			for j := range def.Bind {
				def.Bind[j] = readString(r)
			}
		}
		rules[entity] = def
	}
	return rules
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.DecisionCacheTTL)
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxItems))
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxFanOut))
	binary.Write(buf, binary.LittleEndian, int32(cfg.AuditBuffer))
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.DecisionCacheTTL)
	var mi, mf, ab int32
	binary.Read(r, binary.LittleEndian, &mi)
	cfg.MaxItems = int(mi)
	binary.Read(r, binary.LittleEndian, &mf)
	cfg.MaxFanOut = int(mf)
	binary.Read(r, binary.LittleEndian, &ab)
	cfg.AuditBuffer = int(ab)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	return cfg
}
