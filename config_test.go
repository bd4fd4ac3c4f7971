package permgraph

import (
	"bytes"
	"reflect"
	"testing"
)

func testConfig() *Config {
	return &Config{
		Version:  3,
		MaxItems: 50,
		Entities: testEntities(),
		Links:    testLinks(),
		Rules: map[string]RuleDef{
			"teams": {
				Allow: map[Action]string{
					ActionView:   "isMember",
					ActionCreate: "auth.id != null",
				},
				Bind: []string{"isMember", `auth.id in data.ref("members.user.id")`},
			},
			DefaultEntityKey: {
				Allow: map[Action]string{ActionDelete: "false"},
			},
		},
		Engine: EngineConfig{
			DecisionCacheTTL: 5000,
			MaxFanOut:        2000,
			AuditBuffer:      256,
		},
	}
}

func assertConfigEqual(t *testing.T, got, want *Config) {
	t.Helper()
	if got.Version != want.Version {
		t.Fatalf("version: %d != %d", got.Version, want.Version)
	}
	if got.Principal != want.Principal || got.MaxItems != want.MaxItems {
		t.Fatalf("meta: %+v vs %+v", got, want)
	}
	if !reflect.DeepEqual(got.Entities, want.Entities) {
		t.Fatalf("entities:\n got %+v\nwant %+v", got.Entities, want.Entities)
	}
	if !reflect.DeepEqual(got.Links, want.Links) {
		t.Fatalf("links:\n got %+v\nwant %+v", got.Links, want.Links)
	}
	if !reflect.DeepEqual(got.Rules, want.Rules) {
		t.Fatalf("rules:\n got %+v\nwant %+v", got.Rules, want.Rules)
	}
	if got.Engine != want.Engine {
		t.Fatalf("engine: %+v vs %+v", got.Engine, want.Engine)
	}
}

func TestConfigYAMLRoundtrip(t *testing.T) {
	cfg := testConfig()
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	got, err := NewConfigLoader().LoadYAML(data)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	assertConfigEqual(t, got, cfg)
}

func TestConfigJSONRoundtrip(t *testing.T) {
	cfg := testConfig()
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	got, err := NewConfigLoader().LoadJSON(data)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	assertConfigEqual(t, got, cfg)
}

func TestConfigBinaryRoundtrip(t *testing.T) {
	cfg := testConfig()
	data, err := EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := NewConfigLoader().LoadBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertConfigEqual(t, got, cfg)
}

func TestConfigBinaryDeterministic(t *testing.T) {
	cfg := testConfig()
	a, err := EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("binary encoding is not deterministic")
	}
}

func TestConfigBinaryRejectsGarbage(t *testing.T) {
	if _, err := NewConfigLoader().LoadBinary([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}); err == nil {
		t.Fatal("expected invalid magic error")
	}
}

func TestConfigBuild(t *testing.T) {
	schema, rules, err := testConfig().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if schema.PrincipalEntity() != "$users" {
		t.Fatalf("principal: %q", schema.PrincipalEntity())
	}
	if _, _, ok := rules.PredicateFor("teams", ActionView); !ok {
		t.Fatal("teams view rule missing after build")
	}

	bad := testConfig()
	bad.Rules["teams"] = RuleDef{Allow: map[Action]string{ActionView: "data.nope != null"}}
	if _, _, err := bad.Build(); err == nil {
		t.Fatal("build must surface rule/schema mismatches")
	}
}

func TestConfigBuildEngine(t *testing.T) {
	cfg := testConfig()
	schema, _, err := cfg.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e, err := cfg.BuildEngine(NewMemoryGraph(schema))
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	defer e.Close()
	if e.MaxItems() != 50 {
		t.Fatalf("max items from config: %d", e.MaxItems())
	}
}

func TestConfigBuilder(t *testing.T) {
	cfg := NewConfigBuilder().
		Version(2).
		MaxItems(25).
		AddEntity(EntityType{Name: "$users", Attributes: []Attribute{
			{Name: "email", Kind: KindString, Unique: true},
		}}).
		AddEntity(EntityType{Name: "notes", Attributes: []Attribute{
			{Name: "body", Kind: KindString},
		}}).
		AddLink(LinkDef{Name: "noteOwner",
			Forward: LinkSide{On: "notes", Has: One, Label: "owner", OnDelete: Cascade},
			Reverse: LinkSide{On: "$users", Has: Many, Label: "notes"}}).
		Allow("notes", ActionView, `auth.id in data.ref("owner.id")`).
		Allow("notes", ActionCreate, `auth.id in data.ref("owner.id")`).
		Bind("notes", "isOwner", `auth.id in data.ref("owner.id")`).
		Build()

	if cfg.Version != 2 || cfg.MaxItems != 25 {
		t.Fatalf("builder meta: %+v", cfg)
	}
	schema, rules, err := cfg.Build()
	if err != nil {
		t.Fatalf("built config does not compile: %v", err)
	}
	if _, ok := schema.Edge("notes", "owner"); !ok {
		t.Fatal("builder lost the link")
	}
	er, ok := rules.Rules("notes")
	if !ok {
		t.Fatal("builder lost the rules")
	}
	if _, ok := er.Binding("isOwner"); !ok {
		t.Fatal("builder lost the binding")
	}
}
