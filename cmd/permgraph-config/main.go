package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/permgraph"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "explain":
		handleExplain()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("permgraph-config - Configuration tool for permgraph")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  permgraph-config convert <input> <output>   - Convert between formats")
	fmt.Println("  permgraph-config validate <file>            - Compile schema and rules")
	fmt.Println("  permgraph-config stats <file>               - Show configuration statistics")
	fmt.Println("  permgraph-config explain <file> <req.json>  - Explain a mutation decision")
	fmt.Println()
	fmt.Println("Supported formats: .dsl, .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: permgraph-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: permgraph-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// full compile: schema consistency, rule parse, binding cycles
	schema, rules, err := cfg.Build()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:   %d\n", cfg.Version)
	fmt.Printf("  Principal: %s\n", schema.PrincipalEntity())
	fmt.Printf("  Entities:  %d\n", len(schema.Entities()))
	fmt.Printf("  Links:     %d\n", len(schema.Links()))
	fmt.Printf("  Rules:     %d\n", len(rules.Entities()))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: permgraph-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	attrs := 0
	for _, et := range cfg.Entities {
		attrs += len(et.Attributes)
	}
	fmt.Println("Schema:")
	fmt.Printf("  Entities:   %d\n", len(cfg.Entities))
	fmt.Printf("  Attributes: %d\n", attrs)
	fmt.Printf("  Links:      %d\n", len(cfg.Links))
	fmt.Println()

	predicates, bindings := 0, 0
	for _, def := range cfg.Rules {
		predicates += len(def.Allow)
		bindings += len(def.Bind) / 2
	}
	fmt.Println("Rules:")
	fmt.Printf("  Entities with rules: %d\n", len(cfg.Rules))
	fmt.Printf("  Predicates:          %d\n", predicates)
	fmt.Printf("  Bindings:            %d\n", bindings)
	fmt.Println()

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache TTL: %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Max items:          %d\n", cfg.MaxItems)
	fmt.Printf("  Max fan-out:        %d\n", cfg.Engine.MaxFanOut)
	fmt.Printf("  Audit buffer:       %d\n", cfg.Engine.AuditBuffer)
}

func handleExplain() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: permgraph-config explain <file> <req.json>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	reqData, err := os.ReadFile(os.Args[3])
	if err != nil {
		fmt.Printf("Error reading request: %v\n", err)
		os.Exit(1)
	}
	req := &permgraph.ExplainRequest{}
	if err := json.Unmarshal(reqData, req); err != nil {
		fmt.Printf("Error parsing request: %v\n", err)
		os.Exit(1)
	}

	schema, rules, err := cfg.Build()
	if err != nil {
		fmt.Printf("Error compiling config: %v\n", err)
		os.Exit(1)
	}
	engine, err := permgraph.New(schema, rules, permgraph.NewMemoryGraph(schema))
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	d, err := engine.ExplainMutation(context.Background(), req)
	if err != nil {
		fmt.Printf("Explain failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(d, "", "  ")
	fmt.Println(string(out))
}

func loadConfig(filename string) (*permgraph.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".dsl":
		parser := permgraph.NewDSLParser()
		return parser.Parse(data)
	case ".yaml", ".yml":
		loader := permgraph.NewConfigLoader()
		return loader.LoadYAML(data)
	case ".json":
		loader := permgraph.NewConfigLoader()
		return loader.LoadJSON(data)
	case ".bin":
		loader := permgraph.NewConfigLoader()
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *permgraph.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".dsl":
		encoder := permgraph.NewDSLEncoder()
		data, err = encoder.Encode(cfg)
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = permgraph.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
