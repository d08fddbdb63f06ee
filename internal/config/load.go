package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// DefaultConcurrency is the batch worker cap used when none is configured.
const DefaultConcurrency = 3

// LoadConfig reads, parses, defaults and validates a configuration file.
// ".json" and ".jsonc" files are parsed as JSON with comments; anything else as YAML.
func LoadConfig(filename string) (*Config, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filename, err)
	}
	cfg, err := Parse(fileBytes, filepath.Ext(filename))
	if err != nil {
		return nil, fmt.Errorf("'%s': %w", filename, err)
	}
	return cfg, nil
}

// Parse decodes configuration bytes. ext selects the syntax (".json", ".jsonc", else YAML).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := ValidateConfigManually(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset settings and resolves derived fields: endpoint IDs,
// pipeline names from their map keys, and API pipeline step endpoint names to IDs.
func ApplyDefaults(cfg *Config) {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry.Backoff = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Batch.Concurrency <= 0 {
		cfg.Batch.Concurrency = DefaultConcurrency
	}

	for i := range cfg.Commands {
		def := &cfg.Commands[i]
		if def.ExecutionMode == "" {
			def.ExecutionMode = ModeStandard
		}
		if def.Output != nil && def.Output.Target == "" {
			def.Output.Target = OutputDirectory
		}
	}

	for name, p := range cfg.Pipelines {
		if p.Name == "" {
			p.Name = name
			cfg.Pipelines[name] = p
		}
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Method == "" {
			ep.Method = "GET"
		}
		ep.Method = strings.ToUpper(ep.Method)
		ep.AuthType = NormalizeAuthType(ep.AuthType)
		if ep.ID == zeroID {
			ep.ID = EndpointIDFor(ep.Name)
		}
	}

	for name, p := range cfg.APIPipelines {
		if p.Name == "" {
			p.Name = name
		}
		for i := range p.Steps {
			step := &p.Steps[i]
			if step.EndpointID == zeroID && step.Endpoint != "" {
				if ep, ok := cfg.EndpointByName(step.Endpoint); ok {
					step.EndpointID = ep.ID
				}
			}
		}
		cfg.APIPipelines[name] = p
	}
}
