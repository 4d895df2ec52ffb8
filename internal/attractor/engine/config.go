package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// RunConfigFile is the run-level configuration loaded from the CLI's
// --config YAML file (spec §6.2/§6.3).
type RunConfigFile struct {
	RepoPath           string `yaml:"repo_path"`
	LogsRoot           string `yaml:"logs_root"`
	MaxParallelDefault int    `yaml:"max_parallel_default"`

	Checkpoint struct {
		GitCommits bool `yaml:"git_commits"`
	} `yaml:"checkpoint"`

	Backend struct {
		// Kind selects the generative backend: "simulated" (default, no
		// outbound calls) or "http" (JSON-over-HTTP, see backend.HTTPBackend).
		Kind    string `yaml:"kind"`
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"backend"`

	Interview struct {
		// Kind selects the Interviewer: "auto" (default, auto-approve),
		// "terminal" (interactive stdin/stdout prompts).
		Kind string `yaml:"kind"`
	} `yaml:"interview"`
}

// runConfigSchemaJSON is the JSON Schema a loaded RunConfigFile is checked
// against before use, via jsonschema.v5's compile-then-validate pattern.
const runConfigSchemaJSON = `{
  "type": "object",
  "properties": {
    "repo_path": {"type": "string"},
    "logs_root": {"type": "string"},
    "max_parallel_default": {"type": "integer", "minimum": 0},
    "checkpoint": {
      "type": "object",
      "properties": {"git_commits": {"type": "boolean"}}
    },
    "backend": {
      "type": "object",
      "properties": {
        "kind": {"type": "string", "enum": ["simulated", "http"]},
        "base_url": {"type": "string"},
        "api_key": {"type": "string"}
      }
    },
    "interview": {
      "type": "object",
      "properties": {
        "kind": {"type": "string", "enum": ["auto", "terminal"]}
      }
    }
  }
}`

// ValidateRunConfig schema-checks raw YAML config bytes (decoded to a
// generic map first, since jsonschema/v5 validates JSON-shaped values, not
// YAML directly) against runConfigSchemaJSON.
func ValidateRunConfig(raw []byte) error {
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("engine: parse run config: %w", err)
	}
	b, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("engine: re-encode run config for validation: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("run_config.json", strings.NewReader(runConfigSchemaJSON)); err != nil {
		return fmt.Errorf("engine: compile run config schema: %w", err)
	}
	schema, err := compiler.Compile("run_config.json")
	if err != nil {
		return fmt.Errorf("engine: compile run config schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("engine: decode run config for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("engine: run config failed schema validation: %w", err)
	}
	return nil
}

// LoadRunConfigFile reads, schema-validates, and decodes a run config YAML
// file.
func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read run config %s: %w", path, err)
	}
	if err := ValidateRunConfig(b); err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("engine: decode run config %s: %w", path, err)
	}
	return &cfg, nil
}

// NewRunID mints a ULID-based run identifier via ulid.Make().String().
func NewRunID() (string, error) {
	return ulid.Make().String(), nil
}
