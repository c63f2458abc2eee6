// Package config loads tool configuration for the pgcluster CLI: defaults,
// then environment variables (PGCLUSTER_*), then an optional YAML file,
// each layer overriding the previous one.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/xeipuuv/gojsonschema"
)

// Config is the CLI's effective configuration.
type Config struct {
	// DataDir is the default cluster data directory.
	DataDir string `koanf:"datadir" json:"datadir"`
	// Database is the default database for shell/exec.
	Database string `koanf:"database" json:"database"`
	// Runtime optionally pins a PostgreSQL bin directory, bypassing
	// discovery.
	Runtime string `koanf:"runtime" json:"runtime,omitempty"`
	// Destroy removes the data directory when the last participant leaves.
	Destroy bool `koanf:"destroy" json:"destroy"`
}

var defaults = []byte(`
datadir: cluster
database: postgres
destroy: false
`)

const schema = `{
  "type": "object",
  "properties": {
    "datadir": {"type": "string", "minLength": 1},
    "database": {"type": "string", "minLength": 1},
    "runtime": {"type": "string"},
    "destroy": {"type": "boolean"}
  },
  "additionalProperties": false
}`

// Load builds the configuration from defaults, PGCLUSTER_* environment
// variables, and the given YAML file (optional; empty path skips it).
func Load(configFile string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(env.Provider("PGCLUSTER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PGCLUSTER_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	var conf Config
	if err := k.Unmarshal("", &conf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&conf); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &conf, nil
}

func validate(conf *Config) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(conf),
	)
	if err != nil {
		return err
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
