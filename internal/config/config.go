package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration.
const DefaultPath = "moult.yml"

// Defaults applied by Validate.
const (
	DefaultInstance          = "default"
	DefaultRedisURL          = "redis://localhost:6379"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultImportConcurrency = 8
)

// MoultConfig represents the top-level moult.yml configuration
type MoultConfig struct {
	Version   string         `yaml:"version"`
	Instance  string         `yaml:"instance,omitempty"` // Namespaces every Redis key
	Redis     *RedisConfig   `yaml:"redis,omitempty"`
	Log       *LogConfig     `yaml:"log,omitempty"`
	Import    *ImportConfig  `yaml:"import,omitempty"`
	RuleTypes []RuleTypeSpec `yaml:"rule_types,omitempty"` // Rule types installed in this deployment
}

// RedisConfig locates the saved-object store
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// ImportConfig tunes bulk import
type ImportConfig struct {
	Concurrency int  `yaml:"concurrency,omitempty"` // Default: 8
	Overwrite   bool `yaml:"overwrite,omitempty"`
}

// RuleTypeSpec declares one installed rule type
type RuleTypeSpec struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name,omitempty"`
	Exportable *bool  `yaml:"exportable,omitempty"`  // Default: true
	ExportExpr string `yaml:"export_expr,omitempty"` // CEL predicate over attrs, id, model_version
}

// IsExportable returns the exportable setting with its default applied.
func (r RuleTypeSpec) IsExportable() bool {
	return r.Exportable == nil || *r.Exportable
}

// Default returns a valid configuration with every default applied.
func Default() *MoultConfig {
	cfg := &MoultConfig{Version: "1.0"}
	// Cannot fail on defaults
	_ = cfg.Validate()
	return cfg
}

// Validate performs strict validation on the configuration and fills defaults
func (c *MoultConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
	if strings.ContainsAny(c.Instance, ":*?[] ") {
		return fmt.Errorf("invalid instance name '%s': must not contain ':', glob characters or spaces", c.Instance)
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	if c.Import == nil {
		c.Import = &ImportConfig{}
	}
	if c.Import.Concurrency == 0 {
		c.Import.Concurrency = DefaultImportConcurrency
	}
	if c.Import.Concurrency < 1 {
		return fmt.Errorf("import.concurrency must be >= 1, got %d", c.Import.Concurrency)
	}

	seen := make(map[string]bool)
	for i, rt := range c.RuleTypes {
		if rt.ID == "" {
			return fmt.Errorf("rule_types[%d]: id is required", i)
		}
		if seen[rt.ID] {
			return fmt.Errorf("duplicate rule type id '%s'", rt.ID)
		}
		seen[rt.ID] = true
	}

	return nil
}

// Load reads and validates moult.yml from the specified path
func Load(path string) (*MoultConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config MoultConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*MoultConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
