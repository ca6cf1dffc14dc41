package mcpmgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration document:
//
//	{"mcpServers": {"name": {"command": "...", "args": [...], "env": {...}}}}
//
// JSON and YAML encodings are both accepted.
type Config struct {
	MCPServers map[string]ServerConfig `yaml:"mcpServers" json:"mcpServers"`
}

// LoadConfigFile reads, parses, and validates the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &cfg); err != nil {
			return nil, &ConfigError{Message: "invalid JSON: " + err.Error(), Err: err}
		}
	} else if err := yaml.Unmarshal(trimmed, &cfg); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
			return nil, &ConfigError{Message: typeErr.Errors[0], Err: err}
		}
		return nil, &ConfigError{Message: "invalid YAML: " + err.Error(), Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every server entry and reports each violation with its
// dotted path.
func (c *Config) Validate() error {
	if c == nil || c.MCPServers == nil {
		return &ConfigError{Path: "mcpServers", Message: "Required"}
	}
	var errs []error
	for _, name := range c.Names() {
		if c.MCPServers[name].Command == "" {
			errs = append(errs, &ConfigError{
				Path:    "mcpServers." + name + ".command",
				Message: "Command is required",
			})
		}
	}
	return errors.Join(errs...)
}

// Names returns the configured server names in sorted order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	return sortedKeys(c.MCPServers)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
