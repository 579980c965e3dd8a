package extension

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostConfig describes which extensions a host should load.
type HostConfig struct {
	// ExtensionDir is prepended to relative extension paths.
	ExtensionDir string `yaml:"extension_dir" json:"extension_dir"`
	// DefaultGrants are granted to every extension in addition to its
	// per-extension grants.
	DefaultGrants []string `yaml:"default_grants" json:"default_grants"`
	Extensions    []Config `yaml:"extensions" json:"extensions"`
}

// Config is the configuration block for a single extension instance.
type Config struct {
	Name    string            `yaml:"name" json:"name"`
	Path    string            `yaml:"path" json:"path"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Grants  []string          `yaml:"grants" json:"grants"`
	Options map[string]string `yaml:"options" json:"options"`
}

// LoadHostConfig reads a YAML file into a HostConfig.
func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if path == "" {
		return cfg, errors.New("extension config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read extension config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal extension config: %w", err)
	}
	return cfg, nil
}

// Validate ensures the host configuration is internally consistent.
func (c HostConfig) Validate() error {
	seen := make(map[string]bool, len(c.Extensions))
	for _, ext := range c.Extensions {
		if ext.Name == "" {
			return errors.New("extension name cannot be empty")
		}
		if seen[ext.Name] {
			return fmt.Errorf("extension %s configured twice", ext.Name)
		}
		seen[ext.Name] = true
		if ext.Enabled && ext.Path == "" {
			return fmt.Errorf("extension %s path cannot be empty when enabled", ext.Name)
		}
	}
	return nil
}

func cloneOptions(opts map[string]string) map[string]string {
	cp := make(map[string]string, len(opts))
	for k, v := range opts {
		cp[k] = v
	}
	return cp
}
