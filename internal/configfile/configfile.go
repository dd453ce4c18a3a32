// Package configfile reads the tracker's per-workspace files under .beads/:
// metadata.json (which database to open) and config.yaml (issue prefix).
package configfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName  = "metadata.json"
	ProjectYAMLName = "config.yaml"
)

type Config struct {
	Database    string `json:"database"`
	JSONLExport string `json:"jsonl_export,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Database:    "beads.db",
		JSONLExport: "beads.jsonl",
	}
}

func ConfigPath(beadsDir string) string {
	return filepath.Join(beadsDir, ConfigFileName)
}

// Load reads metadata.json, falling back to the legacy config.json. A missing
// file is not an error: it returns (nil, nil).
func Load(beadsDir string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(beadsDir)) // #nosec G304 - controlled path from config
	if os.IsNotExist(err) {
		legacyPath := filepath.Join(beadsDir, "config.json")
		data, err = os.ReadFile(legacyPath) // #nosec G304 - controlled path from config
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading legacy config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Save(beadsDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(beadsDir), data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) DatabasePath(beadsDir string) string {
	if c == nil || c.Database == "" {
		return filepath.Join(beadsDir, "beads.db")
	}
	return filepath.Join(beadsDir, c.Database)
}

// ProjectConfig is the subset of .beads/config.yaml the UI cares about.
type ProjectConfig struct {
	IssuePrefix string `yaml:"issue-prefix"`
	NoDB        bool   `yaml:"no-db"`
}

// LoadProject reads .beads/config.yaml. A missing file yields an empty config.
func LoadProject(beadsDir string) (*ProjectConfig, error) {
	path := filepath.Join(beadsDir, ProjectYAMLName)
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if os.IsNotExist(err) {
		return &ProjectConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ProjectYAMLName, err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ProjectYAMLName, err)
	}
	cfg.IssuePrefix = strings.TrimSuffix(strings.TrimSpace(cfg.IssuePrefix), "-")
	return &cfg, nil
}
