package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Targets is the optional YAML file naming what to capture. Empty fields
// leave the environment values in place.
type Targets struct {
	APIPrefix string `yaml:"api_prefix"`
	TabDomain string `yaml:"tab_domain"`
	StartURL  string `yaml:"start_url,omitempty"`
}

// LoadTargets reads a targets file. Returns an os.ErrNotExist-wrapped error
// if the file is absent.
func LoadTargets(path string) (*Targets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("targets config: %w", err)
	}
	var t Targets
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("targets config: %w", err)
	}
	if t.APIPrefix == "" && t.TabDomain == "" && t.StartURL == "" {
		return nil, fmt.Errorf("targets config: %s sets none of api_prefix, tab_domain, start_url", path)
	}
	return &t, nil
}

func (t *Targets) apply(cfg *Config) {
	if t.APIPrefix != "" {
		cfg.APIPrefix = t.APIPrefix
	}
	if t.TabDomain != "" {
		cfg.TabDomain = strings.ToLower(t.TabDomain)
	}
	if t.StartURL != "" {
		cfg.StartURL = t.StartURL
	}
}
