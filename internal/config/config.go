package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models cardflow.yml.
type Config struct {
	Mail struct {
		From       string `yaml:"from"`
		FallbackTo string `yaml:"fallback_to"`
	} `yaml:"mail"`
	Sweep struct {
		// ApproachWindowDays is the width of the approaching-due-date
		// window: cards due in [tomorrow, tomorrow+N-1 days] are swept.
		ApproachWindowDays int `yaml:"approach_window_days"`
		// ReportFailures adds per-card failure counts to sweep summaries.
		ReportFailures bool `yaml:"report_failures"`
	} `yaml:"sweep"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	defaultFallbackTo         = "admin@example.com"
	defaultApproachWindowDays = 5
)

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Mail.From = "no-reply@cardflow.local"
	cfg.Mail.FallbackTo = defaultFallbackTo
	cfg.Sweep.ApproachWindowDays = defaultApproachWindowDays
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cardflow.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// take defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Mail.FallbackTo == "" {
		return fmt.Errorf("config.mail.fallback_to is required")
	}
	if c.Sweep.ApproachWindowDays <= 0 {
		return fmt.Errorf("config.sweep.approach_window_days must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}
