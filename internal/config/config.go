package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models govline.yml, the per-workspace runtime settings. Workflow
// definitions are not stored here; they live versioned in the registry.
type Config struct {
	Server struct {
		Addr            string `yaml:"addr"`
		JWTSecret       string `yaml:"jwt_secret"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"server"`
	Scheduler struct {
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"scheduler"`
	Dispatch struct {
		MaxAttempts           int `yaml:"max_attempts"`
		BaseBackoffMillis     int `yaml:"base_backoff_millis"`
		MaxBackoffMillis      int `yaml:"max_backoff_millis"`
		WebhookTimeoutSeconds int `yaml:"webhook_timeout_seconds"`
	} `yaml:"dispatch"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.server.token_ttl_minutes must not be negative")
	}
	if c.Scheduler.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config.scheduler.sweep_interval_seconds must not be negative")
	}
	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("config.dispatch.max_attempts must not be negative")
	}
	if c.Dispatch.BaseBackoffMillis < 0 || c.Dispatch.MaxBackoffMillis < 0 {
		return fmt.Errorf("config.dispatch backoff values must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with govline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Absent values
// fall back to the defaults.
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

// Default returns the built-in runtime settings.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8787"
	cfg.Server.TokenTTLMinutes = 60
	cfg.Scheduler.SweepIntervalSeconds = 30
	cfg.Dispatch.MaxAttempts = 4
	cfg.Dispatch.BaseBackoffMillis = 250
	cfg.Dispatch.MaxBackoffMillis = 30000
	cfg.Dispatch.WebhookTimeoutSeconds = 5
	return &cfg
}

// GenerateDefault returns default config YAML for govline init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  jwt_secret: ""
  token_ttl_minutes: 60

scheduler:
  sweep_interval_seconds: 30

dispatch:
  max_attempts: 4
  base_backoff_millis: 250
  max_backoff_millis: 30000
  webhook_timeout_seconds: 5
`
