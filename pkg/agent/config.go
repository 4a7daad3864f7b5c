package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the agent's persisted state, a small YAML file on the worker
// host. The API key lives here in plaintext, so Save writes it 0600.
type Config struct {
	ServerURL                string   `yaml:"server_url"`
	AgentGUID                string   `yaml:"agent_guid"`
	APIKey                   string   `yaml:"api_key"`
	AgentName                string   `yaml:"agent_name"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	PollIntervalSeconds      int      `yaml:"poll_interval_seconds"`
	LogLevel                 string   `yaml:"log_level"`
	Capabilities             []string `yaml:"capabilities,omitempty"`
	AuthorizedRoots          []string `yaml:"authorized_roots,omitempty"`
}

// DefaultConfigPath returns the conventional config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "shutter-agent.yaml"
	}
	return filepath.Join(home, ".shutter-agent", "config.yaml")
}

// LoadConfig reads and validates the config file. Validation failures are
// fatal configuration errors; Registered() distinguishes "valid but not
// yet registered" from broken.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config %s: server_url is required", path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 30
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Registered reports whether the config carries agent credentials.
func (c *Config) Registered() bool {
	return c.AgentGUID != "" && c.APIKey != ""
}

// Save writes the config with owner-only permissions.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
