package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file, covering both the relay
// and agent subcommands.
type Config struct {
	Relay RelayConfig `yaml:"relay,omitempty"`
	Agent AgentConfig `yaml:"agent,omitempty"`
}

// RelayConfig holds relay subcommand configuration.
type RelayConfig struct {
	Port        int    `yaml:"port,omitempty"`
	Host        string `yaml:"host,omitempty"`
	PublicURL   string `yaml:"public_url,omitempty"`
	MaxRequests int    `yaml:"max_requests,omitempty"`
	Token       string `yaml:"token,omitempty"`
	TLSCert     string `yaml:"tls_cert,omitempty"`
	TLSKey      string `yaml:"tls_key,omitempty"`
	// IdleTimeout is a time.ParseDuration string, e.g. "24h".
	IdleTimeout string `yaml:"idle_timeout,omitempty"`
}

// IdleTimeoutDuration parses IdleTimeout, defaulting to 24h when unset.
func (c *RelayConfig) IdleTimeoutDuration() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 24 * time.Hour, nil
	}
	return time.ParseDuration(c.IdleTimeout)
}

// AgentConfig holds agent subcommand configuration.
type AgentConfig struct {
	Server    string `yaml:"server,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	Subdomain string `yaml:"subdomain,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Verbose   bool   `yaml:"verbose,omitempty"`
	TUI       bool   `yaml:"tui,omitempty"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// FindConfigFile looks for relaylink.yaml in common locations.
func FindConfigFile() string {
	if _, err := os.Stat("relaylink.yaml"); err == nil {
		return "relaylink.yaml"
	}
	if _, err := os.Stat("relaylink.yml"); err == nil {
		return "relaylink.yml"
	}

	home, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(home, ".config", "relaylink", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		configPath = filepath.Join(home, ".relaylink.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}

// Validate validates the relay configuration.
func (c *RelayConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Port)
	}

	if c.PublicURL != "" {
		if _, err := url.Parse(c.PublicURL); err != nil {
			return fmt.Errorf("invalid public_url: %w", err)
		}
	}

	if (c.TLSCert != "") != (c.TLSKey != "") {
		return fmt.Errorf("both tls_cert and tls_key must be set, or neither")
	}

	if c.TLSCert != "" {
		if _, err := os.Stat(c.TLSCert); err != nil {
			return fmt.Errorf("tls_cert file not found: %s", c.TLSCert)
		}
	}
	if c.TLSKey != "" {
		if _, err := os.Stat(c.TLSKey); err != nil {
			return fmt.Errorf("tls_key file not found: %s", c.TLSKey)
		}
	}

	if c.MaxRequests < 0 {
		return fmt.Errorf("invalid max_requests: %d (must be >= 0)", c.MaxRequests)
	}

	if _, err := c.IdleTimeoutDuration(); err != nil {
		return fmt.Errorf("invalid idle_timeout: %w", err)
	}

	return nil
}

// Validate validates the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.Server != "" {
		u, err := url.Parse(c.Server)
		if err != nil {
			return fmt.Errorf("invalid server URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid server URL scheme: %s (must be http or https)", u.Scheme)
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Port)
	}

	return nil
}

// ExampleConfig is the example config file content printed by the CLI.
const ExampleConfig = `# relaylink configuration file

# Relay configuration (for 'relaylink relay')
relay:
  port: 8080
  host: 0.0.0.0
  public_url: https://relay.example.com
  max_requests: 100
  token: your-secret-token
  idle_timeout: 24h
  # tls_cert: /path/to/cert.pem
  # tls_key: /path/to/key.pem

# Agent configuration (for 'relaylink agent')
agent:
  server: https://relay.example.com
  port: 3000
  subdomain: my-project
  token: your-secret-token
  verbose: false
  tui: false
`
