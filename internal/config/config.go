// ABOUTME: Configuration loading and parsing for coven-runtime
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// containerMarker in the gateway URL means the runtime is containerized and
// loopback tool-server addresses must be rewritten to reach the host.
const containerMarker = "host.docker.internal"

// Config represents the complete coven-runtime configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig holds the gateway endpoint configuration
type GatewayConfig struct {
	URL string `yaml:"url"`
	// CredentialsPath points at the TOML file holding the bearer token.
	CredentialsPath string `yaml:"credentials_path"`
	// Token may be set inline (usually via ${VAR} expansion) instead of a
	// credentials file.
	Token string `yaml:"token"`
}

// RuntimeConfig holds the runtime's identity and timing configuration
type RuntimeConfig struct {
	RuntimeID     string `yaml:"runtime_id"`
	SpaceID       string `yaml:"space_id"`
	Name          string `yaml:"name"`
	WorkspaceBase string `yaml:"workspace_base"`

	HeartbeatInterval time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`
	IdleCheckInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
	IdleCheckIntervalRaw string `yaml:"idle_check_interval"`
}

// EngineConfig selects and configures the agent engine
type EngineConfig struct {
	// Kind is "in-process" or "subprocess"
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// DatabaseConfig holds the usage ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DedupeConfig bounds the redelivery suppression window
type DedupeConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	Window     time.Duration `yaml:"-"`
	WindowRaw  string        `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Runtime.SpaceID == "" {
		return fmt.Errorf("runtime.space_id is required")
	}
	if c.Runtime.WorkspaceBase == "" {
		return fmt.Errorf("runtime.workspace_base is required")
	}

	switch c.Engine.Kind {
	case "", "in-process":
	case "subprocess":
		if c.Engine.Command == "" {
			return fmt.Errorf("engine.command is required for subprocess engines")
		}
	default:
		return fmt.Errorf("engine.kind must be in-process or subprocess, got %q", c.Engine.Kind)
	}

	return nil
}

// Containerized reports whether the runtime is deployed in a container,
// derived from the gateway URL carrying the loopback-rewrite marker.
func (c *Config) Containerized() bool {
	return strings.Contains(c.Gateway.URL, containerMarker)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Runtime.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Runtime.HeartbeatInterval},
		{cfg.Runtime.IdleTimeoutRaw, "idle_timeout", &cfg.Runtime.IdleTimeout},
		{cfg.Runtime.IdleCheckIntervalRaw, "idle_check_interval", &cfg.Runtime.IdleCheckInterval},
		{cfg.Dedupe.WindowRaw, "dedupe.window", &cfg.Dedupe.Window},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
