// Package config handles rosbridge-gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/rosbridge-gateway/config.yaml,
// /config/config.yaml (container convention),
// /etc/rosbridge-gateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rosbridge-gateway", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml")
	paths = append(paths, "/etc/rosbridge-gateway/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can substitute a controlled
// search order without touching the real filesystem locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc()'s paths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the rosbridge-gateway's configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	CLI        CLIConfig        `yaml:"cli"`
	LogLevel   string           `yaml:"log_level"`
}

// ConnectionConfig defines how the gateway reaches the rosbridge server.
type ConnectionConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:9090.
	URL string `yaml:"url"`
	// Codec selects the wire codec: "json", "cbor", or "auto".
	Codec string `yaml:"codec"`
}

// ReconnectConfig mirrors internal/reconnect.Config for YAML loading;
// durations are given as Go duration strings (e.g. "500ms", "30s").
//
// Enabled is a pointer so applyDefaults can tell "omitted from YAML"
// apart from "explicitly set to false" — reconnecting defaults to on.
type ReconnectConfig struct {
	Enabled      *bool   `yaml:"enabled"`
	InitialDelay string  `yaml:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	JitterRatio  float64 `yaml:"jitter_ratio"`
}

// IsEnabled reports whether reconnect is enabled, treating an omitted
// Enabled field as true.
func (r ReconnectConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// TimeoutsConfig sets default per-call timeouts, as Go duration
// strings. An empty value selects the built-in default (service 10s,
// action none, cancel 10s, cli 30s); "0s" means no timeout.
type TimeoutsConfig struct {
	Service string `yaml:"service"`
	Action  string `yaml:"action"`
	Cancel  string `yaml:"cancel"`
	CLI     string `yaml:"cli"`
}

// CLIConfig is the gateway's allowlist for CLI command execution.
// ExecCLI does not consult it: ExecCLI only sends cli_request
// envelopes, and no code in this module executes commands.
type CLIConfig struct {
	// Enabled allows CLI execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// AllowedCommands limits execution to these command names. Empty
	// means no command is allowed even if Enabled is true — an allowlist
	// must be explicit.
	AllowedCommands []string `yaml:"allowed_commands"`
	// WorkingDir sets the working directory for executed commands.
	WorkingDir string `yaml:"working_dir"`
}

// Allowed reports whether CLI execution is enabled and command is
// present in AllowedCommands.
func (c CLIConfig) Allowed(command string) bool {
	if !c.Enabled {
		return false
	}
	for _, allowed := range c.AllowedCommands {
		if allowed == command {
			return true
		}
	}
	return false
}

// InitialDelayDuration parses InitialDelay, defaulting to 500ms on
// empty or invalid input.
func (r ReconnectConfig) InitialDelayDuration() time.Duration {
	return parseDurationDefault(r.InitialDelay, 500*time.Millisecond)
}

// MaxDelayDuration parses MaxDelay, defaulting to 30s on empty or
// invalid input.
func (r ReconnectConfig) MaxDelayDuration() time.Duration {
	return parseDurationDefault(r.MaxDelay, 30*time.Second)
}

// ServiceTimeout parses Timeouts.Service, defaulting to 10s.
func (t TimeoutsConfig) ServiceTimeout() time.Duration {
	return parseDurationDefault(t.Service, 10*time.Second)
}

// ActionTimeout parses Timeouts.Action, defaulting to 0 (no timeout).
func (t TimeoutsConfig) ActionTimeout() time.Duration {
	return parseDurationDefault(t.Action, 0)
}

// CancelTimeout parses Timeouts.Cancel, defaulting to 10s.
func (t TimeoutsConfig) CancelTimeout() time.Duration {
	return parseDurationDefault(t.Cancel, 10*time.Second)
}

// CLITimeout parses Timeouts.CLI, defaulting to 30s.
func (t TimeoutsConfig) CLITimeout() time.Duration {
	return parseDurationDefault(t.CLI, 30*time.Second)
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${ROSBRIDGE_URL}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Connection.Codec == "" {
		c.Connection.Codec = "json"
	}
	if c.Reconnect.Enabled == nil {
		enabled := true
		c.Reconnect.Enabled = &enabled
	}
	if c.Reconnect.InitialDelay == "" {
		c.Reconnect.InitialDelay = "500ms"
	}
	if c.Reconnect.MaxDelay == "" {
		c.Reconnect.MaxDelay = "30s"
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2
	}
	if c.Reconnect.JitterRatio == 0 {
		c.Reconnect.JitterRatio = 0.2
	}
	if c.Timeouts.Service == "" {
		c.Timeouts.Service = "10s"
	}
	if c.Timeouts.Cancel == "" {
		c.Timeouts.Cancel = "10s"
	}
	if c.Timeouts.CLI == "" {
		c.Timeouts.CLI = "30s"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Connection.URL == "" {
		return fmt.Errorf("connection.url is required")
	}
	switch c.Connection.Codec {
	case "json", "cbor", "auto":
	default:
		return fmt.Errorf("connection.codec %q is not one of json, cbor, auto", c.Connection.Codec)
	}
	if _, err := time.ParseDuration(c.Reconnect.InitialDelay); err != nil {
		return fmt.Errorf("reconnect.initial_delay: %w", err)
	}
	if _, err := time.ParseDuration(c.Reconnect.MaxDelay); err != nil {
		return fmt.Errorf("reconnect.max_delay: %w", err)
	}
	if c.Reconnect.JitterRatio < 0 || c.Reconnect.JitterRatio > 1 {
		return fmt.Errorf("reconnect.jitter_ratio %v out of range [0,1]", c.Reconnect.JitterRatio)
	}
	if c.CLI.Enabled && len(c.CLI.AllowedCommands) == 0 {
		return fmt.Errorf("cli.enabled is true but cli.allowed_commands is empty")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration pointed at a local rosbridge
// server on the standard port. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Connection: ConnectionConfig{
			URL:   "ws://localhost:9090",
			Codec: "json",
		},
	}
	cfg.applyDefaults()
	return cfg
}
