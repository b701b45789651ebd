// ABOUTME: Configuration loading and parsing for roost-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Runtime driver names accepted in runtime.driver.
const (
	DriverLocal    = "local"
	DriverMachines = "machines"
)

// Config represents the complete roost-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Machines  MachinesConfig  `yaml:"machines" toml:"machines"`
	Local     LocalConfig     `yaml:"local" toml:"local"`
	Sockets   SocketsConfig   `yaml:"sockets" toml:"sockets"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// PublicURL is how agent processes reach this server, e.g. for check-in.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`

	// HTTPS serves on :443 with certificates provisioned by the tailnet.
	HTTPS bool `yaml:"https" toml:"https"`

	// Funnel exposes :443 publicly so hosted machines can reach the gateway.
	Funnel bool `yaml:"funnel" toml:"funnel"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token secrets
type AuthConfig struct {
	// ContainerSecret signs the bearer tokens agent containers present.
	ContainerSecret string `yaml:"container_secret" toml:"container_secret"`

	// RuntimeJWTSecret verifies credentials of externally registered runtimes.
	RuntimeJWTSecret   string `yaml:"runtime_jwt_secret" toml:"runtime_jwt_secret"`
	RequireRuntimeAuth bool   `yaml:"require_runtime_auth" toml:"require_runtime_auth"`

	// RequireContainerAuth rejects protocol requests without a bearer token.
	RequireContainerAuth bool `yaml:"require_container_auth" toml:"require_container_auth"`
}

// RuntimeConfig selects the driver that activates agents
type RuntimeConfig struct {
	Driver string `yaml:"driver" toml:"driver"`

	ActivationTimeout time.Duration `yaml:"-" toml:"-"`
	CallbackTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ActivationTimeoutRaw string `yaml:"activation_timeout" toml:"activation_timeout"`
	CallbackTimeoutRaw   string `yaml:"callback_timeout" toml:"callback_timeout"`
}

// MachinesConfig configures the remote machine API driver
type MachinesConfig struct {
	APIBaseURL        string  `yaml:"api_base_url" toml:"api_base_url"`
	App               string  `yaml:"app" toml:"app"`
	APIToken          string  `yaml:"api_token" toml:"api_token"`
	Image             string  `yaml:"image" toml:"image"`
	Region            string  `yaml:"region" toml:"region"`
	CPUs              int     `yaml:"cpus" toml:"cpus"`
	MemoryMB          int     `yaml:"memory_mb" toml:"memory_mb"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
}

// LocalConfig configures the local docker driver
type LocalConfig struct {
	Image        string `yaml:"image" toml:"image"`
	Network      string `yaml:"network" toml:"network"`
	HostPortBase int    `yaml:"host_port_base" toml:"host_port_base"`
	PortRange    int    `yaml:"port_range" toml:"port_range"`
	DockerBin    string `yaml:"docker_bin" toml:"docker_bin"`
}

// SocketsConfig holds runtime socket timing
type SocketsConfig struct {
	PingInterval    time.Duration `yaml:"-" toml:"-"`
	PingIntervalRaw string        `yaml:"ping_interval" toml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.PublicURL == "" && c.Server.HTTPAddr != "" {
		c.Server.PublicURL = "http://" + c.Server.HTTPAddr
	}
	if c.Runtime.Driver == "" {
		c.Runtime.Driver = DriverLocal
	}
	if c.Runtime.ActivationTimeout == 0 {
		c.Runtime.ActivationTimeout = 180 * time.Second
	}
	if c.Runtime.CallbackTimeout == 0 {
		c.Runtime.CallbackTimeout = 30 * time.Second
	}
	if c.Machines.APIBaseURL == "" {
		c.Machines.APIBaseURL = "https://api.machines.dev/v1"
	}
	if c.Machines.CPUs == 0 {
		c.Machines.CPUs = 1
	}
	if c.Machines.MemoryMB == 0 {
		c.Machines.MemoryMB = 1024
	}
	if c.Machines.RequestsPerSecond == 0 {
		c.Machines.RequestsPerSecond = 5
	}
	if c.Local.HostPortBase == 0 {
		c.Local.HostPortBase = 9100
	}
	if c.Local.PortRange == 0 {
		c.Local.PortRange = 100
	}
	if c.Local.DockerBin == "" {
		c.Local.DockerBin = "docker"
	}
	if c.Sockets.PingInterval == 0 {
		c.Sockets.PingInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.ContainerSecret == "" {
		return fmt.Errorf("auth.container_secret is required")
	}
	if c.Auth.RequireRuntimeAuth && c.Auth.RuntimeJWTSecret == "" {
		return fmt.Errorf("auth.runtime_jwt_secret is required when require_runtime_auth is set")
	}

	switch c.Runtime.Driver {
	case DriverLocal:
		if c.Local.Image == "" {
			return fmt.Errorf("local.image is required for the local driver")
		}
	case DriverMachines:
		if c.Machines.App == "" || c.Machines.APIToken == "" || c.Machines.Image == "" {
			return fmt.Errorf("machines.app, machines.api_token and machines.image are required for the machines driver")
		}
	default:
		return fmt.Errorf("runtime.driver must be %q or %q, got %q", DriverLocal, DriverMachines, c.Runtime.Driver)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"runtime.activation_timeout", cfg.Runtime.ActivationTimeoutRaw, &cfg.Runtime.ActivationTimeout},
		{"runtime.callback_timeout", cfg.Runtime.CallbackTimeoutRaw, &cfg.Runtime.CallbackTimeout},
		{"sockets.ping_interval", cfg.Sockets.PingIntervalRaw, &cfg.Sockets.PingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// ResolvePath returns the config file to load: explicit if set, then
// $ROOST_CONFIG, then ./config.yaml, then ~/.config/roost/gateway.yaml. It
// returns explicit unchanged (possibly empty) when nothing exists.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidates := []string{os.Getenv("ROOST_CONFIG"), "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "roost", "gateway.yaml"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return explicit
}
