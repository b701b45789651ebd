// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalYAML = `
database:
  path: "./test.db"
auth:
  container_secret: "shh"
local:
  image: "roost/agent:latest"
`

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  public_url: "https://roost.example.com"

database:
  path: "./test.db"

auth:
  container_secret: "container-secret"
  runtime_jwt_secret: "runtime-secret"
  require_runtime_auth: true

runtime:
  driver: "machines"
  activation_timeout: "2m"
  callback_timeout: "10s"

machines:
  app: "roost-agents"
  api_token: "fm2_token"
  image: "registry.fly.io/roost-agent:v1"
  region: "ord"
  cpus: 2
  memory_mb: 2048
  requests_per_second: 3

sockets:
  ping_interval: "45s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.PublicURL != "https://roost.example.com" {
		t.Errorf("Server.PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if !cfg.Auth.RequireRuntimeAuth || cfg.Auth.RuntimeJWTSecret != "runtime-secret" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.Runtime.Driver != DriverMachines {
		t.Errorf("Runtime.Driver = %q, want %q", cfg.Runtime.Driver, DriverMachines)
	}
	if cfg.Runtime.ActivationTimeout != 2*time.Minute {
		t.Errorf("Runtime.ActivationTimeout = %v, want %v", cfg.Runtime.ActivationTimeout, 2*time.Minute)
	}
	if cfg.Runtime.CallbackTimeout != 10*time.Second {
		t.Errorf("Runtime.CallbackTimeout = %v, want %v", cfg.Runtime.CallbackTimeout, 10*time.Second)
	}
	if cfg.Machines.CPUs != 2 || cfg.Machines.MemoryMB != 2048 || cfg.Machines.Region != "ord" {
		t.Errorf("Machines = %+v", cfg.Machines)
	}
	if cfg.Machines.RequestsPerSecond != 3 {
		t.Errorf("Machines.RequestsPerSecond = %v, want 3", cfg.Machines.RequestsPerSecond)
	}
	if cfg.Machines.APIBaseURL != "https://api.machines.dev/v1" {
		t.Errorf("Machines.APIBaseURL default = %q", cfg.Machines.APIBaseURL)
	}
	if cfg.Sockets.PingInterval != 45*time.Second {
		t.Errorf("Sockets.PingInterval = %v, want %v", cfg.Sockets.PingInterval, 45*time.Second)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "roost.db"

[auth]
container_secret = "shh"

[runtime]
driver = "local"
activation_timeout = "90s"

[local]
image = "roost/agent:dev"
network = "roost"
host_port_base = 20000
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Runtime.ActivationTimeout != 90*time.Second {
		t.Errorf("Runtime.ActivationTimeout = %v, want 90s", cfg.Runtime.ActivationTimeout)
	}
	if cfg.Local.Image != "roost/agent:dev" || cfg.Local.Network != "roost" || cfg.Local.HostPortBase != 20000 {
		t.Errorf("Local = %+v", cfg.Local)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr default = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:8080" {
		t.Errorf("Server.PublicURL default = %q", cfg.Server.PublicURL)
	}
	if cfg.Runtime.Driver != DriverLocal {
		t.Errorf("Runtime.Driver default = %q", cfg.Runtime.Driver)
	}
	if cfg.Runtime.ActivationTimeout != 180*time.Second {
		t.Errorf("Runtime.ActivationTimeout default = %v", cfg.Runtime.ActivationTimeout)
	}
	if cfg.Sockets.PingInterval != 30*time.Second {
		t.Errorf("Sockets.PingInterval default = %v", cfg.Sockets.PingInterval)
	}
	if cfg.Local.DockerBin != "docker" || cfg.Local.HostPortBase != 9100 || cfg.Local.PortRange != 100 {
		t.Errorf("Local defaults = %+v", cfg.Local)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging defaults = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CONTAINER_SECRET", "from-env")
	t.Setenv("TEST_MACHINES_TOKEN", "fm2_from_env")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
auth:
  container_secret: "${TEST_CONTAINER_SECRET}"
runtime:
  driver: machines
machines:
  app: "roost"
  api_token: "${TEST_MACHINES_TOKEN}"
  image: "img"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.ContainerSecret != "from-env" {
		t.Errorf("Auth.ContainerSecret = %q, want %q", cfg.Auth.ContainerSecret, "from-env")
	}
	if cfg.Machines.APIToken != "fm2_from_env" {
		t.Errorf("Machines.APIToken = %q, want %q", cfg.Machines.APIToken, "fm2_from_env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	// Ensure the env var is NOT set
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, "config.yaml", minimalYAML+`
logging:
  level: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars expand to empty, which then takes the default
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default for unset env var", cfg.Logging.Level)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"garbage activation timeout", "runtime:\n  activation_timeout: \"soon\"\n", "activation_timeout"},
		{"negative ping interval", "sockets:\n  ping_interval: \"-5s\"\n", "ping_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", minimalYAML+tt.extra))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Database: DatabaseConfig{Path: "x.db"},
			Auth:     AuthConfig{ContainerSecret: "shh"},
			Local:    LocalConfig{Image: "img"},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing container secret", func(c *Config) { c.Auth.ContainerSecret = "" }, "container_secret"},
		{"runtime auth without secret", func(c *Config) { c.Auth.RequireRuntimeAuth = true }, "runtime_jwt_secret"},
		{"unknown driver", func(c *Config) { c.Runtime.Driver = "k8s" }, "runtime.driver"},
		{"local without image", func(c *Config) { c.Local.Image = "" }, "local.image"},
		{"machines without app", func(c *Config) { c.Runtime.Driver = DriverMachines }, "machines.app"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("ResolvePath(explicit) = %q", got)
	}

	envPath := writeConfig(t, "env.yaml", minimalYAML)
	t.Setenv("ROOST_CONFIG", envPath)
	if got := ResolvePath(""); got != envPath {
		t.Errorf("ResolvePath() = %q, want %q from ROOST_CONFIG", got, envPath)
	}
}
