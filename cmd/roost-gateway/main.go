// ABOUTME: Entry point for the roost-gateway control plane
// ABOUTME: serve runs the gateway; init, token, health and status are operator helpers

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/roost-gateway/internal/auth"
	"github.com/2389/roost-gateway/internal/config"
	"github.com/2389/roost-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _
  _ __ ___   ___  ___| |_
 | '__/ _ \ / _ \/ __| __|
 | | | (_) | (_) \__ \ |_
 |_|  \___/ \___/|___/\__|
`

// getDataPath returns the path to the roost data directory.
// Priority: XDG_DATA_HOME/roost > ~/.local/share/roost
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "roost")
}

// defaultConfigPath is where init writes when no path is given.
func defaultConfigPath() string {
	if p := os.Getenv("ROOST_CONFIG"); p != "" {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(homeDir, ".config", "roost", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: roost-gateway <command> [-config path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the gateway server")
	fmt.Println("  init                         Create a new config file interactively")
	fmt.Println("  token -subject NAME [-space] Mint a runtime credential")
	fmt.Println("  health                       Check gateway health")
	fmt.Println("  status [agentId]             Show readiness, or one agent's status")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag and loads the resolved file.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	explicit := fs.String("config", "", "path to config file (.yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	path := config.ResolvePath(*explicit)
	if path == "" {
		return nil, "", fmt.Errorf("no config file found: pass -config, set ROOST_CONFIG, or run roost-gateway init")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	cfg, configPath, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Public:    %s\n", cfg.Server.PublicURL)
	green.Print("    ▶ ")
	fmt.Printf("Driver:    %s\n", cfg.Runtime.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting roost-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Runtime.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// baseURL is where the CLI reaches a running gateway.
func baseURL(cfg *config.Config) string {
	if cfg.Server.HTTPAddr != "" {
		return "http://" + cfg.Server.HTTPAddr
	}
	return strings.TrimSuffix(cfg.Server.PublicURL, "/")
}

func get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig(flag.NewFlagSet("health", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	code, _, err := get(ctx, baseURL(cfg)+"/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		_, body, err := get(ctx, baseURL(cfg)+"/health/ready")
		if err != nil {
			return fmt.Errorf("status check failed: %w", err)
		}
		fmt.Println(string(body))
		return nil
	}

	code, body, err := get(ctx, baseURL(cfg)+"/agents/status/"+fs.Arg(0))
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(body)))
	}

	var st struct {
		AgentID       string     `json:"agentId"`
		Status        string     `json:"status"`
		RosterStatus  string     `json:"rosterStatus"`
		LastHeartbeat *time.Time `json:"lastHeartbeat"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	state := color.RedString(st.Status)
	if st.Status == "online" {
		state = color.GreenString(st.Status)
	}
	fmt.Printf("%s  %s  (roster: %s)\n", st.AgentID, state, st.RosterStatus)
	if st.LastHeartbeat != nil {
		fmt.Printf("  last heartbeat %s ago\n", time.Since(*st.LastHeartbeat).Round(time.Second))
	}
	return nil
}

// runToken mints a runtime credential signed with auth.runtime_jwt_secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "principal the credential is issued to")
	space := fs.String("space", "", "restrict the credential to one space")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "credential lifetime")
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("-subject is required")
	}
	if cfg.Auth.RuntimeJWTSecret == "" {
		return fmt.Errorf("auth.runtime_jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.RuntimeJWTSecret)).Generate(*subject, *space, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "%s credential for %q", color.GreenString("✓"), *subject)
	if *space != "" {
		fmt.Fprintf(os.Stderr, " in space %q", *space)
	}
	fmt.Fprintf(os.Stderr, ", expires %s\n", time.Now().Add(*ttl).Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("roost-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	publicURL := prompt(reader, "Public URL agents use to check in", "http://"+httpAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Runtime Configuration ---")
	driver := prompt(reader, "Runtime driver (local/machines)", config.DriverLocal)
	image := prompt(reader, "Agent image", "ghcr.io/2389/roost-agent:latest")
	var app, apiToken, region string
	if driver == config.DriverMachines {
		app = prompt(reader, "Machines app name", "roost-agents")
		apiToken = prompt(reader, "Machines API token (leave empty to use ${FLY_API_TOKEN})", "")
		region = prompt(reader, "Machines region", "")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "roost-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	containerSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating container secret: %w", err)
	}
	runtimeSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating runtime secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# roost-gateway configuration\n")
	cfg.WriteString("# Generated by roost-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  public_url: %q\n\n", publicURL)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  container_secret: %q\n", containerSecret)
	fmt.Fprintf(&cfg, "  runtime_jwt_secret: %q\n", runtimeSecret)
	cfg.WriteString("  require_runtime_auth: true\n\n")

	cfg.WriteString("runtime:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", driver)
	cfg.WriteString("  activation_timeout: \"180s\"\n")
	cfg.WriteString("  callback_timeout: \"30s\"\n\n")

	if driver == config.DriverMachines {
		if apiToken == "" {
			apiToken = "${FLY_API_TOKEN}"
		}
		cfg.WriteString("machines:\n")
		fmt.Fprintf(&cfg, "  app: %q\n", app)
		fmt.Fprintf(&cfg, "  api_token: %q\n", apiToken)
		fmt.Fprintf(&cfg, "  image: %q\n", image)
		if region != "" {
			fmt.Fprintf(&cfg, "  region: %q\n", region)
		}
		cfg.WriteString("\n")
	} else {
		cfg.WriteString("local:\n")
		fmt.Fprintf(&cfg, "  image: %q\n\n", image)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("sockets:\n")
	cfg.WriteString("  ping_interval: \"30s\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  roost-gateway serve -config %s\n", outputFile)
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
