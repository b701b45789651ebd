// ABOUTME: Gateway wires the store, runtimes, sockets and HTTP surfaces together
// ABOUTME: Manages the listener (TCP or tailnet), health endpoints and shutdown lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/auth"
	"github.com/2389/roost-gateway/internal/broadcast"
	"github.com/2389/roost-gateway/internal/callback"
	"github.com/2389/roost-gateway/internal/checkin"
	"github.com/2389/roost-gateway/internal/config"
	"github.com/2389/roost-gateway/internal/dedupe"
	"github.com/2389/roost-gateway/internal/metrics"
	"github.com/2389/roost-gateway/internal/runtime/local"
	"github.com/2389/roost-gateway/internal/runtime/machines"
	"github.com/2389/roost-gateway/internal/runtimews"
	"github.com/2389/roost-gateway/internal/store"
)

// Gateway orchestrates the roost-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	hub         *broadcast.Hub
	metrics     *metrics.Metrics
	tokens      *auth.ContainerTokens
	apiVerifier auth.TokenVerifier

	driver        agent.Runtime
	sockets       *runtimews.Manager
	socketRuntime *runtimews.Runtime
	checkin       *checkin.Handler
	router        *Router
	orchestrator  *Orchestrator

	// credentials memoizes verified runtime credentials
	credentials *dedupe.Cache[*auth.RuntimeClaims]

	// inFlight holds one pending delivery per agent
	inFlight *dedupe.Cache[struct{}]

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	draining atomic.Bool
}

// initStore creates the SQLite store, honoring ROOST_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ROOST_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newDriver builds the configured activation driver.
func newDriver(cfg *config.Config, st store.Store, pusher *callback.Client, hub *broadcast.Hub, m *metrics.Metrics, logger *slog.Logger) (agent.Runtime, error) {
	switch cfg.Runtime.Driver {
	case config.DriverLocal:
		return local.NewDriver(local.NewCLIClient(cfg.Local.DockerBin), pusher, st, local.Config{
			Image:        cfg.Local.Image,
			Network:      cfg.Local.Network,
			HostPortBase: cfg.Local.HostPortBase,
			PortRange:    cfg.Local.PortRange,
			PublicURL:    cfg.Server.PublicURL,

			ActivationTimeout: cfg.Runtime.ActivationTimeout,
		}, m, logger), nil

	case config.DriverMachines:
		client := machines.NewClient(machines.ClientConfig{
			BaseURL:           cfg.Machines.APIBaseURL,
			App:               cfg.Machines.App,
			Token:             cfg.Machines.APIToken,
			RequestsPerSecond: cfg.Machines.RequestsPerSecond,
			Metrics:           m,
			Logger:            logger,
		})
		d := machines.NewDriver(client, st, pusher, machines.DriverConfig{
			Image:             cfg.Machines.Image,
			Region:            cfg.Machines.Region,
			CPUs:              cfg.Machines.CPUs,
			MemoryMB:          cfg.Machines.MemoryMB,
			PublicURL:         cfg.Server.PublicURL,
			ActivationTimeout: cfg.Runtime.ActivationTimeout,
		}, m, logger)
		d.OnStatus(func(id agent.ID, status store.RosterStatus) {
			broadcast.State(hub, id.ChannelID, id.String(), id.Callsign, string(status), nil)
		})
		return d, nil

	default:
		return nil, fmt.Errorf("unknown runtime driver %q", cfg.Runtime.Driver)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires every component around an open store.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	hub := broadcast.NewHub(m, logger)
	tokens := auth.NewContainerTokens([]byte(cfg.Auth.ContainerSecret))
	pusher := callback.New(tokens, cfg.Runtime.CallbackTimeout)

	driver, err := newDriver(cfg, s, pusher, hub, m, logger)
	if err != nil {
		hub.Close()
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		hub:         hub,
		metrics:     m,
		tokens:      tokens,
		driver:      driver,
		credentials: dedupe.New[*auth.RuntimeClaims](5*time.Minute, 10_000),
		inFlight:    dedupe.New[struct{}](cfg.Runtime.CallbackTimeout+time.Minute, 100_000),
		logger:      logger.With("component", "gateway"),
	}

	if cfg.Auth.RuntimeJWTSecret != "" {
		gw.apiVerifier = auth.NewJWTVerifier([]byte(cfg.Auth.RuntimeJWTSecret))
	}

	prompts := NewPromptBuilder(s)

	gw.sockets = runtimews.NewManager(runtimews.Options{
		PingInterval: cfg.Sockets.PingInterval,
		RequireAuth:  cfg.Auth.RequireRuntimeAuth,
		Store:        s,
		Broadcast:    hub,
		Verifier:     gw.apiVerifier,
		Credentials:  gw.credentials,
		Metrics:      m,
		Logger:       logger,
	})
	gw.socketRuntime = runtimews.NewRuntime(gw.sockets, s, prompts.Build)
	gw.socketRuntime.SetActivationTimeout(cfg.Runtime.ActivationTimeout)

	ckCfg := checkin.Config{
		Store:     s,
		Broadcast: hub,
		Pusher:    pusher,
		Prompt:    prompts.Build,
		InFlight:  gw.inFlight,
		Metrics:   m,
		Logger:    logger,
	}
	switch d := driver.(type) {
	case *local.Driver:
		ckCfg.Local = d
	case *machines.Driver:
		ckCfg.Observer = d
	}
	gw.checkin = checkin.New(ckCfg)

	gw.sockets.OnCheckin(func(ctx context.Context, id agent.ID) {
		_, err := gw.checkin.DeliverPending(ctx, id, func(ctx context.Context, content, prompt string) error {
			return gw.socketRuntime.SendMessage(ctx, id, agent.Message{Content: content, SystemPrompt: prompt})
		})
		if err != nil && !errors.Is(err, checkin.ErrDeliveryInFlight) {
			gw.logger.Warn("socket delivery failed, will retry on next check-in", "agent_id", id.String(), "error", err)
		}
	})

	gw.router = NewRouter(s, gw.sockets, gw.socketRuntime, driver)
	gw.orchestrator = NewOrchestrator(s, gw.router, gw.checkin, tokens, hub, logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if m != nil {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	mux.Handle("GET /ws/runtime", gw.sockets)
	mux.Handle("GET /ws/channels/{channelId}", broadcast.NewHandler(hub, nil))

	gw.checkin.Register(mux, auth.ContainerAuthMiddleware(tokens, cfg.Auth.RequireContainerAuth, logger))
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"driver", cfg.Runtime.Driver,
		"public_url", cfg.Server.PublicURL,
		"metrics", m != nil,
	)
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Orchestrator returns the message orchestrator.
func (g *Gateway) Orchestrator() *Orchestrator {
	return g.orchestrator
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and the socket ping loop, and blocks until the
// context is canceled. Returns nil on graceful shutdown, or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.sockets.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "roost-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" && !strings.Contains(g.config.Server.PublicURL, dnsName) {
		g.logger.Warn("server.public_url does not use the tailnet name; agents may fail to check in",
			"public_url", g.config.Server.PublicURL, "dns_name", dnsName)
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server, closes runtime sockets, stops every
// driver and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.draining.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "runtime sockets", g.sockets.Shutdown(ctx))
	for _, rt := range g.router.Drivers() {
		errs = appendCloseError(errs, "runtime shutdown", rt.Shutdown(ctx))
	}
	g.hub.Close()
	g.credentials.Close()
	g.inFlight.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK unless the gateway is shutting down.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	pending, active := g.sockets.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (driver %s, %d runtimes connected, %d pending)", g.config.Runtime.Driver, active, pending)
}
