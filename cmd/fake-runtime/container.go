// ABOUTME: Container mode for the fake runtime: one agent on the HTTP check-in protocol
// ABOUTME: Serves POST /message, checks in, heartbeats and reports frames over HTTP

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/callback"
)

const heartbeatInterval = 20 * time.Second

type containerConfig struct {
	// CheckinURL is the protocol base, {gateway}/agents.
	CheckinURL string
	AgentID    string
	Token      string
	Listen     string
	Endpoint   string
	RouteHints map[string]string
}

// containerConfigFromEnv reads the variables every driver sets on an agent
// process, with flags as fallbacks.
func containerConfigFromEnv(gatewayURL, listen, endpoint string) containerConfig {
	checkinURL := os.Getenv(agent.EnvCallbackURL)
	if checkinURL == "" {
		checkinURL = strings.TrimSuffix(gatewayURL, "/") + "/agents"
	}
	if endpoint == "" {
		host := "127.0.0.1"
		if h, err := os.Hostname(); err == nil && os.Getenv(agent.EnvAgentID) != "" {
			host = h
		}
		_, port, _ := net.SplitHostPort(listen)
		endpoint = "http://" + net.JoinHostPort(host, port)
	}
	cfg := containerConfig{
		CheckinURL: checkinURL,
		AgentID:    os.Getenv(agent.EnvAgentID),
		Token:      os.Getenv(agent.EnvAuthToken),
		Listen:     listen,
		Endpoint:   endpoint,
	}
	if raw := os.Getenv("ROOST_ROUTE_HINTS"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &cfg.RouteHints)
	}
	return cfg
}

type container struct {
	cfg    containerConfig
	client *http.Client
	logger *slog.Logger
	id     agent.ID
}

func runContainer(ctx context.Context, cfg containerConfig, logger *slog.Logger) error {
	id, err := agent.ParseID(cfg.AgentID)
	if err != nil {
		return fmt.Errorf("%s: %w", agent.EnvAgentID, err)
	}
	c := &container{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("agent_id", id.String()),
		id:     id,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: c.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("callback server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := c.checkin(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.post(ctx, "/heartbeat", map[string]any{"agentId": c.id.String()}, nil); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *container) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", c.handleMessage)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (c *container) handleMessage(w http.ResponseWriter, r *http.Request) {
	if c.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+c.cfg.Token {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var p callback.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	c.logger.Info("message received", "bytes", len(p.Content))
	w.WriteHeader(http.StatusOK)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		text, _ := json.Marshal(map[string]string{"type": "text", "text": echoReply(c.id.Callsign, p.Content)})
		for _, frame := range []json.RawMessage{text, json.RawMessage(`"idle"`)} {
			if err := c.post(ctx, "/frame", map[string]any{"agentId": c.id.String(), "frame": frame}, nil); err != nil {
				c.logger.Warn("frame report failed", "error", err)
				return
			}
		}
	}()
}

func (c *container) checkin(ctx context.Context) error {
	var resp struct {
		Delivered int `json:"delivered"`
	}
	body := map[string]any{
		"protocolVersion": agent.ProtocolVersion,
		"agentId":         c.id.String(),
		"endpoint":        c.cfg.Endpoint,
		"capabilities":    []string{"echo"},
	}
	if c.cfg.RouteHints != nil {
		body["routeHints"] = c.cfg.RouteHints
	}
	if err := c.post(ctx, "/checkin", body, &resp); err != nil {
		return fmt.Errorf("checking in: %w", err)
	}
	c.logger.Info("=== CHECKED IN ===", "endpoint", c.cfg.Endpoint, "delivered", resp.Delivered)
	return nil
}

func (c *container) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.CheckinURL, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return &callback.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
