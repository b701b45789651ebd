// ABOUTME: Runtime socket client for the fake runtime
// ABOUTME: Registers, checks agents in on activate, answers pings and echoes messages as frames

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/runtimews"
)

type socketConfig struct {
	GatewayURL string
	Token      string
	RuntimeID  string
	SpaceID    string
}

// socketURL turns the gateway base URL into the runtime socket URL.
func socketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/") + "/ws/runtime")
	if err != nil {
		return "", fmt.Errorf("parsing gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// runSocket keeps a runtime registered, reconnecting with backoff until ctx
// is done.
func runSocket(ctx context.Context, cfg socketConfig, logger *slog.Logger) error {
	target, err := socketURL(cfg.GatewayURL)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := serveSocket(ctx, target, cfg, logger)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		logger.Warn("runtime socket closed, reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// fakeRuntime is one registered socket session.
type fakeRuntime struct {
	ws     *websocket.Conn
	cfg    socketConfig
	logger *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	agents  map[string]string // agent id -> workspace path
}

func (r *fakeRuntime) send(v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.ws.WriteJSON(v)
}

func serveSocket(ctx context.Context, target string, cfg socketConfig, logger *slog.Logger) error {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target, err)
	}
	defer ws.Close()

	r := &fakeRuntime{ws: ws, cfg: cfg, logger: logger, agents: make(map[string]string)}

	go func() {
		<-ctx.Done()
		r.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		_ = ws.Close()
	}()

	if err := r.send(map[string]any{
		"type":      runtimews.TypeRuntimeReady,
		"runtimeId": cfg.RuntimeID,
		"spaceId":   cfg.SpaceID,
		"name":      "fake runtime",
		"machineInfo": map[string]any{
			"kind": "fake",
		},
	}); err != nil {
		return fmt.Errorf("sending runtime_ready: %w", err)
	}

	for {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		r.handle(msg)
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func (r *fakeRuntime) handle(msg map[string]any) {
	agentID := str(msg, "agentId")
	switch str(msg, "type") {
	case runtimews.TypeRuntimeConnected:
		r.logger.Info("=== RUNTIME REGISTERED ===", "runtime_id", str(msg, "runtimeId"), "space_id", r.cfg.SpaceID)

	case runtimews.TypePing:
		_ = r.send(map[string]any{"type": runtimews.TypePong, "timestamp": msg["timestamp"]})

	case runtimews.TypeActivate:
		r.mu.Lock()
		r.agents[agentID] = str(msg, "workspacePath")
		r.mu.Unlock()
		r.logger.Info("activating agent", "agent_id", agentID, "workspace", str(msg, "workspacePath"))
		_ = r.send(map[string]any{"type": runtimews.TypeAgentCheckin, "agentId": agentID})

	case runtimews.TypeMessage:
		r.logger.Info("message received", "agent_id", agentID, "sender", str(msg, "sender"))
		go r.reply(agentID, str(msg, "content"))

	case runtimews.TypeSuspend:
		r.mu.Lock()
		delete(r.agents, agentID)
		r.mu.Unlock()
		r.logger.Info("agent suspended", "agent_id", agentID, "reason", str(msg, "reason"))

	case runtimews.TypeError:
		r.logger.Warn("gateway rejected a message", "code", str(msg, "code"), "message", str(msg, "message"))
	}
}

// reply streams an echo as a text frame followed by an idle frame.
func (r *fakeRuntime) reply(agentID, content string) {
	id, err := agent.ParseID(agentID)
	if err != nil {
		return
	}
	text, _ := json.Marshal(map[string]string{"type": "text", "text": echoReply(id.Callsign, content)})
	if err := r.send(map[string]any{"type": runtimews.TypeFrame, "agentId": agentID, "frame": json.RawMessage(text)}); err != nil {
		r.logger.Debug("frame send failed", "error", err)
		return
	}
	time.Sleep(50 * time.Millisecond)
	_ = r.send(map[string]any{"type": runtimews.TypeFrame, "agentId": agentID, "frame": "idle"})
	_ = r.send(map[string]any{"type": runtimews.TypeAgentHeartbeat, "agentId": agentID})
}
