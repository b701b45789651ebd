// ABOUTME: Development runtime that echoes messages back as frames
// ABOUTME: Speaks the runtime socket protocol (-mode socket) or the container check-in protocol (-mode http)

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/2389/roost-gateway/internal/agent"
)

func main() {
	mode := flag.String("mode", "socket", "socket: register as a runtime; http: act as one agent container")
	gatewayURL := flag.String("gateway", envOr("ROOST_GATEWAY_URL", "http://127.0.0.1:8080"), "gateway base URL")
	token := flag.String("token", os.Getenv("ROOST_RUNTIME_TOKEN"), "runtime credential (socket mode)")
	runtimeID := flag.String("id", "fake-runtime", "runtime id (socket mode)")
	spaceID := flag.String("space", "", "space served by this runtime (socket mode)")
	listen := flag.String("listen", ":"+envOr("ROOST_PORT", "8080"), "callback listen address (http mode)")
	endpoint := flag.String("endpoint", os.Getenv(agent.EnvEndpoint), "callback URL reported at check-in (http mode)")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch *mode {
	case "socket":
		if *spaceID == "" {
			err = fmt.Errorf("-space is required in socket mode")
			break
		}
		err = runSocket(ctx, socketConfig{
			GatewayURL: *gatewayURL,
			Token:      *token,
			RuntimeID:  *runtimeID,
			SpaceID:    *spaceID,
		}, logger)
	case "http":
		err = runContainer(ctx, containerConfigFromEnv(*gatewayURL, *listen, *endpoint), logger)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("fake runtime stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// echoReply builds the reply a fake agent sends for content.
func echoReply(callsign, content string) string {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	return fmt.Sprintf("@%s received:\n%s", callsign, content)
}
