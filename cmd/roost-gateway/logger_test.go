// ABOUTME: Tests for log level parsing and the text/JSON handlers
// ABOUTME: Color output is disabled so assertions see plain text

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/roost-gateway/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.With("component", "gateway").Info("=== AGENT CHECKED IN ===", "agent_id", "space:chan:fox")
	logger.Debug("dropped")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "gateway", rec["component"])
	assert.Equal(t, "space:chan:fox", rec["agent_id"])
}

func TestNewLogger_Color(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "runtimews").WithGroup("conn").Warn("ping timeout", "runtime_id", "rt-1")

	line := buf.String()
	assert.Contains(t, line, "WRN ping timeout")
	assert.Contains(t, line, "component=runtimews")
	assert.Contains(t, line, "conn.runtime_id=rt-1")
}
