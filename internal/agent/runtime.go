// ABOUTME: Runtime is the contract every activation strategy implements
// ABOUTME: Local containers, the machine API and socket-attached runtimes all satisfy it

package agent

import (
	"context"
	"errors"
)

// Runtime errors shared by the drivers.
var (
	// ErrNoCallback means the agent has never checked in with a callback URL.
	ErrNoCallback = errors.New("no callback URL")

	// ErrStale means the agent's last heartbeat is too old to trust its callback.
	ErrStale = errors.New("agent heartbeat is stale")

	// ErrNotInRoster means the agent id has no roster row.
	ErrNotInRoster = errors.New("agent not found in roster")

	// ErrNotRunning means the driver holds no running process for the agent.
	ErrNotRunning = errors.New("agent is not running")
)

// MCPServer describes a tool server the agent process should attach to.
type MCPServer struct {
	Name    string            `json:"name"`
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ActivateOptions carries everything a driver needs to start an agent.
type ActivateOptions struct {
	AuthToken  string
	MCPServers []MCPServer
	TunnelHash string
}

// Message is work delivered to a running agent.
type Message struct {
	Content      string
	Sender       string
	SystemPrompt string
}

// Runtime activates, messages and suspends agent processes.
//
// GetState, IsOnline and GetAllOnline are best-effort: drivers whose source of
// truth is external storage may report nothing.
type Runtime interface {
	Activate(ctx context.Context, id ID, opts ActivateOptions) (RuntimeState, error)
	SendMessage(ctx context.Context, id ID, msg Message) error
	Suspend(ctx context.Context, id ID, reason string) error
	GetState(id ID) (RuntimeState, bool)
	IsOnline(id ID) bool
	GetAllOnline() []RuntimeState
	Shutdown(ctx context.Context) error
}
