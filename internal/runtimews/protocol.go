// ABOUTME: JSON message shapes for the runtime socket protocol
// ABOUTME: One object per text frame; the type field selects the variant

package runtimews

import (
	"encoding/json"

	"github.com/2389/roost-gateway/internal/agent"
)

// Message types sent by runtimes.
const (
	TypeRuntimeReady   = "runtime_ready"
	TypeAgentCheckin   = "agent_checkin"
	TypeAgentHeartbeat = "agent_heartbeat"
	TypeFrame          = "frame"
	TypePong           = "pong"
)

// Message types sent to runtimes.
const (
	TypeRuntimeConnected = "runtime_connected"
	TypeActivate         = "activate"
	TypeMessage          = "message"
	TypeSuspend          = "suspend"
	TypePing             = "ping"
	TypeError            = "error"
)

// Error codes carried by error messages.
const (
	CodeNotRegistered  = "NOT_REGISTERED"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeSpaceMismatch  = "SPACE_MISMATCH"
	CodeAgentNotFound  = "AGENT_NOT_FOUND"
	CodeForbidden      = "FORBIDDEN"
)

// Close codes from the application-reserved range.
const (
	CloseUnauthorized  = 4001
	CloseSpaceMismatch = 4003
	ClosePingTimeout   = 4008
	CloseReplaced      = 4009
)

// inbound is the union of every runtime-to-backend message.
type inbound struct {
	Type string `json:"type"`

	// runtime_ready
	RuntimeID   string         `json:"runtimeId,omitempty"`
	SpaceID     string         `json:"spaceId,omitempty"`
	Name        string         `json:"name,omitempty"`
	MachineInfo map[string]any `json:"machineInfo,omitempty"`

	// agent_checkin, agent_heartbeat, frame
	AgentID string          `json:"agentId,omitempty"`
	Frame   json.RawMessage `json:"frame,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RuntimeConnected acknowledges runtime_ready.
type RuntimeConnected struct {
	Type      string `json:"type"`
	RuntimeID string `json:"runtimeId"`
}

// Activate asks a runtime to start an agent.
type Activate struct {
	Type          string            `json:"type"`
	AgentID       string            `json:"agentId"`
	SystemPrompt  string            `json:"systemPrompt"`
	MCPServers    []agent.MCPServer `json:"mcpServers,omitempty"`
	WorkspacePath string            `json:"workspacePath"`
	Props         map[string]string `json:"props,omitempty"`
}

// Message delivers work to an agent hosted by a runtime.
type Message struct {
	Type         string `json:"type"`
	AgentID      string `json:"agentId"`
	Content      string `json:"content"`
	Sender       string `json:"sender"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Suspend asks a runtime to stop an agent.
type Suspend struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// Ping is the liveness check; runtimes answer with pong.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a rejected message.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
