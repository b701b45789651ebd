// ABOUTME: Environment contract between the control plane and an agent process
// ABOUTME: Every driver launches agents with these variables set

package agent

import (
	"encoding/json"
	"fmt"
)

// Environment variables handed to every agent process.
const (
	EnvAgentID     = "ROOST_AGENT_ID"
	EnvSpaceID     = "ROOST_SPACE_ID"
	EnvChannelID   = "ROOST_CHANNEL_ID"
	EnvCallsign    = "ROOST_CALLSIGN"
	EnvAuthToken   = "ROOST_AUTH_TOKEN"
	EnvCallbackURL = "ROOST_CALLBACK_URL"
	EnvMCPServers  = "ROOST_MCP_SERVERS"
	EnvTunnelHash  = "ROOST_TUNNEL_HASH"
	EnvPort        = "ROOST_PORT"

	// EnvEndpoint, when set, is the callback URL the process should report at
	// check-in instead of deriving one from its own address.
	EnvEndpoint = "ROOST_ENDPOINT"
)

// ProtocolVersion is the check-in protocol version agents must speak.
const ProtocolVersion = "3.0"

// ProcessEnv builds the environment for an agent process that checks in at
// checkinURL.
func ProcessEnv(id ID, opts ActivateOptions, checkinURL string) (map[string]string, error) {
	env := map[string]string{
		EnvAgentID:     id.String(),
		EnvSpaceID:     id.SpaceID,
		EnvChannelID:   id.ChannelID,
		EnvCallsign:    id.Callsign,
		EnvAuthToken:   opts.AuthToken,
		EnvCallbackURL: checkinURL,
	}
	if len(opts.MCPServers) > 0 {
		raw, err := json.Marshal(opts.MCPServers)
		if err != nil {
			return nil, fmt.Errorf("encoding mcp servers: %w", err)
		}
		env[EnvMCPServers] = string(raw)
	}
	if opts.TunnelHash != "" {
		env[EnvTunnelHash] = opts.TunnelHash
	}
	return env, nil
}
