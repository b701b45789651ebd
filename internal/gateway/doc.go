// Package gateway wires the roost-gateway control plane together.
//
// # Overview
//
// Gateway owns the store, the configured activation driver (local containers
// or the remote machine API), the runtime socket manager, the check-in
// protocol handler and the browser broadcast hub, and serves them all from one
// HTTP listener on TCP or a tailnet node.
//
// # Message flow
//
// Orchestrator.Dispatch is the entry point for channel messages:
//
//  1. The message is parsed for mentions and routed against the channel
//     roster (archived agents excluded, the sender never targeted).
//  2. It is persisted with its addressees.
//  3. Each non-paused target is activated on the runtime chosen by Router.
//     Targets already live receive their pending messages immediately;
//     the rest receive them when they check in.
//
// Router prefers a socket-attached runtime (the agent's bound runtime if it
// is connected, else any runtime connected for the space) and falls back to
// the configured driver.
//
// # HTTP surface
//
//   - GET /health, GET /health/ready
//   - GET {metrics.path} when metrics are enabled
//   - GET /ws/runtime - runtime sockets
//   - GET /ws/channels/{channelId} - browser frame stream
//   - POST /agents/checkin, /agents/heartbeat, /agents/frame and
//     GET /agents/status/{agentId} - the container protocol
//   - PUT /api/channels/{spaceId}/{channelId}
//   - GET, POST /api/channels/{spaceId}/{channelId}/roster
//   - GET, POST /api/channels/{spaceId}/{channelId}/messages
//   - POST /api/agents/{agentId}/activate, /api/agents/{agentId}/suspend
//
// The /api routes require a bearer JWT when auth.runtime_jwt_secret is set.
// A token carrying a space claim only reaches that space.
package gateway
