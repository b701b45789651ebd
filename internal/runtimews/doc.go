// Package runtimews accepts persistent sockets from externally registered
// ("bring your own machine") runtimes.
//
// # Connection Lifecycle
//
//  1. The socket is upgraded and tracked as pending. A bearer token, if any,
//     is verified in the background; frames that arrive meanwhile queue in a
//     bounded inbox and are handled in order once verification finishes.
//  2. Until runtime_ready arrives, every other message is answered with
//     NOT_REGISTERED. runtime_ready upserts the runtime record, moves the
//     connection to the active map keyed by runtime id and is acknowledged
//     with runtime_connected.
//  3. agent_checkin, agent_heartbeat and frame update the local state table,
//     the roster and browser clients.
//  4. Run pings active runtimes; one that has not answered for two intervals
//     is closed.
//  5. On disconnect every agent bound to the runtime is suspended and the
//     runtime is marked offline.
//
// Runtime adapts the manager to agent.Runtime so the orchestrator can
// activate and message socket-hosted agents like any other.
package runtimews
