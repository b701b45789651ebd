// Package agent holds the agent identity, the lifecycle state machine and the
// Runtime contract shared by every activation strategy.
//
// # Identity
//
// An agent is one process bound to a (space, channel, callsign) triple. Its
// string form "{space}:{channel}:{callsign}" is the routing key used in URLs,
// roster lookups and socket messages:
//
//	id, err := agent.ParseID("space:chan:fox")
//
// # Lifecycle
//
// Statuses form a closed set:
//
//	offline -> activating -> online <-> busy
//	    any -> error, any -> offline (suspend)
//
// The transition functions (OnActivate, OnCheckin, OnFrame, OnSuspend,
// OnError, OnTimeout) are pure. StateMachine wraps them in a mutex-guarded
// table keyed by agent id, tracking activation time, container and endpoint.
// It is a local cache: drivers backed by shared storage must not treat it as
// authoritative.
//
// # Staleness
//
// An agent whose heartbeat is older than HeartbeatStaleAfter (60s) is treated
// as unreachable even if a callback URL is on file.
package agent
