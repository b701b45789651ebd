// Package checkin serves the HTTP side of the agent protocol (version "3.0").
//
// A container announces its callback endpoint with POST /agents/checkin, keeps
// itself fresh with POST /agents/heartbeat and may report output frames with
// POST /agents/frame. GET /agents/status/{agentId} answers whether the agent is
// reachable right now.
//
// Check-in delivers every message addressed to the agent since its readmark
// before the response is written, and advances the readmark only after the
// push succeeded. Delivery is therefore at-least-once.
package checkin
