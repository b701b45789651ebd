// ABOUTME: Wire shapes of the frames broadcast to browser clients
// ABOUTME: Agent state changes and raw agent output frames

package broadcast

import (
	"encoding/json"
	"time"
)

// Frame types sent to browser clients.
const (
	TypeAgentState = "agent_state"
	TypeAgentFrame = "agent_frame"
)

// StateEvent reports an agent's status change.
type StateEvent struct {
	Type          string     `json:"type"`
	AgentID       string     `json:"agentId"`
	Callsign      string     `json:"callsign"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// FrameEvent relays one output frame produced by an agent.
type FrameEvent struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	Frame   json.RawMessage `json:"frame"`
}

// State broadcasts a status change for callsign on channelID.
func State(cm ConnectionManager, channelID, agentID, callsign, status string, heartbeat *time.Time) {
	raw, err := json.Marshal(StateEvent{
		Type:          TypeAgentState,
		AgentID:       agentID,
		Callsign:      callsign,
		Status:        status,
		LastHeartbeat: heartbeat,
	})
	if err != nil {
		return
	}
	cm.Broadcast(channelID, raw)
}

// Output broadcasts an agent output frame on channelID.
func Output(cm ConnectionManager, channelID, agentID string, frame json.RawMessage) {
	if len(frame) == 0 {
		frame = json.RawMessage("null")
	}
	raw, err := json.Marshal(FrameEvent{Type: TypeAgentFrame, AgentID: agentID, Frame: frame})
	if err != nil {
		return
	}
	cm.Broadcast(channelID, raw)
}
