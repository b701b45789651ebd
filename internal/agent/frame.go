// ABOUTME: Classifies agent output frames as idle or working
// ABOUTME: Shared by the socket and HTTP frame paths so both drive busy/online alike

package agent

import (
	"encoding/json"
	"strings"
)

// IsIdleFrame reports whether an output frame marks the agent idle. Idle
// frames are the string "idle" or an object whose type, kind or status is
// "idle", or which has "idle": true.
func IsIdleFrame(frame json.RawMessage) bool {
	if len(frame) == 0 {
		return false
	}

	var s string
	if json.Unmarshal(frame, &s) == nil {
		return strings.EqualFold(s, "idle")
	}

	var obj struct {
		Type   string `json:"type"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
		Idle   bool   `json:"idle"`
	}
	if json.Unmarshal(frame, &obj) != nil {
		return false
	}
	return obj.Idle ||
		strings.EqualFold(obj.Type, "idle") ||
		strings.EqualFold(obj.Kind, "idle") ||
		strings.EqualFold(obj.Status, "idle")
}
