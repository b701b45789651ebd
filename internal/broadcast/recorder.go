// ABOUTME: ConnectionManager that records broadcasts for tests
// ABOUTME: Lets handler tests assert on the frames browsers would have seen

package broadcast

import (
	"encoding/json"
	"sync"
)

// Sent is one recorded broadcast.
type Sent struct {
	ChannelID string
	Frame     []byte
}

// Recorder is a ConnectionManager that keeps every frame in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Broadcast records the frame.
func (r *Recorder) Broadcast(channelID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{ChannelID: channelID, Frame: append([]byte(nil), frame...)})
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// States decodes the recorded agent_state frames.
func (r *Recorder) States() []StateEvent {
	var out []StateEvent
	for _, s := range r.Sent() {
		var ev StateEvent
		if json.Unmarshal(s.Frame, &ev) == nil && ev.Type == TypeAgentState {
			out = append(out, ev)
		}
	}
	return out
}

var _ ConnectionManager = (*Recorder)(nil)
