// ABOUTME: In-memory table of agent runtime states driven by lifecycle events.
// ABOUTME: Local cache only; no persistence or transport knowledge.

package agent

import (
	"log/slog"
	"sync"
	"time"
)

// Container describes the compute resource backing an agent.
type Container struct {
	ContainerID string `json:"containerId"`
	Runtime     string `json:"runtime"`
}

// RuntimeState is the transient view of one agent process.
type RuntimeState struct {
	AgentID      ID
	Status       Status
	Container    *Container
	Port         int
	Endpoint     string
	RouteHints   map[string]string
	ActivatedAt  time.Time
	LastActivity time.Time
}

// clone returns a copy that shares no mutable fields with rs.
func (rs *RuntimeState) clone() RuntimeState {
	out := *rs
	if rs.Container != nil {
		c := *rs.Container
		out.Container = &c
	}
	if rs.RouteHints != nil {
		out.RouteHints = make(map[string]string, len(rs.RouteHints))
		for k, v := range rs.RouteHints {
			out.RouteHints[k] = v
		}
	}
	return out
}

// ActivationExpired reports whether rs has been activating for longer than
// timeout without checking in.
func (rs RuntimeState) ActivationExpired(now time.Time, timeout time.Duration) bool {
	if rs.Status != StatusActivating || rs.ActivatedAt.IsZero() {
		return false
	}
	return now.Sub(rs.ActivatedAt) > timeout
}

// StateMachine tracks the lifecycle status of every agent this process knows
// about. All operations are synchronous and safe for concurrent use.
type StateMachine struct {
	agents map[string]*RuntimeState
	mu     sync.RWMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewStateMachine creates an empty StateMachine. A nil logger discards output.
func NewStateMachine(logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StateMachine{
		agents: make(map[string]*RuntimeState),
		logger: logger,
		now:    time.Now,
	}
}

// entry returns the state for id, creating an offline one if needed.
// Must be called with mu held.
func (m *StateMachine) entry(id ID) *RuntimeState {
	key := id.String()
	rs, ok := m.agents[key]
	if !ok {
		rs = &RuntimeState{AgentID: id, Status: StatusOffline}
		m.agents[key] = rs
	}
	return rs
}

// apply runs ev against id's state and returns a snapshot.
func (m *StateMachine) apply(id ID, ev Event, mutate func(rs *RuntimeState, prev Status)) RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.entry(id)
	prev := rs.Status
	rs.Status = Apply(prev, ev)
	now := m.now()
	rs.LastActivity = now
	if mutate != nil {
		mutate(rs, prev)
	}

	if prev != rs.Status {
		m.logger.Debug("agent status changed",
			"agent_id", id.String(),
			"event", string(ev.Kind),
			"from", string(prev),
			"to", string(rs.Status),
		)
	}
	return rs.clone()
}

// Activate records an activation request. ActivatedAt restarts whenever the
// agent enters activating.
func (m *StateMachine) Activate(id ID) RuntimeState {
	return m.apply(id, Event{Kind: EventActivate}, func(rs *RuntimeState, prev Status) {
		if rs.Status == StatusActivating && prev != StatusActivating {
			rs.ActivatedAt = rs.LastActivity
		}
	})
}

// SetContainer attaches the compute resource backing id.
func (m *StateMachine) SetContainer(id ID, c *Container, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.entry(id)
	rs.Container = c
	rs.Port = port
}

// Checkin marks id online and records where it can be reached. A nil hints
// map leaves existing hints untouched.
func (m *StateMachine) Checkin(id ID, endpoint string, hints map[string]string) RuntimeState {
	st := m.apply(id, Event{Kind: EventCheckin}, func(rs *RuntimeState, _ Status) {
		if endpoint != "" {
			rs.Endpoint = endpoint
		}
		if hints != nil {
			rs.RouteHints = hints
		}
		if rs.ActivatedAt.IsZero() {
			rs.ActivatedAt = rs.LastActivity
		}
	})
	m.logger.Info("=== AGENT ONLINE ===", "agent_id", id.String(), "endpoint", st.Endpoint)
	return st
}

// Heartbeat refreshes the last-activity time without changing status.
func (m *StateMachine) Heartbeat(id ID) (RuntimeState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.agents[id.String()]
	if !ok {
		return RuntimeState{}, false
	}
	if now := m.now(); now.After(rs.LastActivity) {
		rs.LastActivity = now
	}
	return rs.clone(), true
}

// Frame derives busy/online from an output frame.
func (m *StateMachine) Frame(id ID, idle bool) RuntimeState {
	return m.apply(id, Event{Kind: EventFrame, Idle: idle}, nil)
}

// Suspend moves id offline and forgets where it ran.
func (m *StateMachine) Suspend(id ID) RuntimeState {
	return m.apply(id, Event{Kind: EventSuspend}, func(rs *RuntimeState, _ Status) {
		rs.Container = nil
		rs.Endpoint = ""
		rs.Port = 0
		rs.ActivatedAt = time.Time{}
	})
}

// Fail moves id into the error state.
func (m *StateMachine) Fail(id ID) RuntimeState {
	return m.apply(id, Event{Kind: EventError}, nil)
}

// Timeout fails id if it is still activating.
func (m *StateMachine) Timeout(id ID) RuntimeState {
	return m.apply(id, Event{Kind: EventTimeout}, nil)
}

// GetState returns a snapshot of id's state.
func (m *StateMachine) GetState(id ID) (RuntimeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.agents[id.String()]
	if !ok {
		return RuntimeState{}, false
	}
	return rs.clone(), true
}

// IsOnline reports whether id is online or busy.
func (m *StateMachine) IsOnline(id ID) bool {
	st, ok := m.GetState(id)
	return ok && st.Status.IsLive()
}

// GetAllOnline returns every agent that is online or busy.
func (m *StateMachine) GetAllOnline() []RuntimeState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RuntimeState, 0, len(m.agents))
	for _, rs := range m.agents {
		if rs.Status.IsLive() {
			out = append(out, rs.clone())
		}
	}
	return out
}

// RemoveAgent forgets id entirely.
func (m *StateMachine) RemoveAgent(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id.String())
}

// Clear forgets every agent.
func (m *StateMachine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]*RuntimeState)
}

// Len returns the number of tracked agents.
func (m *StateMachine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}
