// ABOUTME: Agent lifecycle statuses and the pure transition functions between them
// ABOUTME: Each function maps (current status, event data) to the next status with no side effects

package agent

import "time"

// Status is the lifecycle status of an agent process.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusActivating Status = "activating"
	StatusOnline     Status = "online"
	StatusBusy       Status = "busy"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusActivating, StatusOnline, StatusBusy, StatusError:
		return true
	}
	return false
}

// IsLive reports whether an agent in this status can receive messages.
func (s Status) IsLive() bool {
	return s == StatusOnline || s == StatusBusy
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventActivate EventKind = "activate"
	EventCheckin  EventKind = "checkin"
	EventFrame    EventKind = "frame"
	EventSuspend  EventKind = "suspend"
	EventError    EventKind = "error"
	EventTimeout  EventKind = "timeout"
)

// Event is a lifecycle event. Idle only matters for EventFrame.
type Event struct {
	Kind EventKind
	Idle bool
}

// OnActivate moves offline/error agents to activating; live or activating
// agents are left alone.
func OnActivate(current Status) Status {
	switch current {
	case StatusOffline, StatusError:
		return StatusActivating
	}
	return current
}

// OnCheckin marks an activating agent online. A late or duplicate check-in
// from an offline agent is tolerated.
func OnCheckin(current Status) Status {
	switch current {
	case StatusActivating, StatusOffline:
		return StatusOnline
	}
	return current
}

// OnFrame derives busy/online from agent output. Frames are ignored unless the
// agent is already live.
func OnFrame(current Status, idle bool) Status {
	if !current.IsLive() {
		return current
	}
	if idle {
		return StatusOnline
	}
	return StatusBusy
}

// OnSuspend always ends offline.
func OnSuspend(Status) Status {
	return StatusOffline
}

// OnError always ends in error.
func OnError(Status) Status {
	return StatusError
}

// OnTimeout fails an agent whose activation deadline passed.
func OnTimeout(current Status) Status {
	if current == StatusActivating {
		return StatusError
	}
	return current
}

// Apply dispatches an event to its transition function.
func Apply(current Status, ev Event) Status {
	switch ev.Kind {
	case EventActivate:
		return OnActivate(current)
	case EventCheckin:
		return OnCheckin(current)
	case EventFrame:
		return OnFrame(current, ev.Idle)
	case EventSuspend:
		return OnSuspend(current)
	case EventError:
		return OnError(current)
	case EventTimeout:
		return OnTimeout(current)
	}
	return current
}

// DefaultActivationTimeout is how long an activated agent has to check in
// before its activation is abandoned.
const DefaultActivationTimeout = 180 * time.Second

// HeartbeatStaleAfter is how old a heartbeat may be before the agent is
// considered unreachable.
const HeartbeatStaleAfter = 60 * time.Second

// IsHeartbeatStale reports whether last is missing or older than
// HeartbeatStaleAfter relative to now.
func IsHeartbeatStale(last *time.Time, now time.Time) bool {
	if last == nil || last.IsZero() {
		return true
	}
	return now.Sub(*last) > HeartbeatStaleAfter
}
