// ABOUTME: Store interface and data types for roster, channel, message and runtime persistence
// ABOUTME: Roster rows are the shared source of truth for remotely driven agents

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a roster row that exists
	ErrAlreadyExists = errors.New("already exists")
)

// RosterStatus is the persisted status of a roster row. It extends the agent
// lifecycle statuses with the operator-controlled paused/archived states.
type RosterStatus string

const (
	RosterOffline    RosterStatus = "offline"
	RosterActivating RosterStatus = "activating"
	RosterOnline     RosterStatus = "online"
	RosterBusy       RosterStatus = "busy"
	RosterError      RosterStatus = "error"
	RosterPaused     RosterStatus = "paused"
	RosterArchived   RosterStatus = "archived"
)

// IsMuted reports whether an agent in this status should stay quiet in the UI.
func (s RosterStatus) IsMuted() bool {
	return s == RosterPaused || s == RosterArchived
}

// AfterCheckin is the status persisted when an agent in status s checks in.
// Operator-set paused/archived survive; anything else is reachable now.
func (s RosterStatus) AfterCheckin() RosterStatus {
	if s.IsMuted() {
		return s
	}
	return RosterOnline
}

// RouteHints are literal HTTP headers echoed on every callback push so the
// hosting platform can route to the exact instance.
type RouteHints map[string]string

// Clone returns a copy of h, or nil for nil.
func (h RouteHints) Clone() RouteHints {
	if h == nil {
		return nil
	}
	out := make(RouteHints, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// MergeRouteHints combines container-reported and provider-assigned hints.
// Provider hints win on conflicting keys.
func MergeRouteHints(provider, container RouteHints) RouteHints {
	if len(provider) == 0 && len(container) == 0 {
		return nil
	}
	out := make(RouteHints, len(provider)+len(container))
	for k, v := range container {
		out[k] = v
	}
	for k, v := range provider {
		out[k] = v
	}
	return out
}

// RosterKey addresses one roster row.
type RosterKey struct {
	SpaceID   string
	ChannelID string
	Callsign  string
}

// RosterEntry is an agent's durable membership in a channel.
type RosterEntry struct {
	SpaceID   string
	ChannelID string
	Callsign  string
	IsLeader  bool
	Status    RosterStatus

	// CallbackURL is where the running process accepts pushed messages.
	CallbackURL string

	// Readmark is the id of the last message confirmed delivered. Only ever
	// moves forward.
	Readmark string

	LastHeartbeat *time.Time

	// ProviderRouteHints are set by a runtime driver during provisioning.
	ProviderRouteHints RouteHints

	// ContainerRouteHints are reported by the process at check-in.
	ContainerRouteHints RouteHints

	TunnelHash string

	// RuntimeID binds the agent to an externally registered runtime, if any.
	RuntimeID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the row's address.
func (e *RosterEntry) Key() RosterKey {
	return RosterKey{SpaceID: e.SpaceID, ChannelID: e.ChannelID, Callsign: e.Callsign}
}

// RouteHints returns the merged hints to echo on callback pushes.
func (e *RosterEntry) RouteHints() RouteHints {
	return MergeRouteHints(e.ProviderRouteHints, e.ContainerRouteHints)
}

// RosterUpdate is a targeted field update. Nil fields are left untouched so
// concurrent writers touching other fields are never clobbered. A pointer to
// an empty RouteHints clears the stored hints.
type RosterUpdate struct {
	Status              *RosterStatus
	CallbackURL         *string
	LastHeartbeat       *time.Time
	ProviderRouteHints  *RouteHints
	ContainerRouteHints *RouteHints
	TunnelHash          *string
	RuntimeID           *string
}

// Channel is a conversation space agents are rostered into.
type Channel struct {
	SpaceID   string
	ChannelID string
	Name      string
	CreatedAt time.Time
}

// Message is a persisted channel message.
type Message struct {
	// ID is monotonically increasing within a channel (UUIDv7); string
	// comparison orders messages.
	ID              string
	SpaceID         string
	ChannelID       string
	Sender          string
	SenderIsHuman   bool
	Content         string
	AddressedAgents []string
	CreatedAt       time.Time
}

// IsAddressedTo reports whether callsign is among the addressees.
func (m *Message) IsAddressedTo(callsign string) bool {
	for _, a := range m.AddressedAgents {
		if a == callsign {
			return true
		}
	}
	return false
}

// MessageQuery selects channel messages.
type MessageQuery struct {
	SpaceID   string
	ChannelID string

	// SinceID excludes messages with id <= SinceID. Empty means from the start.
	SinceID string

	// Limit caps the result; zero means no cap.
	Limit int
}

// RuntimeStatus is the persisted status of an externally registered runtime.
type RuntimeStatus string

const (
	RuntimeOnline  RuntimeStatus = "online"
	RuntimeOffline RuntimeStatus = "offline"
)

// RuntimeRecord is an externally registered ("bring your own machine") runtime.
type RuntimeRecord struct {
	ID          string
	SpaceID     string
	Name        string
	MachineInfo map[string]any
	Status      RuntimeStatus
	LastSeen    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store defines the persistence operations the control plane needs
type Store interface {
	// Channels
	UpsertChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, spaceID, channelID string) (*Channel, error)

	// Roster
	CreateRosterEntry(ctx context.Context, entry *RosterEntry) error
	GetRosterByCallsign(ctx context.Context, spaceID, channelID, callsign string) (*RosterEntry, error)
	ListRoster(ctx context.Context, spaceID, channelID string) ([]*RosterEntry, error)
	ListRosterByRuntime(ctx context.Context, runtimeID string) ([]*RosterEntry, error)
	UpdateRosterEntry(ctx context.Context, key RosterKey, update RosterUpdate) error

	// AdvanceReadmark moves the readmark to messageID only if messageID sorts
	// after the stored value. Returns whether the row changed.
	AdvanceReadmark(ctx context.Context, key RosterKey, messageID string) (bool, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, q MessageQuery) ([]*Message, error)

	// Runtimes
	UpsertRuntime(ctx context.Context, rt *RuntimeRecord) error
	GetRuntime(ctx context.Context, runtimeID string) (*RuntimeRecord, error)
	UpdateRuntimeStatus(ctx context.Context, runtimeID string, status RuntimeStatus, lastSeen time.Time) error
	TouchRuntime(ctx context.Context, runtimeID string, lastSeen time.Time) error

	// Close releases any resources held by the store
	Close() error
}
