// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	channels map[string]*Channel       // keyed by "spaceID:channelID"
	roster   map[RosterKey]*RosterEntry // keyed by roster key
	messages map[string][]*Message      // keyed by "spaceID:channelID", id order
	runtimes map[string]*RuntimeRecord  // keyed by runtime ID

	// UpdateCalls counts UpdateRosterEntry invocations, for assertions.
	UpdateCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		channels: make(map[string]*Channel),
		roster:   make(map[RosterKey]*RosterEntry),
		messages: make(map[string][]*Message),
		runtimes: make(map[string]*RuntimeRecord),
	}
}

func channelKey(spaceID, channelID string) string {
	return spaceID + ":" + channelID
}

func copyRoster(e *RosterEntry) *RosterEntry {
	out := *e
	out.ProviderRouteHints = e.ProviderRouteHints.Clone()
	out.ContainerRouteHints = e.ContainerRouteHints.Clone()
	if e.LastHeartbeat != nil {
		hb := *e.LastHeartbeat
		out.LastHeartbeat = &hb
	}
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	out.AddressedAgents = append([]string(nil), m.AddressedAgents...)
	return &out
}

// UpsertChannel stores a channel.
func (m *MockStore) UpsertChannel(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *ch
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.channels[channelKey(c.SpaceID, c.ChannelID)] = &c
	return nil
}

// GetChannel retrieves a channel.
func (m *MockStore) GetChannel(ctx context.Context, spaceID, channelID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.channels[channelKey(spaceID, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// CreateRosterEntry stores a roster row.
func (m *MockStore) CreateRosterEntry(ctx context.Context, e *RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roster[e.Key()]; exists {
		return ErrAlreadyExists
	}

	stored := copyRoster(e)
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = RosterOffline
	}
	m.roster[stored.Key()] = stored
	return nil
}

// GetRosterByCallsign retrieves a roster row.
func (m *MockStore) GetRosterByCallsign(ctx context.Context, spaceID, channelID, callsign string) (*RosterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.roster[RosterKey{SpaceID: spaceID, ChannelID: channelID, Callsign: callsign}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRoster(e), nil
}

func (m *MockStore) listRoster(match func(*RosterEntry) bool) []*RosterEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RosterEntry
	for _, e := range m.roster {
		if match(e) {
			out = append(out, copyRoster(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Callsign < out[j].Callsign
	})
	return out
}

// ListRoster returns a channel's roster.
func (m *MockStore) ListRoster(ctx context.Context, spaceID, channelID string) ([]*RosterEntry, error) {
	return m.listRoster(func(e *RosterEntry) bool {
		return e.SpaceID == spaceID && e.ChannelID == channelID
	}), nil
}

// ListRosterByRuntime returns agents bound to a runtime.
func (m *MockStore) ListRosterByRuntime(ctx context.Context, runtimeID string) ([]*RosterEntry, error) {
	return m.listRoster(func(e *RosterEntry) bool {
		return e.RuntimeID == runtimeID
	}), nil
}

// UpdateRosterEntry applies a targeted field update.
func (m *MockStore) UpdateRosterEntry(ctx context.Context, key RosterKey, u RosterUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateCalls++
	e, ok := m.roster[key]
	if !ok {
		return ErrNotFound
	}

	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.CallbackURL != nil {
		e.CallbackURL = *u.CallbackURL
	}
	if u.LastHeartbeat != nil {
		hb := *u.LastHeartbeat
		e.LastHeartbeat = &hb
	}
	if u.ProviderRouteHints != nil {
		e.ProviderRouteHints = nilIfEmpty(*u.ProviderRouteHints)
	}
	if u.ContainerRouteHints != nil {
		e.ContainerRouteHints = nilIfEmpty(*u.ContainerRouteHints)
	}
	if u.TunnelHash != nil {
		e.TunnelHash = *u.TunnelHash
	}
	if u.RuntimeID != nil {
		e.RuntimeID = *u.RuntimeID
	}
	e.UpdatedAt = time.Now()
	return nil
}

func nilIfEmpty(h RouteHints) RouteHints {
	if len(h) == 0 {
		return nil
	}
	return h.Clone()
}

// AdvanceReadmark moves the readmark forward only.
func (m *MockStore) AdvanceReadmark(ctx context.Context, key RosterKey, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.roster[key]
	if !ok {
		return false, ErrNotFound
	}
	if messageID <= e.Readmark {
		return false, nil
	}
	e.Readmark = messageID
	e.UpdatedAt = time.Now()
	return true, nil
}

// SaveMessage stores a message, keeping each channel in id order.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyMessage(msg)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	key := channelKey(stored.SpaceID, stored.ChannelID)
	msgs := append(m.messages[key], stored)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	m.messages[key] = msgs
	return nil
}

// GetMessages returns channel messages after q.SinceID in id order.
func (m *MockStore) GetMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[channelKey(q.SpaceID, q.ChannelID)] {
		if msg.ID <= q.SinceID {
			continue
		}
		out = append(out, copyMessage(msg))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// UpsertRuntime stores a runtime record, keeping the original creation time.
func (m *MockStore) UpsertRuntime(ctx context.Context, rt *RuntimeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *rt
	now := time.Now()
	if existing, ok := m.runtimes[rt.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.runtimes[rt.ID] = &stored
	return nil
}

// GetRuntime retrieves a runtime record.
func (m *MockStore) GetRuntime(ctx context.Context, runtimeID string) (*RuntimeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.runtimes[runtimeID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *rt
	return &result, nil
}

// UpdateRuntimeStatus sets a runtime's status and last-seen time.
func (m *MockStore) UpdateRuntimeStatus(ctx context.Context, runtimeID string, status RuntimeStatus, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[runtimeID]
	if !ok {
		return ErrNotFound
	}
	rt.Status = status
	rt.LastSeen = &lastSeen
	rt.UpdatedAt = time.Now()
	return nil
}

// TouchRuntime records a liveness timestamp.
func (m *MockStore) TouchRuntime(ctx context.Context, runtimeID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[runtimeID]
	if !ok {
		return ErrNotFound
	}
	rt.LastSeen = &lastSeen
	rt.UpdatedAt = time.Now()
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
