// ABOUTME: Tests for Router that picks the runtime hosting an agent
// ABOUTME: Covers socket-bound agents, spaces with runtimes, driver fallback and missing rosters

package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/store"
)

// fakeRuntime records calls and answers with canned results.
type fakeRuntime struct {
	name string

	mu          sync.Mutex
	activated   []agent.ID
	sent        map[agent.ID][]agent.Message
	suspended   []agent.ID
	status      agent.Status
	activateErr error
	sendErr     error
}

func newFakeRuntime(name string, status agent.Status) *fakeRuntime {
	return &fakeRuntime{name: name, status: status, sent: make(map[agent.ID][]agent.Message)}
}

func (f *fakeRuntime) Activate(ctx context.Context, id agent.ID, opts agent.ActivateOptions) (agent.RuntimeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, id)
	if f.activateErr != nil {
		return agent.RuntimeState{}, f.activateErr
	}
	return agent.RuntimeState{AgentID: id, Status: f.status}, nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, id agent.ID, msg agent.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[id] = append(f.sent[id], msg)
	return nil
}

func (f *fakeRuntime) Suspend(ctx context.Context, id agent.ID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, id)
	return nil
}

func (f *fakeRuntime) GetState(id agent.ID) (agent.RuntimeState, bool) { return agent.RuntimeState{}, false }
func (f *fakeRuntime) IsOnline(id agent.ID) bool                       { return f.status.IsLive() }
func (f *fakeRuntime) GetAllOnline() []agent.RuntimeState              { return nil }
func (f *fakeRuntime) Shutdown(ctx context.Context) error               { return nil }

func (f *fakeRuntime) activations() []agent.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.ID(nil), f.activated...)
}

func (f *fakeRuntime) messages(id agent.ID) []agent.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Message(nil), f.sent[id]...)
}

// fakeDirectory is a RuntimeDirectory with fixed contents.
type fakeDirectory struct {
	connected map[string]string // runtime id -> space id
}

func (d *fakeDirectory) IsConnected(runtimeID string) bool {
	_, ok := d.connected[runtimeID]
	return ok
}

func (d *fakeDirectory) RuntimesInSpace(spaceID string) []string {
	var out []string
	for id, space := range d.connected {
		if space == spaceID {
			out = append(out, id)
		}
	}
	return out
}

func seedRoster(t *testing.T, st *store.MockStore, entries ...*store.RosterEntry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, st.CreateRosterEntry(context.Background(), e))
	}
}

func TestRouter_RuntimeFor(t *testing.T) {
	st := store.NewMockStore()
	seedRoster(t, st,
		&store.RosterEntry{SpaceID: "byo", ChannelID: "chan", Callsign: "fox"},
		&store.RosterEntry{SpaceID: "hosted", ChannelID: "chan", Callsign: "bear", RuntimeID: "rt-gone"},
		&store.RosterEntry{SpaceID: "hosted", ChannelID: "chan", Callsign: "owl", RuntimeID: "rt-bound"},
	)
	dir := &fakeDirectory{connected: map[string]string{"rt-1": "byo", "rt-bound": "elsewhere"}}
	remote := newFakeRuntime("remote", agent.StatusActivating)
	driver := newFakeRuntime("driver", agent.StatusActivating)
	router := NewRouter(st, dir, remote, driver)
	ctx := context.Background()

	rt, err := router.RuntimeFor(ctx, agent.NewID("byo", "chan", "fox"))
	require.NoError(t, err)
	assert.Same(t, remote, rt, "space with a connected runtime goes over the socket")

	rt, err = router.RuntimeFor(ctx, agent.NewID("hosted", "chan", "owl"))
	require.NoError(t, err)
	assert.Same(t, remote, rt, "bound runtime still connected")

	rt, err = router.RuntimeFor(ctx, agent.NewID("hosted", "chan", "bear"))
	require.NoError(t, err)
	assert.Same(t, driver, rt, "bound runtime gone, fall back to the driver")

	_, err = router.RuntimeFor(ctx, agent.NewID("hosted", "chan", "ghost"))
	assert.ErrorIs(t, err, agent.ErrNotInRoster)
}

func TestRouter_NoDriver(t *testing.T) {
	st := store.NewMockStore()
	seedRoster(t, st, &store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox"})
	router := NewRouter(st, &fakeDirectory{}, newFakeRuntime("remote", agent.StatusOnline), nil)

	_, err := router.RuntimeFor(context.Background(), agent.NewID("space", "chan", "fox"))
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Len(t, router.Drivers(), 1)
}
