// ABOUTME: Tests for the agent.Runtime adapter over socket-attached runtimes
// ABOUTME: A real client socket plays the runtime and answers activate requests

package runtimews

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/store"
)

func TestRuntime_ActivateMessageSuspend(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")
	ready(t, c, "rt-1", "space")

	rt := NewRuntime(h.mgr, h.store, func(ctx context.Context, id agent.ID) (string, error) {
		return "you are " + id.Callsign, nil
	})
	fox := agent.NewID("space", "chan", "fox")
	ctx := context.Background()

	st, err := rt.Activate(ctx, fox, agent.ActivateOptions{TunnelHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActivating, st.Status)

	msg := read(t, c)
	assert.Equal(t, TypeActivate, msg["type"])
	assert.Equal(t, "space:chan:fox", msg["agentId"])
	assert.Equal(t, "you are fox", msg["systemPrompt"])
	assert.Equal(t, "/workspaces/space/chan/fox", msg["workspacePath"])
	assert.Equal(t, map[string]any{"tunnelHash": "abc"}, msg["props"])

	entry := h.rosterOf(t, "fox")
	assert.Equal(t, store.RosterActivating, entry.Status)
	assert.Equal(t, "rt-1", entry.RuntimeID)

	// A second activate while one is in flight sends nothing.
	_, err = rt.Activate(ctx, fox, agent.ActivateOptions{})
	require.NoError(t, err)

	send(t, c, map[string]any{"type": TypeAgentCheckin, "agentId": fox.String()})
	require.Eventually(t, func() bool { return rt.IsOnline(fox) }, time.Second, 5*time.Millisecond)
	assert.Len(t, rt.GetAllOnline(), 1)

	require.NoError(t, rt.SendMessage(ctx, fox, agent.Message{Content: "hello", Sender: "alice"}))
	msg = read(t, c)
	assert.Equal(t, TypeMessage, msg["type"], "the duplicate activate must not have been sent")
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "alice", msg["sender"])

	require.NoError(t, rt.Suspend(ctx, fox, "idle"))
	msg = read(t, c)
	assert.Equal(t, TypeSuspend, msg["type"])
	assert.Equal(t, "idle", msg["reason"])

	assert.Equal(t, store.RosterOffline, h.rosterOf(t, "fox").Status)
	assert.False(t, rt.IsOnline(fox))
	require.NoError(t, rt.Shutdown(ctx))
}

func TestRuntime_ReactivatesAfterMissedCheckin(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")
	ready(t, c, "rt-1", "space")

	rt := NewRuntime(h.mgr, h.store, nil)
	rt.SetActivationTimeout(time.Minute)
	fox := agent.NewID("space", "chan", "fox")
	ctx := context.Background()

	first, err := rt.Activate(ctx, fox, agent.ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, TypeActivate, read(t, c)["type"])

	rt.now = func() time.Time { return first.ActivatedAt.Add(30 * time.Second) }
	_, err = rt.Activate(ctx, fox, agent.ActivateOptions{})
	require.NoError(t, err)

	rt.now = func() time.Time { return first.ActivatedAt.Add(2 * time.Minute) }
	st, err := rt.Activate(ctx, fox, agent.ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActivating, st.Status)

	// Exactly one more activate: the in-deadline call sent nothing.
	msg := read(t, c)
	assert.Equal(t, TypeActivate, msg["type"])
	assert.Equal(t, fox.String(), msg["agentId"])
	require.NoError(t, rt.Suspend(ctx, fox, "test"))
	assert.Equal(t, TypeSuspend, read(t, c)["type"])
}

func TestRuntime_NoRuntimeInSpace(t *testing.T) {
	h := newHarness(t, Options{})
	rt := NewRuntime(h.mgr, h.store, nil)

	_, err := rt.Activate(context.Background(), agent.NewID("space", "chan", "fox"), agent.ActivateOptions{})
	assert.ErrorIs(t, err, ErrNoRuntime)
	assert.Equal(t, store.RosterOffline, h.rosterOf(t, "fox").Status)
}

func TestRuntime_UnknownAgent(t *testing.T) {
	h := newHarness(t, Options{})
	rt := NewRuntime(h.mgr, h.store, nil)
	ghost := agent.NewID("space", "chan", "ghost")

	_, err := rt.Activate(context.Background(), ghost, agent.ActivateOptions{})
	assert.ErrorIs(t, err, agent.ErrNotInRoster)
	assert.ErrorIs(t, rt.SendMessage(context.Background(), ghost, agent.Message{}), agent.ErrNotInRoster)
}

func TestRuntime_SendMessageUnboundAgent(t *testing.T) {
	h := newHarness(t, Options{})
	rt := NewRuntime(h.mgr, h.store, nil)

	err := rt.SendMessage(context.Background(), agent.NewID("space", "chan", "fox"), agent.Message{Content: "hi"})
	assert.ErrorIs(t, err, agent.ErrNotRunning)
}

func TestRuntime_SuspendWithRuntimeGone(t *testing.T) {
	h := newHarness(t, Options{})
	bound := "rt-gone"
	require.NoError(t, h.store.UpdateRosterEntry(context.Background(),
		store.RosterKey{SpaceID: "space", ChannelID: "chan", Callsign: "fox"},
		store.RosterUpdate{RuntimeID: &bound}))

	rt := NewRuntime(h.mgr, h.store, nil)
	require.NoError(t, rt.Suspend(context.Background(), agent.NewID("space", "chan", "fox"), "shutdown"))
	assert.Equal(t, store.RosterOffline, h.rosterOf(t, "fox").Status)
}
