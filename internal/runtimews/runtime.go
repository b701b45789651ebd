// ABOUTME: agent.Runtime backed by externally registered runtimes on the socket
// ABOUTME: Routes each agent to the runtime it is bound to, or any runtime in its space

package runtimews

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/store"
)

// DriverName labels socket-attached runtimes in container descriptors.
const DriverName = "runtime"

// ErrNoRuntime means no runtime is connected for the agent's space.
var ErrNoRuntime = errors.New("no runtime connected for space")

// PromptFunc builds the system prompt handed to an activating agent.
type PromptFunc func(ctx context.Context, id agent.ID) (string, error)

// Runtime drives agents hosted by socket-attached runtimes.
type Runtime struct {
	mgr    *Manager
	store  store.Store
	prompt PromptFunc

	activationTimeout time.Duration
	now               func() time.Time
}

// NewRuntime creates the adapter. prompt may be nil.
func NewRuntime(mgr *Manager, st store.Store, prompt PromptFunc) *Runtime {
	return &Runtime{
		mgr:               mgr,
		store:             st,
		prompt:            prompt,
		activationTimeout: agent.DefaultActivationTimeout,
		now:               time.Now,
	}
}

// SetActivationTimeout sets how long an activated agent has to check in
// before another Activate re-sends the request. Non-positive values are
// ignored.
func (r *Runtime) SetActivationTimeout(d time.Duration) {
	if d > 0 {
		r.activationTimeout = d
	}
}

func (r *Runtime) roster(ctx context.Context, id agent.ID) (*store.RosterEntry, error) {
	entry, err := r.store.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agent.ErrNotInRoster
	}
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	return entry, nil
}

// runtimeFor picks the runtime hosting id: its bound runtime if still
// connected, otherwise the first connected runtime in its space.
func (r *Runtime) runtimeFor(entry *store.RosterEntry) (string, error) {
	if entry.RuntimeID != "" && r.mgr.IsConnected(entry.RuntimeID) {
		return entry.RuntimeID, nil
	}
	candidates := r.mgr.RuntimesInSpace(entry.SpaceID)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoRuntime, entry.SpaceID)
	}
	return candidates[0], nil
}

// Activate asks a connected runtime to start id. Completion arrives later as
// an agent_checkin on the socket.
func (r *Runtime) Activate(ctx context.Context, id agent.ID, opts agent.ActivateOptions) (agent.RuntimeState, error) {
	states := r.mgr.States()
	if st, ok := states.GetState(id); ok {
		switch {
		case st.Status.IsLive():
			return st, nil
		case st.ActivationExpired(r.now(), r.activationTimeout):
			r.mgr.logger.Warn("runtime never checked agent in, activating again", "agent_id", id.String(), "timeout", r.activationTimeout)
			states.Timeout(id)
		case st.Status == agent.StatusActivating:
			return st, nil
		}
	}

	entry, err := r.roster(ctx, id)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	runtimeID, err := r.runtimeFor(entry)
	if err != nil {
		return agent.RuntimeState{}, err
	}

	var prompt string
	if r.prompt != nil {
		if prompt, err = r.prompt(ctx, id); err != nil {
			return agent.RuntimeState{}, fmt.Errorf("building system prompt: %w", err)
		}
	}

	msg := Activate{
		AgentID:       id.String(),
		SystemPrompt:  prompt,
		MCPServers:    opts.MCPServers,
		WorkspacePath: workspacePath(id),
	}
	if opts.TunnelHash != "" {
		msg.Props = map[string]string{"tunnelHash": opts.TunnelHash}
	}
	if err := r.mgr.SendActivate(runtimeID, msg); err != nil {
		states.Fail(id)
		return agent.RuntimeState{}, fmt.Errorf("sending activate: %w", err)
	}

	status := store.RosterActivating
	if err := r.store.UpdateRosterEntry(ctx, entry.Key(), store.RosterUpdate{
		Status:    &status,
		RuntimeID: &runtimeID,
	}); err != nil {
		return agent.RuntimeState{}, fmt.Errorf("persisting activation: %w", err)
	}

	states.Activate(id)
	states.SetContainer(id, &agent.Container{ContainerID: runtimeID, Runtime: DriverName}, 0)
	st, _ := states.GetState(id)
	r.mgr.metrics.Activation(DriverName, string(st.Status))
	return st, nil
}

// SendMessage relays msg through the agent's runtime.
func (r *Runtime) SendMessage(ctx context.Context, id agent.ID, msg agent.Message) error {
	entry, err := r.roster(ctx, id)
	if err != nil {
		return err
	}
	if entry.RuntimeID == "" {
		return agent.ErrNotRunning
	}
	err = r.mgr.SendMessage(entry.RuntimeID, Message{
		AgentID:      id.String(),
		Content:      msg.Content,
		Sender:       msg.Sender,
		SystemPrompt: msg.SystemPrompt,
	})
	r.mgr.metrics.Delivery(DriverName, err, 1)
	return err
}

// Suspend asks the agent's runtime to stop it and marks it offline.
func (r *Runtime) Suspend(ctx context.Context, id agent.ID, reason string) error {
	entry, err := r.roster(ctx, id)
	if err != nil {
		return err
	}
	if entry.RuntimeID != "" {
		if err := r.mgr.SendSuspend(entry.RuntimeID, Suspend{AgentID: id.String(), Reason: reason}); err != nil && !errors.Is(err, ErrRuntimeNotConnected) {
			return fmt.Errorf("sending suspend: %w", err)
		}
	}

	status := store.RosterOffline
	if err := r.store.UpdateRosterEntry(ctx, entry.Key(), store.RosterUpdate{Status: &status}); err != nil {
		return fmt.Errorf("persisting suspend: %w", err)
	}
	r.mgr.States().Suspend(id)
	return nil
}

// GetState returns the local view of id.
func (r *Runtime) GetState(id agent.ID) (agent.RuntimeState, bool) {
	return r.mgr.States().GetState(id)
}

// IsOnline reports the local view of id.
func (r *Runtime) IsOnline(id agent.ID) bool {
	return r.mgr.States().IsOnline(id)
}

// GetAllOnline returns the agents seen online on this process's sockets.
func (r *Runtime) GetAllOnline() []agent.RuntimeState {
	return r.mgr.States().GetAllOnline()
}

// Shutdown is a no-op; the Manager owns the sockets.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return nil
}

var _ agent.Runtime = (*Runtime)(nil)
