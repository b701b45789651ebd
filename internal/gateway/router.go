// ABOUTME: Router picks the runtime that hosts an agent for roost-gateway
// ABOUTME: Agents bound to a registered runtime, or in a space with one connected, go over the socket

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/store"
)

// ErrNoRoute means neither a socket runtime nor a driver can host the agent.
var ErrNoRoute = errors.New("no runtime available for agent")

// RosterReader loads an agent's roster row.
type RosterReader interface {
	GetRosterByCallsign(ctx context.Context, spaceID, channelID, callsign string) (*store.RosterEntry, error)
}

// RuntimeDirectory reports which externally registered runtimes are connected.
type RuntimeDirectory interface {
	IsConnected(runtimeID string) bool
	RuntimesInSpace(spaceID string) []string
}

// Router routes agents to the runtime responsible for them.
type Router struct {
	roster  RosterReader
	sockets RuntimeDirectory
	remote  agent.Runtime
	driver  agent.Runtime
}

// NewRouter creates a Router. remote serves socket-attached runtimes and
// driver is the configured activation driver; either may be nil.
func NewRouter(roster RosterReader, sockets RuntimeDirectory, remote, driver agent.Runtime) *Router {
	return &Router{
		roster:  roster,
		sockets: sockets,
		remote:  remote,
		driver:  driver,
	}
}

// RuntimeFor resolves the runtime for id.
// Returns agent.ErrNotInRoster if the agent has no roster row.
// Returns ErrNoRoute if nothing can host it.
func (r *Router) RuntimeFor(ctx context.Context, id agent.ID) (agent.Runtime, error) {
	entry, err := r.roster.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agent.ErrNotInRoster
	}
	if err != nil {
		return nil, fmt.Errorf("lookup roster: %w", err)
	}

	if r.remote != nil && r.sockets != nil {
		if entry.RuntimeID != "" && r.sockets.IsConnected(entry.RuntimeID) {
			return r.remote, nil
		}
		if len(r.sockets.RuntimesInSpace(id.SpaceID)) > 0 {
			return r.remote, nil
		}
	}

	if r.driver == nil {
		return nil, ErrNoRoute
	}
	return r.driver, nil
}

// Drivers returns every configured runtime, for shutdown.
func (r *Router) Drivers() []agent.Runtime {
	var out []agent.Runtime
	for _, rt := range []agent.Runtime{r.remote, r.driver} {
		if rt != nil {
			out = append(out, rt)
		}
	}
	return out
}
