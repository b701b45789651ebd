// ABOUTME: Remote agent runtime backed by the machine API and the shared roster
// ABOUTME: Activation is fire-and-forget; completion is observed through check-in

package machines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/callback"
	"github.com/2389/roost-gateway/internal/metrics"
	"github.com/2389/roost-gateway/internal/store"
)

// DriverName labels this runtime in container descriptors and metrics.
const DriverName = "machines"

// DefaultActivationTimeout is how long a provisioned machine has to check in.
const DefaultActivationTimeout = agent.DefaultActivationTimeout

// InstanceHint is the route hint header carrying the provider-assigned
// machine id. The platform's edge uses it to pin requests to that machine.
const InstanceHint = "fly-force-instance-id"

// API is the subset of the machine API the driver uses.
type API interface {
	CreateMachine(ctx context.Context, req CreateMachineRequest) (*Machine, error)
	FindMachineByName(ctx context.Context, name string) (*Machine, error)
	StartMachine(ctx context.Context, id string) error
	StopMachine(ctx context.Context, id string) error
	DeleteMachine(ctx context.Context, id string, force bool) error
	WaitForState(ctx context.Context, id, state string, timeout time.Duration) error
}

var _ API = (*Client)(nil)

// Pusher delivers a message to a container callback endpoint.
type Pusher interface {
	Push(ctx context.Context, endpoint string, p callback.Payload, hints map[string]string) error
}

// StatusFunc is notified when the driver changes an agent's persisted status
// on its own, outside of any caller's request.
type StatusFunc func(id agent.ID, status store.RosterStatus)

// DriverConfig configures a Driver.
type DriverConfig struct {
	Image    string
	Region   string
	CPUs     int
	MemoryMB int

	// PublicURL is this service's externally reachable base URL. Machines
	// check in at PublicURL + "/agents".
	PublicURL string

	ActivationTimeout time.Duration
}

// Driver activates agents as remote machines.
type Driver struct {
	api      API
	store    store.Store
	pusher   Pusher
	cfg      DriverConfig
	states   *agent.StateMachine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onStatus StatusFunc
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*activationTimer
	closed bool
}

type activationTimer struct {
	timer     *time.Timer
	machineID string
}

// NewDriver creates a remote driver.
func NewDriver(api API, st store.Store, pusher Pusher, cfg DriverConfig, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = DefaultActivationTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "machines-driver")
	return &Driver{
		api:     api,
		store:   st,
		pusher:  pusher,
		cfg:     cfg,
		states:  agent.NewStateMachine(logger),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[string]*activationTimer),
	}
}

// OnStatus registers fn to be told about driver-initiated status changes.
// Must be called before the driver is used.
func (d *Driver) OnStatus(fn StatusFunc) {
	d.onStatus = fn
}

// MachineName returns the deterministic machine name for id. Repeated
// activations of one agent always target the same name.
func MachineName(id agent.ID) string {
	sum := sha256.Sum256([]byte(id.String()))
	return "agent-" + hex.EncodeToString(sum[:])[:16]
}

func (d *Driver) roster(ctx context.Context, id agent.ID) (*store.RosterEntry, error) {
	entry, err := d.store.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agent.ErrNotInRoster
	}
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	return entry, nil
}

func (d *Driver) reachable(entry *store.RosterEntry) bool {
	return entry.CallbackURL != "" && !agent.IsHeartbeatStale(entry.LastHeartbeat, d.now())
}

// Activate provisions or starts the agent's machine and returns immediately.
func (d *Driver) Activate(ctx context.Context, id agent.ID, opts agent.ActivateOptions) (agent.RuntimeState, error) {
	entry, err := d.roster(ctx, id)
	if err != nil {
		return agent.RuntimeState{}, err
	}

	if d.reachable(entry) {
		st := d.states.Checkin(id, entry.CallbackURL, entry.RouteHints())
		d.metrics.Activation(DriverName, string(st.Status))
		return st, nil
	}

	name := MachineName(id)
	logger := d.logger.With("agent_id", id.String(), "machine_name", name)

	existing, err := d.api.FindMachineByName(ctx, name)
	if err != nil {
		return agent.RuntimeState{}, fmt.Errorf("looking up machine: %w", err)
	}

	var machineID string
	switch {
	case existing == nil:
		req, err := d.createRequest(id, name, opts)
		if err != nil {
			return agent.RuntimeState{}, err
		}
		m, err := d.api.CreateMachine(ctx, req)
		if IsConflict(err) {
			logger.Info("machine already being created, treating as activating")
			return d.markActivating(ctx, id, "")
		}
		if err != nil {
			d.states.Fail(id)
			return agent.RuntimeState{}, fmt.Errorf("creating machine: %w", err)
		}
		machineID = m.ID
		logger.Info("machine created", "machine_id", machineID)

	case existing.State == StateStopped || existing.State == StateSuspended:
		if err := d.api.StartMachine(ctx, existing.ID); err != nil {
			d.states.Fail(id)
			return agent.RuntimeState{}, fmt.Errorf("starting machine: %w", err)
		}
		machineID = existing.ID
		logger.Info("machine started", "machine_id", machineID)

	default:
		logger.Debug("machine already starting", "machine_id", existing.ID, "state", existing.State)
		return d.markActivating(ctx, id, "")
	}

	return d.markActivating(ctx, id, machineID)
}

// markActivating records the activating status. A non-empty machineID means
// this call provisioned or started the machine: its id is persisted as a
// provider route hint and the activation timer starts.
func (d *Driver) markActivating(ctx context.Context, id agent.ID, machineID string) (agent.RuntimeState, error) {
	status := store.RosterActivating
	update := store.RosterUpdate{Status: &status}
	if machineID != "" {
		hints := store.RouteHints{InstanceHint: machineID}
		update.ProviderRouteHints = &hints
	}
	if err := d.store.UpdateRosterEntry(ctx, keyOf(id), update); err != nil {
		d.logger.Warn("failed to persist activating status", "agent_id", id.String(), "error", err)
	}

	st := d.states.Activate(id)
	if machineID != "" {
		d.states.SetContainer(id, &agent.Container{ContainerID: machineID, Runtime: DriverName}, 0)
		d.startTimer(id, machineID)
		st, _ = d.states.GetState(id)
	}
	d.metrics.Activation(DriverName, string(st.Status))
	return st, nil
}

func (d *Driver) createRequest(id agent.ID, name string, opts agent.ActivateOptions) (CreateMachineRequest, error) {
	env, err := agent.ProcessEnv(id, opts, strings.TrimSuffix(d.cfg.PublicURL, "/")+"/agents")
	if err != nil {
		return CreateMachineRequest{}, err
	}

	req := CreateMachineRequest{
		Name:   name,
		Region: d.cfg.Region,
		Config: MachineConfig{
			Image:   d.cfg.Image,
			Env:     env,
			Restart: &RestartPolicy{Policy: "no"},
			Metadata: map[string]string{
				"roost_agent_id": id.String(),
			},
		},
	}
	if d.cfg.CPUs > 0 || d.cfg.MemoryMB > 0 {
		req.Config.Guest = &Guest{CPUKind: "shared", CPUs: d.cfg.CPUs, MemoryMB: d.cfg.MemoryMB}
	}
	return req, nil
}

// SendMessage pushes msg to the agent's callback endpoint.
func (d *Driver) SendMessage(ctx context.Context, id agent.ID, msg agent.Message) error {
	entry, err := d.roster(ctx, id)
	if err != nil {
		return err
	}
	if entry.CallbackURL == "" {
		return agent.ErrNoCallback
	}
	if agent.IsHeartbeatStale(entry.LastHeartbeat, d.now()) {
		return agent.ErrStale
	}

	err = d.pusher.Push(ctx, entry.CallbackURL, callback.Payload{
		Content:      msg.Content,
		AgentID:      id.String(),
		SystemPrompt: msg.SystemPrompt,
	}, entry.RouteHints())
	d.metrics.Delivery(DriverName, err, 1)
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", id, err)
	}
	return nil
}

// Suspend tears the agent's machine down and clears its routing.
func (d *Driver) Suspend(ctx context.Context, id agent.ID, reason string) error {
	d.cancelTimer(id)

	entry, err := d.roster(ctx, id)
	if err != nil {
		return err
	}

	logger := d.logger.With("agent_id", id.String(), "reason", reason)

	machineID := entry.ProviderRouteHints[InstanceHint]
	if machineID == "" {
		m, err := d.api.FindMachineByName(ctx, MachineName(id))
		if err != nil {
			logger.Warn("failed to look up machine for suspend", "error", err)
		} else if m != nil {
			machineID = m.ID
		}
	}

	if machineID != "" {
		d.destroy(ctx, logger, machineID)
	}

	status := store.RosterOffline
	empty := ""
	noHints := store.RouteHints{}
	noContainerHints := store.RouteHints{}
	if err := d.store.UpdateRosterEntry(ctx, keyOf(id), store.RosterUpdate{
		Status:              &status,
		CallbackURL:         &empty,
		ProviderRouteHints:  &noHints,
		ContainerRouteHints: &noContainerHints,
	}); err != nil {
		return fmt.Errorf("clearing roster routing: %w", err)
	}

	d.states.Suspend(id)
	logger.Info("agent suspended", "machine_id", machineID)
	return nil
}

// destroy stops then force-deletes a machine, logging rather than returning
// failures.
func (d *Driver) destroy(ctx context.Context, logger *slog.Logger, machineID string) {
	if err := d.api.StopMachine(ctx, machineID); err != nil {
		logger.Warn("failed to stop machine", "machine_id", machineID, "error", err)
	} else if err := d.api.WaitForState(ctx, machineID, StateStopped, 10*time.Second); err != nil && !IsNotFound(err) {
		logger.Debug("machine did not report stopped", "machine_id", machineID, "error", err)
	}
	if err := d.api.DeleteMachine(ctx, machineID, true); err != nil {
		logger.Warn("failed to delete machine", "machine_id", machineID, "error", err)
	}
}

// GetState returns the driver's local view of id. The roster remains the
// source of truth.
func (d *Driver) GetState(id agent.ID) (agent.RuntimeState, bool) {
	return d.states.GetState(id)
}

// IsOnline reports the driver's local view of id.
func (d *Driver) IsOnline(id agent.ID) bool {
	return d.states.IsOnline(id)
}

// GetAllOnline returns the agents this process has seen online.
func (d *Driver) GetAllOnline() []agent.RuntimeState {
	return d.states.GetAllOnline()
}

// Shutdown cancels every pending activation timer. Machines are left running.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, t := range d.timers {
		t.timer.Stop()
		delete(d.timers, key)
	}
	d.closed = true
	return nil
}

func keyOf(id agent.ID) store.RosterKey {
	return store.RosterKey{SpaceID: id.SpaceID, ChannelID: id.ChannelID, Callsign: id.Callsign}
}

var _ agent.Runtime = (*Driver)(nil)
