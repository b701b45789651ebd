// ABOUTME: Local agent runtime that runs each agent as a docker container on this host
// ABOUTME: State lives in-process, so only one long-lived server may use it

package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/callback"
	"github.com/2389/roost-gateway/internal/metrics"
	"github.com/2389/roost-gateway/internal/store"
)

// DriverName labels this runtime in container descriptors and metrics.
const DriverName = "docker"

// ErrNoPorts means every host port in the configured range is taken.
var ErrNoPorts = errors.New("no free host ports")

const (
	defaultContainerPort = 8080
	defaultPortRange     = 100
	defaultStopTimeout   = 10 * time.Second
)

// Pusher delivers a message to a container callback endpoint.
type Pusher interface {
	Push(ctx context.Context, endpoint string, p callback.Payload, hints map[string]string) error
}

// Config configures a Driver.
type Config struct {
	Image   string
	Network string

	// HostPortBase is the first host port handed out; PortRange ports are
	// available from there.
	HostPortBase int
	PortRange    int

	// ContainerPort is the port the agent listens on inside the container.
	ContainerPort int

	// PublicURL is where containers reach this service.
	PublicURL string

	StopTimeout time.Duration

	// ActivationTimeout is how long a started container has to check in
	// before another Activate starts it again.
	ActivationTimeout time.Duration
}

// Driver runs agents as local containers.
type Driver struct {
	docker  Docker
	pusher  Pusher
	store   store.Store
	cfg     Config
	states  *agent.StateMachine
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[string]agent.ID
	ports   map[int]string // host port -> agent id
}

// NewDriver creates a local driver. st may be nil; when set, suspending an
// agent also clears its callback URL on the roster.
func NewDriver(docker Docker, pusher Pusher, st store.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = defaultContainerPort
	}
	if cfg.PortRange == 0 {
		cfg.PortRange = defaultPortRange
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = agent.DefaultActivationTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "local-driver")
	return &Driver{
		docker:  docker,
		pusher:  pusher,
		store:   st,
		cfg:     cfg,
		states:  agent.NewStateMachine(logger),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		running: make(map[string]agent.ID),
		ports:   make(map[int]string),
	}
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_.-]+`)

// ContainerName returns the container name for id: readable, and unique per
// agent id.
func ContainerName(id agent.ID) string {
	sum := sha256.Sum256([]byte(id.String()))
	callsign := unsafeName.ReplaceAllString(strings.ToLower(id.Callsign), "-")
	return "roost-" + callsign + "-" + hex.EncodeToString(sum[:])[:8]
}

func (d *Driver) allocatePort(key string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for p := d.cfg.HostPortBase; p < d.cfg.HostPortBase+d.cfg.PortRange; p++ {
		if _, taken := d.ports[p]; !taken {
			d.ports[p] = key
			return p, nil
		}
	}
	return 0, ErrNoPorts
}

func (d *Driver) releasePort(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ports, port)
}

// Activate starts the agent's container unless it is already up or still
// within its activation deadline. A container that never checked in is
// replaced.
func (d *Driver) Activate(ctx context.Context, id agent.ID, opts agent.ActivateOptions) (agent.RuntimeState, error) {
	key := id.String()
	if st, ok := d.states.GetState(id); ok {
		switch {
		case st.Status.IsLive():
			return st, nil
		case st.ActivationExpired(d.now(), d.cfg.ActivationTimeout):
			d.logger.Warn("container never checked in, restarting", "agent_id", key, "timeout", d.cfg.ActivationTimeout)
			d.states.Timeout(id)
			d.metrics.ActivationTimer("restarted")
			if st.Port != 0 {
				d.releasePort(st.Port)
			}
		case st.Status == agent.StatusActivating:
			return st, nil
		}
	}

	port, err := d.allocatePort(key)
	if err != nil {
		return agent.RuntimeState{}, err
	}

	env, err := agent.ProcessEnv(id, opts, strings.TrimSuffix(d.cfg.PublicURL, "/")+"/agents")
	if err != nil {
		d.releasePort(port)
		return agent.RuntimeState{}, err
	}
	env[agent.EnvPort] = strconv.Itoa(d.cfg.ContainerPort)
	if d.cfg.Network == "" {
		// Bridge-networked containers are only reachable through the published port.
		env[agent.EnvEndpoint] = "http://127.0.0.1:" + strconv.Itoa(port)
	}

	name := ContainerName(id)
	// Leftovers from a previous server run would block the name.
	_ = d.docker.Remove(ctx, name, true)

	containerID, err := d.docker.Run(ctx, RunOptions{
		Name:    name,
		Image:   d.cfg.Image,
		Network: d.cfg.Network,
		Env:     env,
		Ports:   map[int]int{port: d.cfg.ContainerPort},
		Labels:  map[string]string{"roost.agent-id": key},
	})
	if err != nil {
		d.releasePort(port)
		d.states.Fail(id)
		d.metrics.Activation(DriverName, string(agent.StatusError))
		return agent.RuntimeState{}, fmt.Errorf("starting container: %w", err)
	}

	d.mu.Lock()
	d.running[key] = id
	d.mu.Unlock()

	d.states.Activate(id)
	d.states.SetContainer(id, &agent.Container{ContainerID: containerID, Runtime: DriverName}, port)
	st, _ := d.states.GetState(id)

	d.logger.Info("container started", "agent_id", key, "container", name, "host_port", port)
	d.metrics.Activation(DriverName, string(st.Status))
	return st, nil
}

// ObserveCheckin records that id checked in at endpoint.
func (d *Driver) ObserveCheckin(id agent.ID, endpoint string, hints map[string]string) {
	d.states.Checkin(id, endpoint, hints)
}

// ObserveFrame records an output frame from id.
func (d *Driver) ObserveFrame(id agent.ID, idle bool) {
	d.states.Frame(id, idle)
}

// SendMessage pushes msg to the container's endpoint.
func (d *Driver) SendMessage(ctx context.Context, id agent.ID, msg agent.Message) error {
	st, ok := d.states.GetState(id)
	if !ok || !st.Status.IsLive() {
		return agent.ErrNotRunning
	}
	if st.Endpoint == "" {
		return agent.ErrNoCallback
	}

	err := d.pusher.Push(ctx, st.Endpoint, callback.Payload{
		Content:      msg.Content,
		AgentID:      id.String(),
		SystemPrompt: msg.SystemPrompt,
	}, st.RouteHints)
	d.metrics.Delivery(DriverName, err, 1)
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", id, err)
	}
	return nil
}

// Suspend stops and removes the agent's container.
func (d *Driver) Suspend(ctx context.Context, id agent.ID, reason string) error {
	key := id.String()
	st, _ := d.states.GetState(id)

	if st.Container != nil {
		name := ContainerName(id)
		if err := d.docker.Stop(ctx, name, d.cfg.StopTimeout); err != nil {
			d.logger.Warn("failed to stop container", "agent_id", key, "error", err)
		}
		if err := d.docker.Remove(ctx, name, true); err != nil {
			d.logger.Warn("failed to remove container", "agent_id", key, "error", err)
		}
	}
	if st.Port != 0 {
		d.releasePort(st.Port)
	}

	d.mu.Lock()
	delete(d.running, key)
	d.mu.Unlock()

	d.states.Suspend(id)

	if d.store != nil {
		status := store.RosterOffline
		empty := ""
		err := d.store.UpdateRosterEntry(ctx, store.RosterKey{SpaceID: id.SpaceID, ChannelID: id.ChannelID, Callsign: id.Callsign},
			store.RosterUpdate{Status: &status, CallbackURL: &empty})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("clearing roster callback: %w", err)
		}
	}

	d.logger.Info("agent suspended", "agent_id", key, "reason", reason)
	return nil
}

// GetState returns the state of id.
func (d *Driver) GetState(id agent.ID) (agent.RuntimeState, bool) {
	return d.states.GetState(id)
}

// IsOnline reports whether id is online or busy.
func (d *Driver) IsOnline(id agent.ID) bool {
	return d.states.IsOnline(id)
}

// GetAllOnline returns every online or busy agent.
func (d *Driver) GetAllOnline() []agent.RuntimeState {
	return d.states.GetAllOnline()
}

// Shutdown stops every container this driver started.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]agent.ID, 0, len(d.running))
	for _, id := range d.running {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return d.Suspend(gctx, id, "shutdown")
		})
	}
	return g.Wait()
}

var _ agent.Runtime = (*Driver)(nil)
