// ABOUTME: Runtime connection manager: accepts runtime sockets and mirrors agent events
// ABOUTME: Tracks pending and registered connections, pings them and cleans up on disconnect

package runtimews

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/auth"
	"github.com/2389/roost-gateway/internal/broadcast"
	"github.com/2389/roost-gateway/internal/dedupe"
	"github.com/2389/roost-gateway/internal/metrics"
	"github.com/2389/roost-gateway/internal/store"
)

// DefaultPingInterval is how often registered runtimes are pinged.
const DefaultPingInterval = 30 * time.Second

// ErrRuntimeNotConnected means no socket is registered for the runtime.
var ErrRuntimeNotConnected = errors.New("runtime not connected")

// CheckinFunc is called after an agent checks in over a runtime socket.
type CheckinFunc func(ctx context.Context, id agent.ID)

// Options configures a Manager.
type Options struct {
	// PingInterval defaults to DefaultPingInterval. A connection whose last
	// pong is older than twice the interval is closed.
	PingInterval time.Duration

	// RequireAuth rejects sockets without a valid runtime credential.
	RequireAuth bool

	Store     store.Store
	Broadcast broadcast.ConnectionManager

	// Verifier checks runtime credentials. Nil accepts no credentials.
	Verifier auth.TokenVerifier

	// Credentials memoizes verified credentials by token hash. Optional.
	Credentials *dedupe.Cache[*auth.RuntimeClaims]

	// States is the local agent state table. One is created if nil.
	States *agent.StateMachine

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager owns every runtime socket in this process.
type Manager struct {
	opts     Options
	store    store.Store
	cm       broadcast.ConnectionManager
	states   *agent.StateMachine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	onCheckin CheckinFunc

	mu      sync.RWMutex
	pending map[string]*conn // by connection id
	active  map[string]*conn // by runtime id

	wg sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(opts Options) *Manager {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "runtimews")
	states := opts.States
	if states == nil {
		states = agent.NewStateMachine(logger)
	}
	return &Manager{
		opts:    opts,
		store:   opts.Store,
		cm:      opts.Broadcast,
		states:  states,
		metrics: opts.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:     time.Now,
		pending: make(map[string]*conn),
		active:  make(map[string]*conn),
	}
}

// OnCheckin registers fn to run after every socket check-in. Must be called
// before the manager accepts connections.
func (m *Manager) OnCheckin(fn CheckinFunc) {
	m.onCheckin = fn
}

// States returns the local agent state table.
func (m *Manager) States() *agent.StateMachine {
	return m.states
}

type authResult struct {
	claims *auth.RuntimeClaims
	err    error
}

var errMissingCredential = errors.New("missing runtime credential")

func tokenFromRequest(r *http.Request) string {
	if token, reason := auth.BearerToken(r); reason == "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func (m *Manager) verify(token string) (*auth.RuntimeClaims, error) {
	if token == "" {
		if m.opts.RequireAuth {
			return nil, errMissingCredential
		}
		return nil, nil
	}
	if m.opts.Verifier == nil {
		return nil, fmt.Errorf("%w: no verifier configured", auth.ErrInvalidToken)
	}

	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if m.opts.Credentials != nil {
		if claims, ok := m.opts.Credentials.Get(key); ok {
			return claims, nil
		}
	}

	claims, err := m.opts.Verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if m.opts.Credentials != nil {
		m.opts.Credentials.Put(key, claims)
	}
	return claims, nil
}

// ServeHTTP upgrades a runtime socket and runs it until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("runtime socket upgrade failed", "error", err)
		return
	}

	c := &conn{id: uuid.New().String(), ws: ws, lastPong: m.now()}
	c.logger = m.logger.With("connection_id", c.id)

	m.mu.Lock()
	m.pending[c.id] = c
	m.mu.Unlock()
	m.wg.Add(1)
	defer m.wg.Done()
	m.metrics.RuntimeConnected(1)

	// Verification runs off the read path; frames that arrive meanwhile wait
	// in the inbox and are handled in order once it resolves.
	authDone := make(chan authResult, 1)
	go func() {
		claims, err := m.verify(token)
		authDone <- authResult{claims: claims, err: err}
	}()

	inbox := make(chan []byte, inboxSize)
	done := make(chan struct{})
	go c.pump(inbox, done)

	defer func() {
		close(done)
		c.closeWith(websocket.CloseNormalClosure, "")
		m.disconnect(c)
		m.metrics.RuntimeConnected(-1)
	}()

	res := <-authDone
	if res.err != nil {
		c.logger.Warn("runtime auth failed", "error", res.err)
		c.sendError(CodeUnauthorized, "invalid or missing runtime credential")
		c.closeWith(CloseUnauthorized, "unauthorized")
		return
	}
	c.setClaims(res.claims)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for data := range inbox {
		if !m.handle(ctx, c, data) {
			return
		}
	}
}

// handle processes one frame. It returns false when the connection must end.
func (m *Manager) handle(ctx context.Context, c *conn, data []byte) bool {
	msg, err := decode(data)
	if err != nil || msg.Type == "" {
		c.sendError(CodeInvalidMessage, "message must be a JSON object with a type")
		return true
	}
	m.metrics.RuntimeMessage(msg.Type)

	if msg.Type != TypeRuntimeReady && !c.registered() {
		c.sendError(CodeNotRegistered, "send runtime_ready first")
		return true
	}

	switch msg.Type {
	case TypeRuntimeReady:
		return m.handleReady(ctx, c, msg)
	case TypeAgentCheckin:
		m.handleCheckin(ctx, c, msg)
	case TypeAgentHeartbeat:
		m.handleHeartbeat(ctx, c, msg)
	case TypeFrame:
		m.handleFrame(ctx, c, msg)
	case TypePong:
		m.handlePong(ctx, c)
	default:
		c.sendError(CodeInvalidMessage, "unknown message type: "+msg.Type)
	}
	return true
}

func (m *Manager) handleReady(ctx context.Context, c *conn, msg inbound) bool {
	if msg.RuntimeID == "" || msg.SpaceID == "" {
		c.sendError(CodeInvalidMessage, "runtime_ready requires runtimeId and spaceId")
		return true
	}
	if claims := c.authClaims(); claims != nil && claims.SpaceID != "" && claims.SpaceID != msg.SpaceID {
		c.logger.Warn("runtime declared a space its credential does not cover",
			"runtime_id", msg.RuntimeID, "declared_space", msg.SpaceID, "credential_space", claims.SpaceID)
		c.sendError(CodeSpaceMismatch, "credential is not valid for this space")
		c.closeWith(CloseSpaceMismatch, "space mismatch")
		return false
	}

	now := m.now()
	if err := m.store.UpsertRuntime(ctx, &store.RuntimeRecord{
		ID:          msg.RuntimeID,
		SpaceID:     msg.SpaceID,
		Name:        msg.Name,
		MachineInfo: msg.MachineInfo,
		Status:      store.RuntimeOnline,
		LastSeen:    &now,
	}); err != nil {
		c.logger.Error("failed to upsert runtime", "runtime_id", msg.RuntimeID, "error", err)
		c.sendError(CodeInvalidMessage, "failed to register runtime")
		return true
	}

	c.register(msg.RuntimeID, msg.SpaceID, now)

	m.mu.Lock()
	delete(m.pending, c.id)
	previous := m.active[msg.RuntimeID]
	m.active[msg.RuntimeID] = c
	m.mu.Unlock()

	if previous != nil && previous != c {
		previous.logger.Info("runtime reconnected on a new socket, closing old one", "runtime_id", msg.RuntimeID)
		previous.closeWith(CloseReplaced, "replaced by a newer connection")
	}

	if err := c.writeJSON(RuntimeConnected{Type: TypeRuntimeConnected, RuntimeID: msg.RuntimeID}); err != nil {
		return false
	}

	m.logger.Info("=== RUNTIME CONNECTED ===",
		"runtime_id", msg.RuntimeID,
		"space_id", msg.SpaceID,
		"name", msg.Name,
		"connection_id", c.id,
	)
	return true
}

// agentFor parses and authorizes an agent id against the connection's space.
func (m *Manager) agentFor(c *conn, raw string) (agent.ID, bool) {
	id, err := agent.ParseID(raw)
	if err != nil {
		c.sendError(CodeInvalidMessage, err.Error())
		return agent.ID{}, false
	}
	if _, spaceID := c.identity(); id.SpaceID != spaceID {
		c.sendError(CodeForbidden, "agent belongs to a different space")
		return agent.ID{}, false
	}
	return id, true
}

func keyOf(id agent.ID) store.RosterKey {
	return store.RosterKey{SpaceID: id.SpaceID, ChannelID: id.ChannelID, Callsign: id.Callsign}
}

func (m *Manager) roster(ctx context.Context, c *conn, id agent.ID) (*store.RosterEntry, bool) {
	entry, err := m.store.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if errors.Is(err, store.ErrNotFound) {
		c.sendError(CodeAgentNotFound, agent.ErrNotInRoster.Error())
		return nil, false
	}
	if err != nil {
		c.logger.Error("roster lookup failed", "agent_id", id.String(), "error", err)
		return nil, false
	}
	return entry, true
}

func (m *Manager) handleCheckin(ctx context.Context, c *conn, msg inbound) {
	id, ok := m.agentFor(c, msg.AgentID)
	if !ok {
		return
	}
	entry, ok := m.roster(ctx, c, id)
	if !ok {
		return
	}

	runtimeID, _ := c.identity()
	now := m.now()
	update := store.RosterUpdate{
		LastHeartbeat: &now,
		RuntimeID:     &runtimeID,
	}
	if next := entry.Status.AfterCheckin(); next != entry.Status {
		update.Status = &next
	}
	if err := m.store.UpdateRosterEntry(ctx, keyOf(id), update); err != nil {
		c.logger.Error("failed to persist agent check-in", "agent_id", id.String(), "error", err)
		return
	}

	m.states.Checkin(id, "", nil)
	broadcast.State(m.cm, id.ChannelID, id.String(), id.Callsign, string(store.RosterOnline), &now)

	if m.onCheckin != nil {
		m.onCheckin(ctx, id)
	}
}

func (m *Manager) handleHeartbeat(ctx context.Context, c *conn, msg inbound) {
	id, ok := m.agentFor(c, msg.AgentID)
	if !ok {
		return
	}
	entry, ok := m.roster(ctx, c, id)
	if !ok {
		return
	}

	now := m.now()
	if err := m.store.UpdateRosterEntry(ctx, keyOf(id), store.RosterUpdate{LastHeartbeat: &now}); err != nil {
		c.logger.Error("failed to persist heartbeat", "agent_id", id.String(), "error", err)
		return
	}
	m.states.Heartbeat(id)

	if !entry.Status.IsMuted() {
		broadcast.State(m.cm, id.ChannelID, id.String(), id.Callsign, string(store.RosterOnline), &now)
	}
}

func (m *Manager) handleFrame(ctx context.Context, c *conn, msg inbound) {
	id, ok := m.agentFor(c, msg.AgentID)
	if !ok {
		return
	}
	entry, ok := m.roster(ctx, c, id)
	if !ok {
		return
	}

	before, _ := m.states.GetState(id)
	st := m.states.Frame(id, agent.IsIdleFrame(msg.Frame))

	broadcast.Output(m.cm, id.ChannelID, id.String(), msg.Frame)

	if st.Status == before.Status || !st.Status.IsLive() || entry.Status.IsMuted() {
		return
	}
	status := store.RosterStatus(st.Status)
	if err := m.store.UpdateRosterEntry(ctx, keyOf(id), store.RosterUpdate{Status: &status}); err != nil {
		c.logger.Error("failed to persist frame status", "agent_id", id.String(), "error", err)
	}
	broadcast.State(m.cm, id.ChannelID, id.String(), id.Callsign, string(status), nil)
}

func (m *Manager) handlePong(ctx context.Context, c *conn) {
	now := m.now()
	c.touch(now)
	runtimeID, _ := c.identity()
	if err := m.store.TouchRuntime(ctx, runtimeID, now); err != nil {
		c.logger.Debug("failed to persist runtime liveness", "runtime_id", runtimeID, "error", err)
	}
}

// disconnect forgets c and, if it was the registered socket for its runtime,
// suspends every agent bound to that runtime.
func (m *Manager) disconnect(c *conn) {
	runtimeID, _ := c.identity()

	m.mu.Lock()
	delete(m.pending, c.id)
	owned := runtimeID != "" && m.active[runtimeID] == c
	if owned {
		delete(m.active, runtimeID)
	}
	m.mu.Unlock()

	if !owned {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := m.store.ListRosterByRuntime(ctx, runtimeID)
	if err != nil {
		m.logger.Error("failed to list agents of disconnected runtime", "runtime_id", runtimeID, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range entries {
		g.Go(func() error {
			id := agent.NewID(e.SpaceID, e.ChannelID, e.Callsign)
			m.states.Suspend(id)
			if e.Status.IsMuted() {
				return nil
			}
			status := store.RosterOffline
			if err := m.store.UpdateRosterEntry(gctx, e.Key(), store.RosterUpdate{Status: &status}); err != nil {
				return fmt.Errorf("suspending %s: %w", id, err)
			}
			broadcast.State(m.cm, id.ChannelID, id.String(), id.Callsign, string(store.RosterOffline), nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("failed to suspend agents of disconnected runtime", "runtime_id", runtimeID, "error", err)
	}

	if err := m.store.UpdateRuntimeStatus(ctx, runtimeID, store.RuntimeOffline, m.now()); err != nil {
		m.logger.Error("failed to mark runtime offline", "runtime_id", runtimeID, "error", err)
	}

	m.logger.Info("=== RUNTIME DISCONNECTED ===",
		"runtime_id", runtimeID,
		"connection_id", c.id,
		"agents_suspended", len(entries),
	)
}

// Run pings registered runtimes every PingInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.now())
		}
	}
}

// sweep closes connections whose last pong is too old and pings the rest.
func (m *Manager) sweep(now time.Time) {
	limit := 2 * m.opts.PingInterval

	m.mu.RLock()
	conns := make([]*conn, 0, len(m.active))
	for _, c := range m.active {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if c.sinceLastPong(now) > limit {
			runtimeID, _ := c.identity()
			c.logger.Warn("runtime missed pongs, closing", "runtime_id", runtimeID, "limit", limit)
			c.closeWith(ClosePingTimeout, "ping timeout")
			continue
		}
		if err := c.writeJSON(Ping{Type: TypePing, Timestamp: now.UnixMilli()}); err != nil {
			c.logger.Debug("ping failed", "error", err)
		}
	}
}

func (m *Manager) activeConn(runtimeID string) (*conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.active[runtimeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeNotConnected, runtimeID)
	}
	return c, nil
}

// SendActivate asks runtimeID to start an agent.
func (m *Manager) SendActivate(runtimeID string, msg Activate) error {
	c, err := m.activeConn(runtimeID)
	if err != nil {
		return err
	}
	msg.Type = TypeActivate
	return c.writeJSON(msg)
}

// SendMessage delivers work to an agent hosted by runtimeID.
func (m *Manager) SendMessage(runtimeID string, msg Message) error {
	c, err := m.activeConn(runtimeID)
	if err != nil {
		return err
	}
	msg.Type = TypeMessage
	return c.writeJSON(msg)
}

// SendSuspend asks runtimeID to stop an agent.
func (m *Manager) SendSuspend(runtimeID string, msg Suspend) error {
	c, err := m.activeConn(runtimeID)
	if err != nil {
		return err
	}
	msg.Type = TypeSuspend
	return c.writeJSON(msg)
}

// IsConnected reports whether runtimeID has a registered socket.
func (m *Manager) IsConnected(runtimeID string) bool {
	_, err := m.activeConn(runtimeID)
	return err == nil
}

// RuntimesInSpace returns the registered runtime ids for spaceID, sorted.
func (m *Manager) RuntimesInSpace(spaceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for runtimeID, c := range m.active {
		if _, s := c.identity(); s == spaceID {
			out = append(out, runtimeID)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of pending and registered connections.
func (m *Manager) Counts() (pending, active int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending), len(m.active)
}

// Shutdown closes every socket and waits for their handlers to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	conns := make([]*conn, 0, len(m.pending)+len(m.active))
	for _, c := range m.pending {
		conns = append(conns, c)
	}
	for _, c := range m.active {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runtime sockets: %w", ctx.Err())
	}
}

// workspacePath is where a runtime should mount the agent's working tree.
func workspacePath(id agent.ID) string {
	return "/workspaces/" + strings.Join([]string{id.SpaceID, id.ChannelID, id.Callsign}, "/")
}
