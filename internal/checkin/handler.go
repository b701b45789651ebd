// ABOUTME: HTTP check-in protocol: agents register their callback, heartbeat and report output
// ABOUTME: Check-in synchronously delivers pending messages before answering

package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/auth"
	"github.com/2389/roost-gateway/internal/broadcast"
	"github.com/2389/roost-gateway/internal/callback"
	"github.com/2389/roost-gateway/internal/dedupe"
	"github.com/2389/roost-gateway/internal/metrics"
	"github.com/2389/roost-gateway/internal/store"
)

// ProtocolVersion is the only check-in protocol version accepted.
const ProtocolVersion = agent.ProtocolVersion

// maxBodyBytes caps request bodies on every protocol endpoint.
const maxBodyBytes = 1 << 20

// Errors returned by DeliverPending.
var (
	// ErrDeliveryInFlight means another delivery for the agent is running.
	ErrDeliveryInFlight = errors.New("delivery already in flight")
)

// Pusher posts a payload to a container callback endpoint.
type Pusher interface {
	Push(ctx context.Context, endpoint string, p callback.Payload, hints map[string]string) error
}

// LocalRuntime is the in-process driver, consulted before falling back to a
// callback push.
type LocalRuntime interface {
	GetState(id agent.ID) (agent.RuntimeState, bool)
	IsOnline(id agent.ID) bool
	ObserveCheckin(id agent.ID, endpoint string, hints map[string]string)
	ObserveFrame(id agent.ID, idle bool)
	SendMessage(ctx context.Context, id agent.ID, msg agent.Message) error
}

// CheckinObserver is notified after a check-in is persisted, so a driver can
// disarm its activation deadline.
type CheckinObserver interface {
	ObserveCheckin(id agent.ID, endpoint string, hints map[string]string)
}

// PromptFunc builds the system prompt sent along with pending messages.
type PromptFunc func(ctx context.Context, id agent.ID) (string, error)

// SendFunc delivers compiled content to an agent.
type SendFunc func(ctx context.Context, content, systemPrompt string) error

// Config holds the Handler's collaborators. Store, Broadcast and Pusher are
// required.
type Config struct {
	Store     store.Store
	Broadcast broadcast.ConnectionManager
	Pusher    Pusher

	// Local is the in-process driver, if one is configured.
	Local LocalRuntime

	// Observer is told about every accepted check-in. Optional.
	Observer CheckinObserver

	Prompt PromptFunc

	// InFlight keeps one pending delivery per agent at a time. Optional.
	InFlight *dedupe.Cache[struct{}]

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Handler serves the check-in protocol endpoints.
type Handler struct {
	cfg     Config
	store   store.Store
	cm      broadcast.ConnectionManager
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		cfg:     cfg,
		store:   cfg.Store,
		cm:      cfg.Broadcast,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "checkin"),
		now:     time.Now,
	}
}

// Register mounts the protocol routes on mux, wrapped by mw when non-nil.
func (h *Handler) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if mw == nil {
			return fn
		}
		return mw(fn)
	}
	mux.Handle("POST /agents/checkin", wrap(h.handleCheckin))
	mux.Handle("POST /agents/heartbeat", wrap(h.handleHeartbeat))
	mux.Handle("POST /agents/frame", wrap(h.handleFrame))
	mux.Handle("GET /agents/status/{agentId}", wrap(h.handleStatus))
}

// CheckinRequest is the body of POST /agents/checkin.
type CheckinRequest struct {
	ProtocolVersion string            `json:"protocolVersion"`
	AgentID         string            `json:"agentId"`
	Endpoint        string            `json:"endpoint"`
	RouteHints      map[string]string `json:"routeHints"`
	Capabilities    []string          `json:"capabilities,omitempty"`
}

// CheckinResponse is the body answered to a successful check-in.
type CheckinResponse struct {
	OK        bool   `json:"ok"`
	AgentID   string `json:"agentId"`
	Delivered int    `json:"delivered"`
}

// HeartbeatRequest is the body of POST /agents/heartbeat. Endpoint is only
// decoded so its presence can be rejected.
type HeartbeatRequest struct {
	AgentID  string          `json:"agentId"`
	Endpoint json.RawMessage `json:"endpoint,omitempty"`
}

// FrameRequest is the body of POST /agents/frame.
type FrameRequest struct {
	AgentID string          `json:"agentId"`
	Frame   json.RawMessage `json:"frame"`
}

// StatusResponse is the body of GET /agents/status/{agentId}.
type StatusResponse struct {
	AgentID       string     `json:"agentId"`
	Status        string     `json:"status"`
	RosterStatus  string     `json:"rosterStatus"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// resolve parses raw, checks the caller may act for it and loads its roster
// row. On failure it has already answered the request.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, kind, raw string) (agent.ID, *store.RosterEntry, bool) {
	id, err := agent.ParseID(raw)
	if err != nil {
		h.reject(w, kind, http.StatusBadRequest, err.Error())
		return agent.ID{}, nil, false
	}
	if ident := auth.FromContext(r.Context()); !ident.Allows(id.String()) {
		h.reject(w, kind, http.StatusForbidden, "token is not valid for this agent")
		return agent.ID{}, nil, false
	}

	entry, err := h.store.GetRosterByCallsign(r.Context(), id.SpaceID, id.ChannelID, id.Callsign)
	if errors.Is(err, store.ErrNotFound) {
		h.reject(w, kind, http.StatusNotFound, agent.ErrNotInRoster.Error())
		return agent.ID{}, nil, false
	}
	if err != nil {
		h.logger.Error("roster lookup failed", "agent_id", id.String(), "error", err)
		h.reject(w, kind, http.StatusInternalServerError, "roster lookup failed")
		return agent.ID{}, nil, false
	}
	return id, entry, true
}

func (h *Handler) reject(w http.ResponseWriter, kind string, status int, message string) {
	h.metrics.ProtocolRequest(kind, status)
	h.sendJSONError(w, status, message)
}

func (h *Handler) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req CheckinRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.reject(w, "checkin", http.StatusBadRequest, err.Error())
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		h.logger.Warn("check-in with unsupported protocol version", "version", req.ProtocolVersion, "agent_id", req.AgentID)
		h.reject(w, "checkin", http.StatusBadRequest, "unsupported protocolVersion, want "+ProtocolVersion)
		return
	}
	if req.Endpoint == "" {
		h.reject(w, "checkin", http.StatusBadRequest, "endpoint is required")
		return
	}

	id, entry, ok := h.resolve(w, r, "checkin", req.AgentID)
	if !ok {
		return
	}
	ctx := r.Context()

	now := h.now()
	update := store.RosterUpdate{
		CallbackURL:   &req.Endpoint,
		LastHeartbeat: &now,
	}
	if next := entry.Status.AfterCheckin(); next != entry.Status {
		update.Status = &next
	}
	containerHints := entry.ContainerRouteHints
	if req.RouteHints != nil {
		hints := store.RouteHints(req.RouteHints)
		update.ContainerRouteHints = &hints
		containerHints = hints
	}
	if err := h.store.UpdateRosterEntry(ctx, entry.Key(), update); err != nil {
		h.logger.Error("failed to persist check-in", "agent_id", id.String(), "error", err)
		h.reject(w, "checkin", http.StatusInternalServerError, "failed to persist check-in")
		return
	}

	h.logger.Info("=== AGENT CHECKED IN ===",
		"agent_id", id.String(),
		"endpoint", req.Endpoint,
		"capabilities", req.Capabilities,
	)

	broadcast.State(h.cm, id.ChannelID, id.String(), id.Callsign, string(store.RosterOnline), &now)

	hints := store.MergeRouteHints(entry.ProviderRouteHints, containerHints)
	if h.cfg.Observer != nil {
		h.cfg.Observer.ObserveCheckin(id, req.Endpoint, hints)
	}
	local := h.localFor(id)
	if local != nil {
		local.ObserveCheckin(id, req.Endpoint, hints)
	}

	// Delivery runs before the response is written: some hosts freeze the
	// process as soon as the response is flushed.
	delivered, err := h.DeliverPending(ctx, id, func(ctx context.Context, content, prompt string) error {
		msg := agent.Message{Content: content, SystemPrompt: prompt}
		if local != nil && local.IsOnline(id) {
			return local.SendMessage(ctx, id, msg)
		}
		return h.cfg.Pusher.Push(ctx, req.Endpoint, callback.Payload{
			Content:      msg.Content,
			AgentID:      id.String(),
			SystemPrompt: msg.SystemPrompt,
		}, hints)
	})
	if err != nil && !errors.Is(err, ErrDeliveryInFlight) {
		h.logger.Warn("pending delivery failed, will retry on next check-in", "agent_id", id.String(), "error", err)
	}

	h.metrics.ProtocolRequest("checkin", http.StatusOK)
	h.sendJSON(w, http.StatusOK, CheckinResponse{OK: true, AgentID: id.String(), Delivered: delivered})
}

// localFor returns the local driver if it manages id.
func (h *Handler) localFor(id agent.ID) LocalRuntime {
	if h.cfg.Local == nil {
		return nil
	}
	if _, ok := h.cfg.Local.GetState(id); !ok {
		return nil
	}
	return h.cfg.Local
}

// DeliverPending sends id every channel message addressed to it since its
// readmark, compiled into one block, and advances the readmark only when send
// succeeds. It returns the number of messages delivered.
func (h *Handler) DeliverPending(ctx context.Context, id agent.ID, send SendFunc) (int, error) {
	key := id.String()
	if h.cfg.InFlight != nil {
		if h.cfg.InFlight.CheckAndMark(key) {
			return 0, ErrDeliveryInFlight
		}
		defer h.cfg.InFlight.Delete(key)
	}

	entry, err := h.store.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if err != nil {
		return 0, fmt.Errorf("loading roster: %w", err)
	}

	msgs, err := h.store.GetMessages(ctx, store.MessageQuery{
		SpaceID:   id.SpaceID,
		ChannelID: id.ChannelID,
		SinceID:   entry.Readmark,
	})
	if err != nil {
		return 0, fmt.Errorf("loading messages: %w", err)
	}

	var pending []*store.Message
	for _, m := range msgs {
		if m.IsAddressedTo(id.Callsign) {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	channelName := id.ChannelID
	if ch, err := h.store.GetChannel(ctx, id.SpaceID, id.ChannelID); err == nil && ch.Name != "" {
		channelName = ch.Name
	}

	var prompt string
	if h.cfg.Prompt != nil {
		if prompt, err = h.cfg.Prompt(ctx, id); err != nil {
			h.logger.Warn("failed to build system prompt, delivering without", "agent_id", key, "error", err)
			prompt = ""
		}
	}

	err = send(ctx, CompileMessages(pending, channelName), prompt)
	h.metrics.Delivery("pending", err, len(pending))
	if err != nil {
		return 0, fmt.Errorf("delivering %d messages: %w", len(pending), err)
	}

	last := pending[len(pending)-1].ID
	if _, err := h.store.AdvanceReadmark(ctx, entry.Key(), last); err != nil {
		return len(pending), fmt.Errorf("advancing readmark: %w", err)
	}

	h.logger.Info("delivered pending messages", "agent_id", key, "count", len(pending), "readmark", last)
	return len(pending), nil
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.reject(w, "heartbeat", http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Endpoint) > 0 {
		h.logger.Warn("heartbeat tried to change endpoint", "agent_id", req.AgentID)
		h.reject(w, "heartbeat", http.StatusBadRequest, "endpoint may only be set by check-in")
		return
	}

	id, entry, ok := h.resolve(w, r, "heartbeat", req.AgentID)
	if !ok {
		return
	}

	now := h.now()
	if err := h.store.UpdateRosterEntry(r.Context(), entry.Key(), store.RosterUpdate{LastHeartbeat: &now}); err != nil {
		h.logger.Error("failed to persist heartbeat", "agent_id", id.String(), "error", err)
		h.reject(w, "heartbeat", http.StatusInternalServerError, "failed to persist heartbeat")
		return
	}

	if !entry.Status.IsMuted() {
		broadcast.State(h.cm, id.ChannelID, id.String(), id.Callsign, string(store.RosterOnline), &now)
	}

	h.metrics.ProtocolRequest("heartbeat", http.StatusOK)
	h.sendJSON(w, http.StatusOK, map[string]any{"ok": true, "agentId": id.String()})
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	var req FrameRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.reject(w, "frame", http.StatusBadRequest, err.Error())
		return
	}

	id, entry, ok := h.resolve(w, r, "frame", req.AgentID)
	if !ok {
		return
	}

	idle := agent.IsIdleFrame(req.Frame)
	if local := h.localFor(id); local != nil {
		local.ObserveFrame(id, idle)
	}
	broadcast.Output(h.cm, id.ChannelID, id.String(), req.Frame)

	next := store.RosterStatus(agent.OnFrame(agent.Status(entry.Status), idle))
	if next != entry.Status {
		if err := h.store.UpdateRosterEntry(r.Context(), entry.Key(), store.RosterUpdate{Status: &next}); err != nil {
			h.logger.Error("failed to persist frame status", "agent_id", id.String(), "error", err)
		} else if !entry.Status.IsMuted() {
			broadcast.State(h.cm, id.ChannelID, id.String(), id.Callsign, string(next), nil)
		}
	}

	h.metrics.ProtocolRequest("frame", http.StatusOK)
	h.sendJSON(w, http.StatusOK, map[string]any{"ok": true, "agentId": id.String(), "status": string(next)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.resolve(w, r, "status", r.PathValue("agentId"))
	if !ok {
		return
	}

	status := string(agent.StatusOffline)
	if entry.CallbackURL != "" && !agent.IsHeartbeatStale(entry.LastHeartbeat, h.now()) {
		status = string(agent.StatusOnline)
	}

	h.metrics.ProtocolRequest("status", http.StatusOK)
	h.sendJSON(w, http.StatusOK, StatusResponse{
		AgentID:       id.String(),
		Status:        status,
		RosterStatus:  string(entry.Status),
		LastHeartbeat: entry.LastHeartbeat,
	})
}
