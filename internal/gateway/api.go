// ABOUTME: HTTP API handlers for channels, rosters, messages and agent control
// ABOUTME: POST /api/channels/{space}/{channel}/messages runs the orchestrator

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/auth"
	"github.com/2389/roost-gateway/internal/store"
)

// PostMessageRequest is the JSON request body for posting to a channel.
type PostMessageRequest struct {
	Sender    string `json:"sender"`
	FromHuman bool   `json:"fromHuman"`
	Content   string `json:"content"`
}

// PostMessageResponse is the JSON response for posting to a channel.
type PostMessageResponse struct {
	*DispatchResult
	Errors []string `json:"errors,omitempty"`
}

// ChannelRequest is the JSON request body for PUT /api/channels/{space}/{channel}.
type ChannelRequest struct {
	Name string `json:"name"`
}

// AddRosterRequest is the JSON request body for adding an agent to a channel.
type AddRosterRequest struct {
	Callsign   string `json:"callsign"`
	IsLeader   bool   `json:"isLeader"`
	TunnelHash string `json:"tunnelHash,omitempty"`
}

// RosterEntryResponse is one roster row as exposed over the API.
type RosterEntryResponse struct {
	AgentID       string     `json:"agentId"`
	Callsign      string     `json:"callsign"`
	IsLeader      bool       `json:"isLeader"`
	Status        string     `json:"status"`
	Online        bool       `json:"online"`
	Readmark      string     `json:"readmark,omitempty"`
	RuntimeID     string     `json:"runtimeId,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// MessageResponse is one stored message as exposed over the API.
type MessageResponse struct {
	ID              string    `json:"id"`
	Sender          string    `json:"sender"`
	FromHuman       bool      `json:"fromHuman"`
	Content         string    `json:"content"`
	AddressedAgents []string  `json:"addressedAgents"`
	CreatedAt       time.Time `json:"createdAt"`
}

// registerAPIRoutes mounts the API, wrapped by the API auth middleware when
// a verifier is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if g.apiVerifier == nil {
			return fn
		}
		return apiAuthMiddleware(g.apiVerifier, g.logger)(fn)
	}

	mux.Handle("PUT /api/channels/{spaceId}/{channelId}", wrap(g.handlePutChannel))
	mux.Handle("GET /api/channels/{spaceId}/{channelId}/roster", wrap(g.handleListRoster))
	mux.Handle("POST /api/channels/{spaceId}/{channelId}/roster", wrap(g.handleAddRoster))
	mux.Handle("GET /api/channels/{spaceId}/{channelId}/messages", wrap(g.handleListMessages))
	mux.Handle("POST /api/channels/{spaceId}/{channelId}/messages", wrap(g.handlePostMessage))
	mux.Handle("POST /api/agents/{agentId}/activate", wrap(g.handleActivate))
	mux.Handle("POST /api/agents/{agentId}/suspend", wrap(g.handleSuspend))

	if g.apiVerifier == nil {
		g.logger.Warn("HTTP API auth disabled - no runtime_jwt_secret configured")
	} else {
		g.logger.Info("HTTP API auth middleware enabled")
	}
}

// apiAuthMiddleware requires a bearer JWT. A token scoped to a space may
// only reach that space's channels and agents.
func apiAuthMiddleware(verifier auth.TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, reason := auth.BearerToken(r)
			if reason != "" {
				sendJSONError(w, http.StatusUnauthorized, reason)
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("API auth failed", "error", err, "path", r.URL.Path)
				sendJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.SpaceID != "" && claims.SpaceID != requestSpace(r) {
				sendJSONError(w, http.StatusForbidden, "token is not valid for this space")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestSpace extracts the space a request targets.
func requestSpace(r *http.Request) string {
	if space := r.PathValue("spaceId"); space != "" {
		return space
	}
	if id, err := agent.ParseID(r.PathValue("agentId")); err == nil {
		return id.SpaceID
	}
	return ""
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handlePutChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ch := &store.Channel{
		SpaceID:   r.PathValue("spaceId"),
		ChannelID: r.PathValue("channelId"),
		Name:      req.Name,
	}
	if err := g.store.UpsertChannel(r.Context(), ch); err != nil {
		g.logger.Error("failed to upsert channel", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to save channel")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"spaceId": ch.SpaceID, "channelId": ch.ChannelID, "name": ch.Name})
}

func (g *Gateway) rosterResponse(e *store.RosterEntry) RosterEntryResponse {
	return RosterEntryResponse{
		AgentID:       agent.NewID(e.SpaceID, e.ChannelID, e.Callsign).String(),
		Callsign:      e.Callsign,
		IsLeader:      e.IsLeader,
		Status:        string(e.Status),
		Online:        e.CallbackURL != "" && !agent.IsHeartbeatStale(e.LastHeartbeat, time.Now()),
		Readmark:      e.Readmark,
		RuntimeID:     e.RuntimeID,
		LastHeartbeat: e.LastHeartbeat,
	}
}

func (g *Gateway) handleListRoster(w http.ResponseWriter, r *http.Request) {
	entries, err := g.store.ListRoster(r.Context(), r.PathValue("spaceId"), r.PathValue("channelId"))
	if err != nil {
		g.logger.Error("failed to list roster", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list roster")
		return
	}
	out := make([]RosterEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, g.rosterResponse(e))
	}
	sendJSON(w, http.StatusOK, map[string]any{"roster": out})
}

func (g *Gateway) handleAddRoster(w http.ResponseWriter, r *http.Request) {
	var req AddRosterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := agent.NewID(r.PathValue("spaceId"), r.PathValue("channelId"), req.Callsign)
	if _, err := agent.ParseID(id.String()); err != nil {
		sendJSONError(w, http.StatusBadRequest, "callsign must be non-empty and contain no colons")
		return
	}

	entry := &store.RosterEntry{
		SpaceID:    id.SpaceID,
		ChannelID:  id.ChannelID,
		Callsign:   id.Callsign,
		IsLeader:   req.IsLeader,
		TunnelHash: req.TunnelHash,
	}
	err := g.store.CreateRosterEntry(r.Context(), entry)
	if errors.Is(err, store.ErrAlreadyExists) {
		sendJSONError(w, http.StatusConflict, "agent is already on this channel")
		return
	}
	if err != nil {
		g.logger.Error("failed to add roster entry", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to add agent")
		return
	}
	sendJSON(w, http.StatusCreated, g.rosterResponse(entry))
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := store.MessageQuery{
		SpaceID:   r.PathValue("spaceId"),
		ChannelID: r.PathValue("channelId"),
		SinceID:   r.URL.Query().Get("since"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	msgs, err := g.store.GetMessages(r.Context(), q)
	if err != nil {
		g.logger.Error("failed to list messages", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			ID:              m.ID,
			Sender:          m.Sender,
			FromHuman:       m.SenderIsHuman,
			Content:         m.Content,
			AddressedAgents: m.AddressedAgents,
			CreatedAt:       m.CreatedAt,
		})
	}
	sendJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := g.orchestrator.Dispatch(r.Context(), InboundMessage{
		SpaceID:   r.PathValue("spaceId"),
		ChannelID: r.PathValue("channelId"),
		Sender:    req.Sender,
		FromHuman: req.FromHuman,
		Content:   req.Content,
	})
	if errors.Is(err, ErrInvalidMessage) {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result == nil {
		g.logger.Error("dispatch failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to dispatch message")
		return
	}

	resp := PostMessageResponse{DispatchResult: result}
	if err != nil {
		for _, e := range unwrapJoined(err) {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	sendJSON(w, http.StatusAccepted, resp)
}

// unwrapJoined splits an errors.Join result back into its parts.
func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func (g *Gateway) agentFromPath(w http.ResponseWriter, r *http.Request) (agent.ID, bool) {
	id, err := agent.ParseID(r.PathValue("agentId"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return agent.ID{}, false
	}
	return id, true
}

func (g *Gateway) agentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrNotInRoster):
		sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoRoute):
		sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("agent operation failed", "error", err)
		sendJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func (g *Gateway) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := g.agentFromPath(w, r)
	if !ok {
		return
	}
	delivered, err := g.orchestrator.Activate(r.Context(), id)
	if err != nil {
		g.agentError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]any{"agentId": id.String(), "online": delivered})
}

func (g *Gateway) handleSuspend(w http.ResponseWriter, r *http.Request) {
	id, ok := g.agentFromPath(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested"
	}
	if err := g.orchestrator.Suspend(r.Context(), id, reason); err != nil {
		g.agentError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"agentId": id.String(), "status": string(agent.StatusOffline)})
}
