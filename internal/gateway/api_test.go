// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Covers channels, rosters, message listing, agent control and API auth

package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/auth"
	"github.com/2389/roost-gateway/internal/config"
	"github.com/2389/roost-gateway/internal/store"
)

func TestAPI_Roster(t *testing.T) {
	f := newTestGateway(t, nil)

	w, out := f.do(t, http.MethodPost, "/api/channels/space/chan/roster", map[string]any{"callsign": "fox", "isLeader": true}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "space:chan:fox", out["agentId"])
	assert.Equal(t, "offline", out["status"])
	assert.Equal(t, false, out["online"])

	w, _ = f.do(t, http.MethodPost, "/api/channels/space/chan/roster", map[string]any{"callsign": "fox"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	for _, callsign := range []string{"", "a:b"} {
		w, _ = f.do(t, http.MethodPost, "/api/channels/space/chan/roster", map[string]any{"callsign": callsign}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "callsign %q", callsign)
	}

	w, _ = f.do(t, http.MethodPost, "/api/channels/space/chan/roster", map[string]any{"callsign": "bear"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w, out = f.do(t, http.MethodGet, "/api/channels/space/chan/roster", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	roster, ok := out["roster"].([]any)
	require.True(t, ok)
	require.Len(t, roster, 2)
	leaders := map[string]bool{}
	for _, raw := range roster {
		e := raw.(map[string]any)
		leaders[e["callsign"].(string)] = e["isLeader"].(bool)
	}
	assert.Equal(t, map[string]bool{"fox": true, "bear": false}, leaders)
}

func TestAPI_RosterOnlineReflectsHeartbeat(t *testing.T) {
	f := newTestGateway(t, nil)
	now := time.Now()
	stale := now.Add(-2 * agent.HeartbeatStaleAfter)
	seedRoster(t, f.store,
		&store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox", CallbackURL: "http://fox", LastHeartbeat: &now},
		&store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "bear", CallbackURL: "http://bear", LastHeartbeat: &stale},
	)

	_, out := f.do(t, http.MethodGet, "/api/channels/space/chan/roster", nil, nil)
	online := map[string]bool{}
	for _, raw := range out["roster"].([]any) {
		e := raw.(map[string]any)
		online[e["callsign"].(string)] = e["online"].(bool)
	}
	assert.Equal(t, map[string]bool{"fox": true, "bear": false}, online)
}

func TestAPI_PostMessage(t *testing.T) {
	f := newTestGateway(t, nil)
	seedRoster(t, f.store,
		&store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox", IsLeader: true},
		&store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "bear"},
	)

	w, out := f.do(t, http.MethodPost, "/api/channels/space/chan/messages", map[string]any{
		"sender": "alice", "fromHuman": true, "content": "@fox @bear coordinate",
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []any{"fox", "bear"}, out["targets"])
	assert.Equal(t, false, out["isBroadcast"])
	assert.NotEmpty(t, out["messageId"])
	assert.Nil(t, out["errors"])

	w, _ = f.do(t, http.MethodPost, "/api/channels/space/chan/messages", map[string]any{"content": "no sender"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/channels/space/chan/messages", "not an object", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_PostMessageReportsActivationErrors(t *testing.T) {
	f := newTestGateway(t, nil)
	seedRoster(t, f.store, &store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox"})
	f.driver.activateErr = errors.New("out of capacity")

	w, out := f.do(t, http.MethodPost, "/api/channels/space/chan/messages", map[string]any{
		"sender": "alice", "fromHuman": true, "content": "@fox hi",
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, "the message is stored even when activation fails")
	errs, ok := out["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "out of capacity")
}

func TestAPI_ListMessages(t *testing.T) {
	f := newTestGateway(t, nil)
	seedRoster(t, f.store, &store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox", IsLeader: true})

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		res, err := f.gw.Orchestrator().Dispatch(context.Background(), InboundMessage{
			SpaceID: "space", ChannelID: "chan", Sender: "alice", FromHuman: true, Content: content,
		})
		require.NoError(t, err)
		ids = append(ids, res.MessageID)
	}

	w, out := f.do(t, http.MethodGet, "/api/channels/space/chan/messages?since="+ids[0]+"&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 1)
	m := msgs[0].(map[string]any)
	assert.Equal(t, ids[1], m["id"])
	assert.Equal(t, "two", m["content"])
	assert.Equal(t, []any{"fox"}, m["addressedAgents"])

	w, _ = f.do(t, http.MethodGet, "/api/channels/space/chan/messages?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ActivateAndSuspend(t *testing.T) {
	f := newTestGateway(t, nil)
	seedRoster(t, f.store, &store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox"})

	w, out := f.do(t, http.MethodPost, "/api/agents/space:chan:fox/activate", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, out["online"])
	assert.Equal(t, []string{"space:chan:fox"}, activatedIDs(f.driver))

	w, out = f.do(t, http.MethodPost, "/api/agents/space:chan:fox/suspend?reason=maintenance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offline", out["status"])

	w, _ = f.do(t, http.MethodPost, "/api/agents/space:chan:ghost/activate", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/agents/not-an-id/activate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.driver.activateErr = errors.New("machine API unavailable")
	w, _ = f.do(t, http.MethodPost, "/api/agents/space:chan:fox/activate", nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAPI_NoRoute(t *testing.T) {
	f := newTestGateway(t, nil)
	f.gw.router.driver = nil
	seedRoster(t, f.store, &store.RosterEntry{SpaceID: "space", ChannelID: "chan", Callsign: "fox"})

	w, _ := f.do(t, http.MethodPost, "/api/agents/space:chan:fox/activate", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_Auth(t *testing.T) {
	const secret = "runtime-secret"
	f := newTestGateway(t, func(c *config.Config) { c.Auth.RuntimeJWTSecret = secret })
	issuer := auth.NewJWTVerifier([]byte(secret))

	w, _ := f.do(t, http.MethodGet, "/api/channels/space/chan/roster", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/channels/space/chan/roster", nil, http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	scoped, err := issuer.Generate("operator", "other", time.Hour)
	require.NoError(t, err)
	w, _ = f.do(t, http.MethodGet, "/api/channels/space/chan/roster", nil, http.Header{"Authorization": {"Bearer " + scoped}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/agents/space:chan:fox/activate", nil, http.Header{"Authorization": {"Bearer " + scoped}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	unscoped, err := issuer.Generate("operator", "", time.Hour)
	require.NoError(t, err)
	w, _ = f.do(t, http.MethodGet, "/api/channels/space/chan/roster", nil, http.Header{"Authorization": {"Bearer " + unscoped}})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, "health stays open")
}
