// ABOUTME: Tests for container callback pushes against an httptest server
// ABOUTME: Covers headers, payload shape and non-2xx handling

package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) Generate(agentID string) (string, error) { return "tok-" + agentID, nil }

type failingTokens struct{}

func (failingTokens) Generate(string) (string, error) { return "", errors.New("no secret") }

func TestPush(t *testing.T) {
	var got Payload
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(staticTokens{}, 0)
	err := c.Push(context.Background(), srv.URL+"/", Payload{
		Content: "hello",
		AgentID: "s:c:fox",
	}, map[string]string{"fly-force-instance-id": "m-123"})
	require.NoError(t, err)

	assert.Equal(t, "/message", gotReq.URL.Path)
	assert.Equal(t, "Bearer tok-s:c:fox", gotReq.Header.Get("Authorization"))
	assert.Equal(t, "m-123", gotReq.Header.Get("Fly-Force-Instance-Id"))
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "s:c:fox", got.AgentID)
	assert.Empty(t, got.SystemPrompt)
}

func TestPush_OmitsEmptySystemPrompt(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
	}))
	defer srv.Close()

	require.NoError(t, New(staticTokens{}, 0).Push(context.Background(), srv.URL, Payload{Content: "x", AgentID: "a:b:c"}, nil))
	_, present := raw["systemPrompt"]
	assert.False(t, present)
}

func TestPush_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(staticTokens{}, 0).Push(context.Background(), srv.URL, Payload{AgentID: "a:b:c"}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestPush_Errors(t *testing.T) {
	assert.Error(t, New(staticTokens{}, 0).Push(context.Background(), "", Payload{AgentID: "a:b:c"}, nil))
	assert.Error(t, New(failingTokens{}, 0).Push(context.Background(), "http://127.0.0.1:1", Payload{AgentID: "a:b:c"}, nil))
}
