// ABOUTME: Tests for the browser channel socket
// ABOUTME: Dials a real server and checks frames arrive per channel

package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_StreamsChannelFrames(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /ws/channels/{channelId}", NewHandler(hub, nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/channels/chan-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count("chan-1") == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast("chan-2", []byte(`{"other":true}`))
	hub.Broadcast("chan-1", []byte(`{"hello":true}`))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":true}`, string(data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count("chan-1") == 0 }, time.Second, 5*time.Millisecond)
}
