// ABOUTME: One runtime socket: serialized writes, liveness tracking and the bound runtime identity
// ABOUTME: Reads are pumped into a buffered inbox that the handler drains after auth resolves

package runtimews

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/roost-gateway/internal/auth"
)

const (
	writeWait = 10 * time.Second
	inboxSize = 64
	readLimit = 1 << 20
)

type conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	runtimeID string
	spaceID   string
	claims    *auth.RuntimeClaims
	lastPong  time.Time

	closeOnce sync.Once
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) sendError(code, message string) {
	if err := c.writeJSON(Error{Type: TypeError, Code: code, Message: message}); err != nil {
		c.logger.Debug("failed to send error frame", "code", code, "error", err)
	}
}

// closeWith sends a close frame with code and closes the socket. Safe to
// call more than once.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *conn) register(runtimeID, spaceID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runtimeID = runtimeID
	c.spaceID = spaceID
	c.lastPong = now
}

func (c *conn) identity() (runtimeID, spaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeID, c.spaceID
}

func (c *conn) registered() bool {
	id, _ := c.identity()
	return id != ""
}

func (c *conn) setClaims(claims *auth.RuntimeClaims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = claims
}

func (c *conn) authClaims() *auth.RuntimeClaims {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = now
}

func (c *conn) sinceLastPong(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPong)
}

// pump reads frames into inbox until the socket fails or done is closed.
// inbox is closed when pump returns.
func (c *conn) pump(inbox chan<- []byte, done <-chan struct{}) {
	defer close(inbox)
	c.ws.SetReadLimit(readLimit)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("runtime socket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			data = nil
		}
		select {
		case inbox <- data:
		case <-done:
			return
		}
	}
}

func decode(data []byte) (inbound, error) {
	var msg inbound
	err := json.Unmarshal(data, &msg)
	return msg, err
}
