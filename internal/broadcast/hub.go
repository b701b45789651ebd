// ABOUTME: In-memory fan-out of channel frames to browser subscribers
// ABOUTME: Default ConnectionManager; slow subscribers drop frames instead of blocking

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/roost-gateway/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ConnectionManager pushes serialized frames to every client watching a channel.
type ConnectionManager interface {
	Broadcast(channelID string, frame []byte)
}

// Hub provides in-memory pub/sub of frames keyed by channel id.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // channelID -> subID -> ch
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan []byte),
		metrics:     m,
		logger:      logger.With("component", "broadcast"),
	}
}

// Subscribe registers for frames on channelID. The subscription is removed
// and its channel closed when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, channelID string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[channelID]; !ok {
		h.subscribers[channelID] = make(map[string]chan []byte)
	}
	h.subscribers[channelID][subID] = ch
	h.mu.Unlock()

	h.metrics.BroadcastClients(1)
	h.logger.Debug("subscriber added", "channel_id", channelID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(channelID, subID)
	}()

	return ch, subID
}

// Broadcast sends frame to every subscriber of channelID without blocking.
func (h *Hub) Broadcast(channelID string, frame []byte) {
	h.mu.RLock()
	subs, ok := h.subscribers[channelID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; they never block.
	defer h.mu.RUnlock()
	for subID, ch := range subs {
		select {
		case ch <- frame:
		default:
			h.logger.Debug("dropped frame for slow subscriber", "channel_id", channelID, "sub_id", subID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(channelID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[channelID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, channelID)
	}

	h.metrics.BroadcastClients(-1)
	h.logger.Debug("subscriber removed", "channel_id", channelID, "sub_id", subID)
}

// Count returns the number of subscribers on channelID.
func (h *Hub) Count(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channelID])
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channelID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
			h.metrics.BroadcastClients(-1)
		}
		delete(h.subscribers, channelID)
	}
	h.logger.Debug("hub closed")
}

var _ ConnectionManager = (*Hub)(nil)
