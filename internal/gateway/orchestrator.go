// ABOUTME: Orchestrator turns an inbound channel message into agent activations
// ABOUTME: Persists the message, routes mentions, activates targets and delivers to those already online

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/broadcast"
	"github.com/2389/roost-gateway/internal/checkin"
	"github.com/2389/roost-gateway/internal/mention"
	"github.com/2389/roost-gateway/internal/store"
)

// ErrInvalidMessage means a dispatched message is missing required fields.
var ErrInvalidMessage = errors.New("invalid message")

// PendingDeliverer sends an agent everything addressed to it since its readmark.
type PendingDeliverer interface {
	DeliverPending(ctx context.Context, id agent.ID, send checkin.SendFunc) (int, error)
}

// TokenSource mints the bearer token an agent presents to this service.
type TokenSource interface {
	Generate(agentID string) (string, error)
}

// InboundMessage is a message posted to a channel.
type InboundMessage struct {
	SpaceID   string `json:"spaceId"`
	ChannelID string `json:"channelId"`
	Sender    string `json:"sender"`
	FromHuman bool   `json:"fromHuman"`
	Content   string `json:"content"`
}

// DispatchResult reports what happened to each addressee.
type DispatchResult struct {
	MessageID   string   `json:"messageId"`
	Targets     []string `json:"targets"`
	IsBroadcast bool     `json:"isBroadcast"`

	// Delivered lists targets that were online and received the message now.
	Delivered []string `json:"delivered"`

	// Activating lists targets that will receive it when they check in.
	Activating []string `json:"activating"`
}

// Orchestrator coordinates message routing with runtime activation.
type Orchestrator struct {
	store    store.Store
	router   *Router
	delivery PendingDeliverer
	tokens   TokenSource
	cm       broadcast.ConnectionManager
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st store.Store, router *Router, delivery PendingDeliverer, tokens TokenSource, cm broadcast.ConnectionManager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		store:    st,
		router:   router,
		delivery: delivery,
		tokens:   tokens,
		cm:       cm,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Dispatch persists msg and wakes every agent it addresses. Activation
// rejections are returned joined, alongside the result for the targets that
// succeeded.
func (o *Orchestrator) Dispatch(ctx context.Context, msg InboundMessage) (*DispatchResult, error) {
	if msg.SpaceID == "" || msg.ChannelID == "" || msg.Sender == "" {
		return nil, fmt.Errorf("%w: spaceId, channelId and sender are required", ErrInvalidMessage)
	}

	entries, err := o.store.ListRoster(ctx, msg.SpaceID, msg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("listing roster: %w", err)
	}

	roster := mention.Roster{}
	byCallsign := make(map[string]*store.RosterEntry, len(entries))
	for _, e := range entries {
		if e.Status == store.RosterArchived {
			continue
		}
		roster.Agents = append(roster.Agents, e.Callsign)
		byCallsign[e.Callsign] = e
		if e.IsLeader {
			roster.Leader = e.Callsign
		}
	}

	routing := mention.Route(mention.Parse(msg.Content), msg.FromHuman, roster, msg.Sender)

	stored := &store.Message{
		ID:              store.NewMessageID(),
		SpaceID:         msg.SpaceID,
		ChannelID:       msg.ChannelID,
		Sender:          msg.Sender,
		SenderIsHuman:   msg.FromHuman,
		Content:         msg.Content,
		AddressedAgents: routing.Targets,
		CreatedAt:       time.Now(),
	}
	if err := o.store.SaveMessage(ctx, stored); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	result := &DispatchResult{
		MessageID:   stored.ID,
		Targets:     routing.Targets,
		IsBroadcast: routing.IsBroadcast,
		Delivered:   []string{},
		Activating:  []string{},
	}

	o.logger.Info("message dispatched",
		"message_id", stored.ID,
		"space_id", msg.SpaceID,
		"channel_id", msg.ChannelID,
		"sender", msg.Sender,
		"targets", routing.Targets,
		"broadcast", routing.IsBroadcast,
	)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, callsign := range routing.Targets {
		entry := byCallsign[callsign]
		if entry == nil || entry.Status == store.RosterPaused {
			continue
		}
		g.Go(func() error {
			delivered, err := o.wake(gctx, agent.NewID(msg.SpaceID, msg.ChannelID, callsign), entry, msg.Sender)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case delivered:
				result.Delivered = append(result.Delivered, callsign)
			default:
				result.Activating = append(result.Activating, callsign)
			}
			return nil
		})
	}
	_ = g.Wait()

	return result, errors.Join(errs...)
}

// wake activates id and, if it is already live, delivers its pending
// messages. It reports whether delivery happened.
func (o *Orchestrator) wake(ctx context.Context, id agent.ID, entry *store.RosterEntry, sender string) (bool, error) {
	key := id.String()
	rt, err := o.router.RuntimeFor(ctx, id)
	if err != nil {
		return false, fmt.Errorf("activating %s: %w", key, err)
	}

	opts := agent.ActivateOptions{TunnelHash: entry.TunnelHash}
	if o.tokens != nil {
		if opts.AuthToken, err = o.tokens.Generate(key); err != nil {
			return false, fmt.Errorf("minting token for %s: %w", key, err)
		}
	}

	st, err := rt.Activate(ctx, id, opts)
	if err != nil {
		o.logger.Warn("activation rejected", "agent_id", key, "error", err)
		return false, fmt.Errorf("activating %s: %w", key, err)
	}

	if !st.Status.IsLive() {
		if st.Status == agent.StatusActivating && !entry.Status.IsMuted() {
			broadcast.State(o.cm, id.ChannelID, key, id.Callsign, string(store.RosterActivating), nil)
		}
		return false, nil
	}

	_, err = o.delivery.DeliverPending(ctx, id, func(ctx context.Context, content, prompt string) error {
		return rt.SendMessage(ctx, id, agent.Message{Content: content, Sender: sender, SystemPrompt: prompt})
	})
	if err != nil {
		// The next check-in retries from the unchanged readmark.
		o.logger.Warn("immediate delivery failed", "agent_id", key, "error", err)
		return false, nil
	}
	return true, nil
}

// Activate wakes a single agent outside of message routing.
func (o *Orchestrator) Activate(ctx context.Context, id agent.ID) (bool, error) {
	entry, err := o.store.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if errors.Is(err, store.ErrNotFound) {
		return false, agent.ErrNotInRoster
	}
	if err != nil {
		return false, fmt.Errorf("loading roster: %w", err)
	}
	return o.wake(ctx, id, entry, "")
}

// Suspend stops id on whichever runtime hosts it.
func (o *Orchestrator) Suspend(ctx context.Context, id agent.ID, reason string) error {
	rt, err := o.router.RuntimeFor(ctx, id)
	if err != nil {
		return err
	}
	if err := rt.Suspend(ctx, id, reason); err != nil {
		return fmt.Errorf("suspending %s: %w", id, err)
	}

	entry, err := o.store.GetRosterByCallsign(ctx, id.SpaceID, id.ChannelID, id.Callsign)
	if err == nil && !entry.Status.IsMuted() {
		broadcast.State(o.cm, id.ChannelID, id.String(), id.Callsign, string(store.RosterOffline), nil)
	}
	o.logger.Info("agent suspended", "agent_id", id.String(), "reason", reason)
	return nil
}
