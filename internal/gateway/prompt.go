// ABOUTME: Builds the system prompt handed to agents on activation and delivery
// ABOUTME: Names the agent, its channel and teammates, and explains the mention conventions

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/roost-gateway/internal/agent"
	"github.com/2389/roost-gateway/internal/store"
)

// ChannelReader loads channel metadata and rosters.
type ChannelReader interface {
	GetChannel(ctx context.Context, spaceID, channelID string) (*store.Channel, error)
	ListRoster(ctx context.Context, spaceID, channelID string) ([]*store.RosterEntry, error)
}

// PromptBuilder renders system prompts from the channel roster.
type PromptBuilder struct {
	store ChannelReader
}

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder(st ChannelReader) *PromptBuilder {
	return &PromptBuilder{store: st}
}

// Build returns the system prompt for id.
func (p *PromptBuilder) Build(ctx context.Context, id agent.ID) (string, error) {
	channelName := id.ChannelID
	if ch, err := p.store.GetChannel(ctx, id.SpaceID, id.ChannelID); err == nil && ch.Name != "" {
		channelName = ch.Name
	}

	entries, err := p.store.ListRoster(ctx, id.SpaceID, id.ChannelID)
	if err != nil {
		return "", fmt.Errorf("listing roster: %w", err)
	}

	var teammates []string
	leader := ""
	for _, e := range entries {
		if e.IsLeader {
			leader = e.Callsign
		}
		if e.Callsign == id.Callsign || e.Status == store.RosterArchived {
			continue
		}
		teammates = append(teammates, "@"+e.Callsign)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are @%s, an agent in the #%s channel.\n", id.Callsign, channelName)
	switch {
	case leader == id.Callsign:
		b.WriteString("You lead this channel: unaddressed messages from people come to you.\n")
	case leader != "":
		fmt.Fprintf(&b, "@%s leads this channel.\n", leader)
	}
	if len(teammates) > 0 {
		fmt.Fprintf(&b, "Other agents here: %s.\n", strings.Join(teammates, ", "))
	}
	b.WriteString("Messages reach you as blocks headed \"--- @sender in #channel says:\". ")
	b.WriteString("Mention an agent with @callsign to hand it work, or @channel to reach everyone.")
	return b.String(), nil
}
