// ABOUTME: Agent identity: the (space, channel, callsign) triple and its string form
// ABOUTME: The string form "{space}:{channel}:{callsign}" is the routing key everywhere

package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidID indicates an agent id string that is not exactly three non-empty
// colon-separated segments.
var ErrInvalidID = errors.New("invalid agent id")

// ID identifies one agent process binding.
type ID struct {
	SpaceID   string
	ChannelID string
	Callsign  string
}

// NewID builds an ID from its parts.
func NewID(spaceID, channelID, callsign string) ID {
	return ID{SpaceID: spaceID, ChannelID: channelID, Callsign: callsign}
}

// ParseID parses "{spaceId}:{channelId}:{callsign}".
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("%w: %q has %d segments, want 3", ErrInvalidID, s, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return ID{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidID, s)
		}
	}
	return ID{SpaceID: parts[0], ChannelID: parts[1], Callsign: parts[2]}, nil
}

// String returns the canonical routing key.
func (id ID) String() string {
	return id.SpaceID + ":" + id.ChannelID + ":" + id.Callsign
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}
