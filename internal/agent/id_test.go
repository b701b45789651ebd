// ABOUTME: Tests for agent id parsing and formatting
// ABOUTME: Covers malformed ids and round trips through String

package agent

import (
	"errors"
	"testing"
)

func TestParseID(t *testing.T) {
	id, err := ParseID("space:chan:fox")
	if err != nil {
		t.Fatalf("ParseID() error = %v", err)
	}
	if id.SpaceID != "space" || id.ChannelID != "chan" || id.Callsign != "fox" {
		t.Errorf("ParseID() = %+v", id)
	}
	if id.String() != "space:chan:fox" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestParseID_Rejects(t *testing.T) {
	for _, s := range []string{"", "fox", "space:fox", "a:b:c:d", "a::c", ":b:c"} {
		if _, err := ParseID(s); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseID(%q) error = %v, want ErrInvalidID", s, err)
		}
	}
}
