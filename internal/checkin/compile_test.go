// ABOUTME: Tests for compiling pending messages into one delivery
// ABOUTME: Covers the empty case and the sender and channel labels

package checkin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/roost-gateway/internal/store"
)

func TestCompileMessages(t *testing.T) {
	assert.Equal(t, "", CompileMessages(nil, "general"))

	one := CompileMessages([]*store.Message{{Sender: "alice", Content: "@fox hi"}}, "general")
	assert.Equal(t, "--- @alice in #general says:\n@fox hi", one)
	assert.Equal(t, 1, strings.Count(one, "--- @"))

	two := CompileMessages([]*store.Message{
		{Sender: "alice", Content: "first"},
		{Sender: "bear", Content: "second"},
	}, "ops")
	assert.Equal(t, "--- @alice in #ops says:\nfirst\n\n--- @bear in #ops says:\nsecond", two)
}
