// ABOUTME: Formats pending channel messages into one text block for an agent
// ABOUTME: Every message gets its own "--- @sender in #channel says:" header

package checkin

import (
	"fmt"
	"strings"

	"github.com/2389/roost-gateway/internal/store"
)

// CompileMessages renders msgs in order under one header each. It returns ""
// for an empty list.
func CompileMessages(msgs []*store.Message, channelName string) string {
	if len(msgs) == 0 {
		return ""
	}

	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- @%s in #%s says:\n", m.Sender, channelName)
		b.WriteString(m.Content)
	}
	return b.String()
}
