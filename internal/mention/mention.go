// ABOUTME: Parses @name / @channel mentions out of message text and picks addressees
// ABOUTME: Pure functions, no I/O; the orchestrator feeds the result into runtime activation

package mention

import (
	"regexp"
	"strings"
)

// ChannelKeyword is the mention that addresses every agent in the channel.
const ChannelKeyword = "channel"

var (
	mentionPattern    = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Parsed is the result of scanning a message for mentions.
type Parsed struct {
	// Mentions holds lowercase names in first-seen order, without duplicates.
	// The channel keyword never appears here.
	Mentions         []string
	IsChannelMention bool
	Content          string
}

// Roster is the set of agents that can be addressed in a channel.
type Roster struct {
	Agents []string
	Leader string
}

// Routing is the addressee decision for one message.
type Routing struct {
	Targets     []string
	IsBroadcast bool
}

// Parse extracts mentions from text.
func Parse(text string) Parsed {
	parsed := Parsed{
		Mentions: []string{},
		Content:  text,
	}

	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(match[1])
		if name == ChannelKeyword {
			parsed.IsChannelMention = true
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		parsed.Mentions = append(parsed.Mentions, name)
	}

	return parsed
}

// Route decides which agents receive a parsed message.
//
// Precedence: @channel broadcasts to the whole roster, explicit mentions go to
// the mentioned roster members, unaddressed human text goes to the leader and
// unaddressed agent text goes nowhere. excludeSender (usually the sending
// agent's callsign) is never a target.
func Route(parsed Parsed, isFromHuman bool, roster Roster, excludeSender string) Routing {
	exclude := strings.ToLower(excludeSender)

	if parsed.IsChannelMention {
		targets := make([]string, 0, len(roster.Agents))
		for _, a := range roster.Agents {
			if exclude != "" && strings.EqualFold(a, exclude) {
				continue
			}
			targets = append(targets, a)
		}
		return Routing{Targets: targets, IsBroadcast: true}
	}

	if len(parsed.Mentions) > 0 {
		members := make(map[string]string, len(roster.Agents))
		for _, a := range roster.Agents {
			members[strings.ToLower(a)] = a
		}

		targets := make([]string, 0, len(parsed.Mentions))
		for _, m := range parsed.Mentions {
			name, ok := members[m]
			if !ok {
				continue
			}
			if exclude != "" && m == exclude {
				continue
			}
			targets = append(targets, name)
		}
		return Routing{Targets: targets}
	}

	if isFromHuman && roster.Leader != "" {
		if exclude != "" && strings.EqualFold(roster.Leader, exclude) {
			return Routing{Targets: []string{}}
		}
		return Routing{Targets: []string{roster.Leader}}
	}

	return Routing{Targets: []string{}}
}

// Strip removes every @token (including @channel) and collapses whitespace.
func Strip(text string) string {
	stripped := mentionPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(stripped, " "))
}
