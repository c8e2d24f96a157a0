package gemcord

import (
	"cmp"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

type mentionKind int

const (
	mentionUser mentionKind = iota
	mentionChannel
)

func (k mentionKind) prefix() string {
	if k == mentionChannel {
		return "#"
	}
	return "@"
}

// mentionToken is a discord mention found in message content
type mentionToken struct {
	Kind mentionKind
	ID   string
	// Raw is the token as it appeared, ex: <@!1234>
	Raw string
}

// discordMentionPattern matches user (<@ID>, <@!ID>) and channel (<#ID>)
// mention tokens
var discordMentionPattern = regexp.MustCompile(`<(@!?|#)(\d+)>`)

func newMentionToken(submatch []string) mentionToken {
	kind := mentionUser
	if submatch[1] == "#" {
		kind = mentionChannel
	}
	return mentionToken{Kind: kind, ID: submatch[2], Raw: submatch[0]}
}

// MentionTable translates between discord's mention tokens and the
// readable "@Name"/"#channel" form the model sees.
//
// Display names aren't unique. When two members (or channels) share
// a name, the one with the lowest ID is used for outbound translation,
// and the collision is logged. Names which are substrings of other
// names are matched longest first.
type MentionTable struct {
	names      map[mentionKind]map[string]string // id -> name
	ids        map[mentionKind]map[string]string // name -> id
	outbound   map[mentionKind]*regexp.Regexp
	collisions int
}

func newMentionTable(
	members []*discordgo.Member,
	channels []*discordgo.Channel,
	logger *slog.Logger,
) *MentionTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &MentionTable{
		names: map[mentionKind]map[string]string{
			mentionUser:    {},
			mentionChannel: {},
		},
		ids: map[mentionKind]map[string]string{
			mentionUser:    {},
			mentionChannel: {},
		},
		outbound: map[mentionKind]*regexp.Regexp{},
	}

	for _, m := range members {
		if m == nil || m.User == nil {
			continue
		}
		if name := memberDisplayName(m); name != "" {
			t.names[mentionUser][m.User.ID] = name
		}
	}
	for _, c := range channels {
		if c == nil || c.Name == "" {
			continue
		}
		t.names[mentionChannel][c.ID] = c.Name
	}

	for _, kind := range []mentionKind{mentionUser, mentionChannel} {
		ids := make([]string, 0, len(t.names[kind]))
		for id := range t.names[kind] {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, compareSnowflakes)

		for _, id := range ids {
			name := t.names[kind][id]
			if existing, ok := t.ids[kind][name]; ok {
				t.collisions++
				logger.Warn(
					"ambiguous mention name",
					"name", kind.prefix()+name,
					"using_id", existing,
					"ignored_id", id,
				)
				continue
			}
			t.ids[kind][name] = id
		}
		t.outbound[kind] = outboundPattern(kind, t.ids[kind])
	}
	return t
}

// outboundPattern builds a pattern matching any of the given names with
// the kind's prefix, optionally wrapped in double quotes
func outboundPattern(kind mentionKind, ids map[string]string) *regexp.Regexp {
	if len(ids) == 0 {
		return nil
	}
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	slices.SortFunc(
		names, func(a, b string) int {
			if c := cmp.Compare(len(b), len(a)); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		},
	)
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	alternation := strings.Join(quoted, "|")
	prefix := regexp.QuoteMeta(kind.prefix())
	return regexp.MustCompile(
		`"` + prefix + `(` + alternation + `)"|` + prefix + `(` + alternation + `)`,
	)
}

// Inbound replaces known mention tokens with "@DisplayName" and
// "#channel-name". Tokens for unknown IDs are left as-is.
func (t *MentionTable) Inbound(text string) string {
	return discordMentionPattern.ReplaceAllStringFunc(
		text, func(raw string) string {
			tok := newMentionToken(discordMentionPattern.FindStringSubmatch(raw))
			name, ok := t.names[tok.Kind][tok.ID]
			if !ok {
				return raw
			}
			return `"` + tok.Kind.prefix() + name + `"`
		},
	)
}

// Outbound replaces "@DisplayName"/"#channel-name" (quoted or not)
// with discord's native mention tokens.
func (t *MentionTable) Outbound(text string) string {
	for _, kind := range []mentionKind{mentionUser, mentionChannel} {
		pattern := t.outbound[kind]
		if pattern == nil {
			continue
		}
		text = pattern.ReplaceAllStringFunc(
			text, func(s string) string {
				m := pattern.FindStringSubmatch(s)
				name := m[1]
				if name == "" {
					name = m[2]
				}
				return "<" + kind.prefix() + t.ids[kind][name] + ">"
			},
		)
	}
	return text
}

// compareSnowflakes orders discord IDs numerically
func compareSnowflakes(a, b string) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
