package event

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loreline/streamchat/internal/irc"
)

const actionPrefix = "\x01ACTION "

// FromIRC maps one parsed text-protocol line to zero or one unified event.
// Commands outside the recognized set return nil. Missing optional tags mean
// the feature is absent, never a failure.
func FromIRC(m *irc.Message) *Event {
	base := Event{
		ID:         m.Tag("id"),
		Timestamp:  ircTimestamp(m),
		Historical: m.Tag("historical") == "1",
		Deleted:    m.Tag("rm-deleted") == "1",
	}
	if base.ID == "" {
		base.ID = uuid.NewString()
	}

	switch m.Command {
	case "PRIVMSG":
		login := ""
		if m.Prefix != nil {
			login = m.Prefix.User
		}
		msg := chatMessageFromIRC(m, login)

		if bits := m.Tag("bits"); bits != "" {
			msg.Bits, _ = strconv.Atoi(bits)
		}
		msg.IsFirstMessage = m.Tag("first-msg") == "1"
		if parentID := m.Tag("reply-parent-msg-id"); parentID != "" {
			login := m.Tag("reply-parent-user-login")
			name := m.Tag("reply-parent-display-name")
			if name == "" {
				name = login
			}
			msg.ReplyTo = &Message{
				WireID: parentID,
				Author: Author{
					ID:    m.Tag("reply-parent-user-id"),
					Login: login,
					Name:  name,
					Color: DefaultNameColor,
				},
				Text: m.Tag("reply-parent-msg-body"),
			}
		}

		base.Type = TypeMessage
		base.Message = msg
		return &base

	case "USERNOTICE":
		notice := &Notice{
			MessageType: m.Tag("msg-id"),
			Text:        m.Tag("system-msg"),
		}
		if notice.MessageType == "announcement" {
			notice.Text = "Announcement"
		}
		if len(m.Params) > 1 && m.Trailing() != "" {
			notice.Message = chatMessageFromIRC(m, m.Tag("login"))
		}

		base.Type = TypeNotice
		base.Notice = notice
		return &base

	case "NOTICE":
		text := m.Trailing()
		if len(m.Params) < 2 {
			text = "<no message>"
		}
		base.Type = TypeSystem
		base.System = &System{Text: text}
		return &base

	case "CLEARCHAT":
		base.Type = TypeSystem
		base.System = &System{Text: clearchatText(m)}
		return &base

	case "CLEARMSG":
		text := "A message was deleted."
		if login := m.Tag("login"); login != "" {
			text = fmt.Sprintf("A message from %s was deleted.", login)
		}
		base.Type = TypeSystem
		base.System = &System{Text: text}
		return &base
	}

	return nil
}

// chatMessageFromIRC builds the embedded chat message shared by PRIVMSG and
// USERNOTICE, including the \x01ACTION envelope unwrap and fragment split.
func chatMessageFromIRC(m *irc.Message, login string) *Message {
	text := m.Trailing()
	if len(m.Params) < 2 {
		text = "<no message>"
	}

	isAction := false
	if strings.HasPrefix(text, actionPrefix) && strings.HasSuffix(text, "\x01") {
		isAction = true
		text = text[len(actionPrefix) : len(text)-1]
	}

	spans := parseEmoteSpans(m.Tag("emotes"))

	return &Message{
		WireID: m.Tag("id"),
		Author: Author{
			ID:     m.Tag("user-id"),
			Login:  login,
			Name:   m.Tag("display-name"),
			Color:  NormalizeColor(m.Tag("color")),
			Badges: parseBadges(m.Tag("badges")),
		},
		Text:      text,
		Emotes:    spans,
		Fragments: fragmentsFromSpans(text, spans),
		IsAction:  isAction,
	}
}

// parseBadges parses the "badges" tag: comma-separated set/version pairs,
// e.g. "broadcaster/1,subscriber/12".
func parseBadges(raw string) []Badge {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	badges := make([]Badge, 0, len(parts))
	for _, part := range parts {
		set, version, _ := strings.Cut(part, "/")
		if set == "" {
			continue
		}
		badges = append(badges, Badge{Set: set, Version: version})
	}
	return badges
}

// parseEmoteSpans parses the "emotes" tag: slash-separated id:ranges entries
// where ranges are comma-separated inclusive start-end pairs. Spans may
// arrive out of order across entries ('a:1-2,8-9/b:4-5'); the result is
// sorted by start offset. Malformed entries are skipped.
func parseEmoteSpans(raw string) []EmoteSpan {
	if raw == "" {
		return nil
	}

	var spans []EmoteSpan
	for _, entry := range strings.Split(raw, "/") {
		id, ranges, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			continue
		}
		for _, r := range strings.Split(ranges, ",") {
			startStr, endStr, ok := strings.Cut(r, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(startStr)
			end, err2 := strconv.Atoi(endStr)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			spans = append(spans, EmoteSpan{ID: id, Start: start, End: end})
		}
	}

	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// fragmentsFromSpans splits the text into text/emote fragments using the
// positional emote spans. Spans extending past the text are clamped so
// malformed input degrades instead of failing.
func fragmentsFromSpans(text string, spans []EmoteSpan) []Fragment {
	if len(spans) == 0 {
		if text == "" {
			return nil
		}
		return []Fragment{{Type: FragmentText, Text: text}}
	}

	var fragments []Fragment
	index := 0
	for _, span := range spans {
		end := span.End + 1
		if span.Start >= len(text) || span.Start < index {
			continue
		}
		if end > len(text) {
			end = len(text)
		}
		if index < span.Start {
			fragments = append(fragments, Fragment{Type: FragmentText, Text: text[index:span.Start]})
		}
		name := text[span.Start:end]
		fragments = append(fragments, Fragment{
			Type: FragmentEmote,
			Text: name,
			Emote: &EmoteInfo{
				ID:          span.ID,
				Name:        name,
				URL:         NativeEmoteURL(span.ID),
				AspectRatio: 1,
			},
		})
		index = end
	}
	if index < len(text) {
		fragments = append(fragments, Fragment{Type: FragmentText, Text: text[index:]})
	}
	return fragments
}

func clearchatText(m *irc.Message) string {
	if m.Tag("target-user-id") == "" {
		return "The chat has been cleared by a moderator."
	}

	username := m.Trailing()
	if len(m.Params) < 2 || username == "" {
		username = "A user"
	}
	if duration := m.Tag("ban-duration"); duration != "" {
		return fmt.Sprintf("%s has been timed out for %s seconds.", username, duration)
	}
	return fmt.Sprintf("%s has been banned from the channel.", username)
}

// ircTimestamp prefers the recall service's receive time, falls back to the
// server send time, then to the local clock.
func ircTimestamp(m *irc.Message) time.Time {
	for _, tag := range []string{"rm-received-ts", "tmi-sent-ts"} {
		if raw := m.Tag(tag); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		}
	}
	return time.Now().UTC()
}

// DeletionScope classifies a deletion-marking control message.
type DeletionScope int

const (
	// DeleteAll marks every buffered event deleted (moderator chat clear).
	DeleteAll DeletionScope = iota + 1
	// DeleteByAuthor marks events authored by TargetUserID (ban/timeout).
	DeleteByAuthor
	// DeleteByID marks the single event with TargetMessageID.
	DeleteByID
)

// Deletion is the retroactive-mutation instruction embedded in clear-style
// control messages.
type Deletion struct {
	Scope           DeletionScope
	TargetUserID    string
	TargetMessageID string
}

// DeletionFromIRC extracts the deletion instruction from CLEARCHAT and
// CLEARMSG lines. Returns false for every other command.
func DeletionFromIRC(m *irc.Message) (Deletion, bool) {
	switch m.Command {
	case "CLEARCHAT":
		if target := m.Tag("target-user-id"); target != "" {
			return Deletion{Scope: DeleteByAuthor, TargetUserID: target}, true
		}
		return Deletion{Scope: DeleteAll}, true
	case "CLEARMSG":
		if target := m.Tag("target-msg-id"); target != "" {
			return Deletion{Scope: DeleteByID, TargetMessageID: target}, true
		}
	}
	return Deletion{}, false
}
