// Package irc implements the line-based chat transport used by Twitch:
// a tag-prefixed IRC dialect delivered over a persistent websocket.
//
// The parser is pure and synchronous. It turns one raw protocol line into a
// structured Message, or fails with a *ParseError; it never panics on
// malformed input.
package irc

import (
	"fmt"
	"strings"
)

// TagValue is either the unescaped string value of a tag, or the boolean
// presence marker for tags that carry no "=value" part.
type TagValue struct {
	Value   string
	Present bool // true for valueless tags such as "@vip"
}

// String returns the tag's string value ("" for valueless tags).
func (v TagValue) String() string { return v.Value }

// Prefix is the optional ":nick!user@host" token of a protocol line.
type Prefix struct {
	Nick string
	User string
	Host string
}

// Message is one parsed protocol line.
type Message struct {
	Tags    map[string]TagValue
	Prefix  *Prefix
	Command string
	Params  []string
}

// Tag returns the string value of a tag, or "" when absent.
func (m *Message) Tag(name string) string {
	if m.Tags == nil {
		return ""
	}
	return m.Tags[name].Value
}

// HasTag reports whether a tag is present, with or without a value.
func (m *Message) HasTag(name string) bool {
	if m.Tags == nil {
		return false
	}
	_, ok := m.Tags[name]
	return ok
}

// Trailing returns the final parameter, which is where PRIVMSG and friends
// carry the message body. Empty string when the line has no params.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ParseError reports a line that does not match the protocol grammar.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("irc: malformed line (%s): %q", e.Reason, e.Line)
}

// Parse parses one raw protocol line without its trailing CRLF.
//
// Grammar: [@tags SP] [:prefix SP] command [params] [:trailing].
func Parse(line string) (*Message, error) {
	rest := line
	msg := &Message{}

	if strings.HasPrefix(rest, "@") {
		raw, remainder, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return nil, &ParseError{Line: line, Reason: "tags without command"}
		}
		msg.Tags = parseTags(raw)
		rest = remainder
	}

	rest = strings.TrimLeft(rest, " ")
	if strings.HasPrefix(rest, ":") {
		raw, remainder, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return nil, &ParseError{Line: line, Reason: "prefix without command"}
		}
		msg.Prefix = parsePrefix(raw)
		rest = remainder
	}

	rest = strings.TrimLeft(rest, " ")
	if rest == "" {
		return nil, &ParseError{Line: line, Reason: "missing command"}
	}

	command, rest, _ := strings.Cut(rest, " ")
	msg.Command = command

	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if strings.HasPrefix(rest, ":") {
			// Trailing param: everything after the colon, spaces included.
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		var param string
		param, rest, _ = strings.Cut(rest, " ")
		msg.Params = append(msg.Params, param)
	}

	return msg, nil
}

func parseTags(raw string) map[string]TagValue {
	tags := make(map[string]TagValue)
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		if key == "" {
			continue
		}
		if !hasValue {
			tags[key] = TagValue{Present: true}
			continue
		}
		tags[key] = TagValue{Value: unescapeTag(value)}
	}
	return tags
}

// unescapeTag applies the standard tag-value escaping table. A trailing lone
// backslash is dropped, matching the reference behavior.
func unescapeTag(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i == len(value)-1 {
			break
		}
		i++
		switch value[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			// Unknown escape: keep the escaped character as-is.
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

func parsePrefix(raw string) *Prefix {
	p := &Prefix{}
	rest := raw
	if nick, remainder, ok := strings.Cut(rest, "!"); ok {
		p.Nick = nick
		rest = remainder
	}
	if user, host, ok := strings.Cut(rest, "@"); ok {
		if p.Nick != "" {
			p.User = user
		} else {
			p.Nick = user
			p.User = user
		}
		p.Host = host
	} else if p.Nick != "" {
		p.User = rest
	} else {
		// A bare prefix such as "tmi.twitch.tv" is a host.
		p.Host = rest
	}
	return p
}
