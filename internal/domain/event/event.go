// Package event defines the unified, transport-agnostic chat event model and
// the normalizers that map both wire formats onto it.
package event

import "time"

// Type discriminates the Event tagged union.
type Type string

const (
	TypeMessage    Type = "message"
	TypeNotice     Type = "notice"
	TypeSystem     Type = "system"
	TypeRedemption Type = "redemption"
)

// DefaultNameColor is used when the source supplies an empty color string.
// Color is never absent on an Author, only possibly-default.
const DefaultNameColor = "gray"

// Event is the unified representation consumed by all presentation logic.
// Exactly one variant pointer is set, matching Type. Events are immutable
// after creation except for Deleted, which only ever transitions false→true.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Historical bool      `json:"historical,omitempty"`
	Deleted    bool      `json:"deleted,omitempty"`

	Message    *Message    `json:"message,omitempty"`
	Notice     *Notice     `json:"notice,omitempty"`
	System     *System     `json:"system,omitempty"`
	Redemption *Redemption `json:"redemption,omitempty"`
}

// AuthorID returns the id of the user who authored the event's embedded chat
// message, or "" when the event carries none. Used for per-user deletion.
func (e *Event) AuthorID() string {
	switch e.Type {
	case TypeMessage:
		if e.Message != nil {
			return e.Message.Author.ID
		}
	case TypeNotice:
		if e.Notice != nil && e.Notice.Message != nil {
			return e.Notice.Message.Author.ID
		}
	}
	return ""
}

// Message is a regular chat message.
type Message struct {
	WireID         string      `json:"wire_id,omitempty"`
	Author         Author      `json:"author"`
	Text           string      `json:"text"`
	Emotes         []EmoteSpan `json:"emotes,omitempty"`
	Fragments      []Fragment  `json:"fragments,omitempty"`
	ReplyTo        *Message    `json:"reply_to,omitempty"`
	Bits           int         `json:"bits,omitempty"`
	IsAction       bool        `json:"is_action,omitempty"`
	IsFirstMessage bool        `json:"is_first_message,omitempty"`
}

// Notice is a system-generated channel notice (subscription, raid,
// announcement), optionally carrying an embedded chat message.
type Notice struct {
	MessageType string   `json:"message_type"`
	Text        string   `json:"text"`
	Message     *Message `json:"message,omitempty"`
}

// System is a client-local informational message. System events are never
// historical and never deleted.
type System struct {
	Text string `json:"text"`
}

// Redemption is a channel-points reward redemption.
type Redemption struct {
	By     UserRef `json:"by"`
	Reward Reward  `json:"reward"`
}

type Reward struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cost  int    `json:"cost"`
	Input string `json:"input,omitempty"`
}

// UserRef is a lightweight reference to a platform user.
type UserRef struct {
	ID    string `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// Author describes the sender of a chat message.
type Author struct {
	ID     string  `json:"id"`
	Login  string  `json:"login"`
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	Badges []Badge `json:"badges,omitempty"`
}

// Badge is a compound key into the externally supplied badge catalog.
type Badge struct {
	Set     string `json:"set"`
	Version string `json:"version"`
}

// EmoteSpan is a platform-native emote position. Start and End are inclusive
// byte offsets into the raw message text, as delivered on the wire.
type EmoteSpan struct {
	ID    string `json:"id"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// FragmentType discriminates the Fragment tagged union.
type FragmentType string

const (
	FragmentText    FragmentType = "text"
	FragmentEmote   FragmentType = "emote"
	FragmentMention FragmentType = "mention"
)

// Fragment is a sub-span of a chat message's text. Fragments are
// byte-offset-disjoint and jointly reconstruct the original text when
// concatenated in order.
type Fragment struct {
	Type FragmentType `json:"type"`
	Text string       `json:"text"`

	Emote   *EmoteInfo `json:"emote,omitempty"`
	Mention *UserRef   `json:"mention,omitempty"`
}

// EmoteInfo describes a resolved emote image.
type EmoteInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	URL         string  `json:"url"`
	AspectRatio float64 `json:"aspect_ratio"`
}

// NormalizeColor replaces an empty color string with the neutral default.
// Non-empty values pass through unchanged; color syntax is not validated
// at this layer.
func NormalizeColor(color string) string {
	if color == "" {
		return DefaultNameColor
	}
	return color
}

// NativeEmoteURL builds the CDN image URL for a platform-native emote.
func NativeEmoteURL(id string) string {
	return "https://static-cdn.jtvnw.net/emoticons/v2/" + id + "/default/dark/2.0"
}
