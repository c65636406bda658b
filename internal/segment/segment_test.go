package segment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/emotes"
)

func reconstruct(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		switch s.Type {
		case TypeText:
			b.WriteString(s.Content)
		case TypeEmote:
			b.WriteString(s.Emote.Name)
		case TypeURL:
			b.WriteString(s.URL)
		}
	}
	return b.String()
}

func TestMessagePlainText(t *testing.T) {
	msg := &event.Message{Text: "just some words"}
	segments := Message(msg, false, nil)

	require.Len(t, segments, 1)
	assert.Equal(t, TypeText, segments[0].Type)
	assert.Equal(t, "just some words", segments[0].Content)
}

func TestMessageNativeEmotes(t *testing.T) {
	msg := &event.Message{
		Text: "Kappa hello Kappa",
		Emotes: []event.EmoteSpan{
			{ID: "25", Start: 0, End: 4},
			{ID: "25", Start: 12, End: 16},
		},
	}
	segments := Message(msg, false, nil)

	require.Len(t, segments, 3)
	assert.Equal(t, TypeEmote, segments[0].Type)
	assert.Equal(t, "twitch/25", segments[0].Emote.ID)
	assert.Equal(t, "Kappa", segments[0].Emote.Name)
	assert.Equal(t, "https://static-cdn.jtvnw.net/emoticons/v2/25/default/dark/2.0", segments[0].Emote.ImageURL)
	assert.Equal(t, " hello ", segments[1].Content)
	assert.Equal(t, TypeEmote, segments[2].Type)

	assert.Equal(t, msg.Text, reconstruct(segments))
}

func TestMessageThirdPartyEmotes(t *testing.T) {
	dict := emotes.Dict{
		"catJAM": {Name: "catJAM", ImageURL: "cdn/catjam", AspectRatio: 1},
	}
	msg := &event.Message{Text: "vibing catJAM, hard (catJAM)"}
	segments := Message(msg, false, dict)

	var emoteCount int
	for _, s := range segments {
		if s.Type == TypeEmote {
			emoteCount++
			assert.Equal(t, "third-party/catJAM", s.Emote.ID)
			assert.Equal(t, "cdn/catjam", s.Emote.ImageURL)
		}
	}
	assert.Equal(t, 2, emoteCount)
	assert.Equal(t, msg.Text, reconstruct(segments))
}

func TestMessageURLs(t *testing.T) {
	msg := &event.Message{Text: "look at https://example.com/clip and www.example.org too"}
	segments := Message(msg, false, nil)

	var urls []string
	for _, s := range segments {
		if s.Type == TypeURL {
			urls = append(urls, s.URL)
		}
	}
	assert.Equal(t, []string{"https://example.com/clip", "www.example.org"}, urls)
	assert.Equal(t, msg.Text, reconstruct(segments))
}

func TestMessageLeadingMentionElision(t *testing.T) {
	msg := &event.Message{Text: "@someone hello there"}

	segments := Message(msg, true, nil)
	require.Len(t, segments, 1)
	assert.Equal(t, "hello there", segments[0].Content)

	// Without elision the mention stays literal text.
	segments = Message(msg, false, nil)
	require.Len(t, segments, 1)
	assert.Equal(t, "@someone hello there", segments[0].Content)
}

func TestMessageMentionOnlyText(t *testing.T) {
	msg := &event.Message{Text: "@someone"}
	segments := Message(msg, true, nil)
	assert.Empty(t, segments)
}

func TestMessageOverlapKeepsEarlierMarker(t *testing.T) {
	// The dot before the dictionary word is a token separator, so the word
	// matches inside the URL. The URL starts earlier; the emote marker is
	// discarded entirely.
	dict := emotes.Dict{"catJAM": {Name: "catJAM", ImageURL: "cdn/catjam"}}
	msg := &event.Message{Text: "check www.catJAM out"}

	segments := Message(msg, false, dict)
	require.Len(t, segments, 3)
	assert.Equal(t, TypeURL, segments[1].Type)
	assert.Equal(t, "www.catJAM", segments[1].URL)
	for _, s := range segments {
		assert.NotEqual(t, TypeEmote, s.Type)
	}
}

func TestMessageNativeEmoteBeatsOverlappingDictionary(t *testing.T) {
	dict := emotes.Dict{"Kappa": {Name: "Kappa", ImageURL: "cdn/third-party-kappa"}}
	msg := &event.Message{
		Text:   "Kappa",
		Emotes: []event.EmoteSpan{{ID: "25", Start: 0, End: 4}},
	}

	segments := Message(msg, false, dict)
	require.Len(t, segments, 1)
	assert.Equal(t, "twitch/25", segments[0].Emote.ID)
}

func TestMessageTrimsUniquenessSuffix(t *testing.T) {
	msg := &event.Message{Text: "hi chat \U000E0000"}
	segments := Message(msg, false, nil)

	require.Len(t, segments, 1)
	assert.Equal(t, "hi chat", segments[0].Content)
}

func TestMessageOutOfRangeSpanIgnored(t *testing.T) {
	msg := &event.Message{
		Text:   "short",
		Emotes: []event.EmoteSpan{{ID: "25", Start: 40, End: 44}},
	}
	segments := Message(msg, false, nil)
	require.Len(t, segments, 1)
	assert.Equal(t, "short", segments[0].Content)
}
