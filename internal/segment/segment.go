// Package segment tokenizes chat message text into renderable message parts,
// resolving native emote spans, third-party emote words, links and leading
// mentions against each other.
package segment

import (
	"regexp"
	"sort"
	"strings"

	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/emotes"
)

type Type string

const (
	TypeText  Type = "text"
	TypeEmote Type = "emote"
	TypeURL   Type = "url"
)

// Segment is one rendered part of a message. Concatenating the parts in
// order reproduces the message text, except for an elided leading mention.
type Segment struct {
	Type    Type
	Content string // text
	Emote   *Emote // emote
	URL     string // url
}

type Emote struct {
	ID          string
	Name        string
	ImageURL    string
	AspectRatio float64
}

var urlRe = regexp.MustCompile(`https?://\S+|www\.\S+`)

// uniquenessSuffix is an invisible codepoint some third-party clients append
// to re-sent identical messages to dodge duplicate suppression.
const uniquenessSuffix = "\U000E0000"

// Characters that terminate a word when looking up third-party emotes.
const wordSeparators = "()[]\"'`;,. \n\t"

const (
	markerMention = iota
	markerNativeEmote
	markerThirdPartyEmote
	markerURL
)

type marker struct {
	start, end int // byte offsets, end exclusive
	kind       int
	id         string
	name       string
}

// Message splits a chat message into text, emote and url segments.
// removeLeadingMention elides an "@name " prefix, used for reply rendering
// where the mention is shown separately. Third-party emotes are matched by
// looking whole words up in dict.
func Message(msg *event.Message, removeLeadingMention bool, dict map[string]emotes.Emote) []Segment {
	text := trimUniquenessSuffix(msg.Text)

	markers := collectMarkers(text, msg.Emotes, removeLeadingMention, dict)
	if len(markers) == 0 {
		return []Segment{{Type: TypeText, Content: text}}
	}

	sort.SliceStable(markers, func(i, j int) bool { return markers[i].start < markers[j].start })

	// On overlap the earlier-starting marker wins; on equal starts, the one
	// discovered first.
	kept := markers[:1]
	for _, m := range markers[1:] {
		if m.start < kept[len(kept)-1].end {
			continue
		}
		kept = append(kept, m)
	}

	var segments []Segment
	cursor := 0
	for _, m := range kept {
		if m.start > cursor {
			segments = append(segments, Segment{Type: TypeText, Content: text[cursor:m.start]})
		}

		switch m.kind {
		case markerURL:
			segments = append(segments, Segment{Type: TypeURL, URL: text[m.start:m.end]})
		case markerNativeEmote:
			segments = append(segments, Segment{Type: TypeEmote, Emote: &Emote{
				ID:          "twitch/" + m.id,
				Name:        m.name,
				ImageURL:    event.NativeEmoteURL(m.id),
				AspectRatio: 1,
			}})
		case markerThirdPartyEmote:
			e := dict[m.name]
			segments = append(segments, Segment{Type: TypeEmote, Emote: &Emote{
				ID:          "third-party/" + m.name,
				Name:        m.name,
				ImageURL:    e.ImageURL,
				AspectRatio: e.AspectRatio,
			}})
		case markerMention:
			// Pure elision.
		}

		cursor = m.end
	}

	if cursor < len(text) {
		segments = append(segments, Segment{Type: TypeText, Content: text[cursor:]})
	}

	return segments
}

func collectMarkers(text string, spans []event.EmoteSpan, removeLeadingMention bool, dict map[string]emotes.Emote) []marker {
	var markers []marker

	if removeLeadingMention && strings.HasPrefix(text, "@") {
		end := strings.IndexByte(text, ' ')
		if end == -1 {
			end = len(text)
		} else {
			end++ // include the separating space
		}
		markers = append(markers, marker{start: 0, end: end, kind: markerMention})
	}

	for _, sp := range spans {
		start, end := sp.Start, sp.End+1
		if start < 0 || start >= len(text) {
			continue
		}
		if end > len(text) {
			end = len(text)
		}
		markers = append(markers, marker{
			start: start,
			end:   end,
			kind:  markerNativeEmote,
			id:    sp.ID,
			name:  text[start:end],
		})
	}

	for _, loc := range urlRe.FindAllStringIndex(text, -1) {
		markers = append(markers, marker{start: loc[0], end: loc[1], kind: markerURL})
	}

	if len(dict) > 0 {
		wordStart := 0
		for i := 0; i <= len(text); i++ {
			if i < len(text) && !strings.ContainsRune(wordSeparators, rune(text[i])) {
				continue
			}
			word := text[wordStart:i]
			if _, ok := dict[word]; ok {
				markers = append(markers, marker{
					start: wordStart,
					end:   i,
					kind:  markerThirdPartyEmote,
					name:  word,
				})
			}
			wordStart = i + 1
		}
	}

	return markers
}

func trimUniquenessSuffix(text string) string {
	trimmed, found := strings.CutSuffix(text, uniquenessSuffix)
	if !found {
		return text
	}
	return strings.TrimRight(trimmed, " \t")
}
