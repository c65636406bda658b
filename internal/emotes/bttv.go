package emotes

import (
	"context"
	"fmt"
	"net/http"
)

const bttvBaseURL = "https://api.betterttv.net/3"

// BTTV fetches emote dictionaries from the BetterTTV API.
type BTTV struct {
	baseURL string
	client  *http.Client
}

func NewBTTV(baseURL string, client *http.Client) *BTTV {
	if baseURL == "" {
		baseURL = bttvBaseURL
	}
	return &BTTV{baseURL: baseURL, client: defaultClient(client)}
}

var _ Provider = (*BTTV)(nil)

type bttvEmote struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (e bttvEmote) emote() Emote {
	ratio := 1.0
	if e.Width > 0 && e.Height > 0 {
		ratio = float64(e.Width) / float64(e.Height)
	}
	return Emote{
		Name:        e.Code,
		ImageURL:    fmt.Sprintf("https://cdn.betterttv.net/emote/%s/2x.%s", e.ID, e.ImageType),
		AspectRatio: ratio,
	}
}

func (b *BTTV) GlobalEmotes(ctx context.Context) (Dict, error) {
	var emotes []bttvEmote
	if err := getJSON(ctx, b.client, b.baseURL+"/cached/emotes/global", &emotes); err != nil {
		return nil, fmt.Errorf("bttv global emotes: %w", err)
	}

	dict := make(Dict, len(emotes))
	for _, e := range emotes {
		dict[e.Code] = e.emote()
	}
	return dict, nil
}

func (b *BTTV) ChannelEmotes(ctx context.Context, broadcasterID string) (Dict, error) {
	var body struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	url := fmt.Sprintf("%s/cached/users/twitch/%s", b.baseURL, broadcasterID)
	if err := getJSON(ctx, b.client, url, &body); err != nil {
		return nil, fmt.Errorf("bttv channel emotes: %w", err)
	}

	dict := make(Dict, len(body.ChannelEmotes)+len(body.SharedEmotes))
	for _, e := range body.ChannelEmotes {
		dict[e.Code] = e.emote()
	}
	for _, e := range body.SharedEmotes {
		dict[e.Code] = e.emote()
	}
	return dict, nil
}
