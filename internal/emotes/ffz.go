package emotes

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

const ffzBaseURL = "https://api.frankerfacez.com/v1"

// FFZ fetches emote dictionaries from the FrankerFaceZ API.
type FFZ struct {
	baseURL string
	client  *http.Client
}

func NewFFZ(baseURL string, client *http.Client) *FFZ {
	if baseURL == "" {
		baseURL = ffzBaseURL
	}
	return &FFZ{baseURL: baseURL, client: defaultClient(client)}
}

var _ Provider = (*FFZ)(nil)

type ffzEmoteSet struct {
	Emoticons []struct {
		Name     string            `json:"name"`
		Width    int               `json:"width"`
		Height   int               `json:"height"`
		Animated map[string]string `json:"animated"`
		URLs     map[string]string `json:"urls"`
	} `json:"emoticons"`
}

func (s ffzEmoteSet) fill(dict Dict) {
	for _, e := range s.Emoticons {
		url, ok := e.Animated["2"]
		if !ok {
			url = e.URLs["2"]
		}
		ratio := 1.0
		if e.Width > 0 && e.Height > 0 {
			ratio = float64(e.Width) / float64(e.Height)
		}
		dict[e.Name] = Emote{Name: e.Name, ImageURL: url, AspectRatio: ratio}
	}
}

func (f *FFZ) GlobalEmotes(ctx context.Context) (Dict, error) {
	var body struct {
		DefaultSets []int                  `json:"default_sets"`
		Sets        map[string]ffzEmoteSet `json:"sets"`
	}
	if err := getJSON(ctx, f.client, f.baseURL+"/set/global", &body); err != nil {
		return nil, fmt.Errorf("ffz global emotes: %w", err)
	}

	dict := make(Dict)
	for _, id := range body.DefaultSets {
		body.Sets[strconv.Itoa(id)].fill(dict)
	}
	return dict, nil
}

func (f *FFZ) ChannelEmotes(ctx context.Context, broadcasterID string) (Dict, error) {
	var body struct {
		Sets map[string]ffzEmoteSet `json:"sets"`
	}
	url := fmt.Sprintf("%s/room/id/%s", f.baseURL, broadcasterID)
	if err := getJSON(ctx, f.client, url, &body); err != nil {
		return nil, fmt.Errorf("ffz channel emotes: %w", err)
	}

	dict := make(Dict)
	for _, set := range body.Sets {
		set.fill(dict)
	}
	return dict, nil
}
