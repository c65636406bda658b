package helix

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BadgeInfo is one resolvable badge version from the catalog.
type BadgeInfo struct {
	ImageURL    string
	Title       string
	Description string
}

// BadgeKey is the compound catalog key: a badge set plus a version within it.
type BadgeKey struct {
	Set     string
	Version string
}

const badgeCacheSize = 16

// BadgeCatalog resolves badge keys against the global catalog overlaid with
// a channel's own badge versions. Per-channel catalogs are cached.
type BadgeCatalog struct {
	client *Client

	mu       sync.Mutex
	global   map[BadgeKey]BadgeInfo
	channels *lru.Cache[string, map[BadgeKey]BadgeInfo]
}

func NewBadgeCatalog(client *Client) *BadgeCatalog {
	channels, _ := lru.New[string, map[BadgeKey]BadgeInfo](badgeCacheSize)
	return &BadgeCatalog{client: client, channels: channels}
}

// ForChannel returns the combined badge catalog for a broadcaster. Channel
// badge versions shadow global ones under the same key.
func (b *BadgeCatalog) ForChannel(ctx context.Context, broadcasterID string) (map[BadgeKey]BadgeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cached, ok := b.channels.Get(broadcasterID); ok {
		return cached, nil
	}

	if b.global == nil {
		global, err := b.fetch(ctx, b.client.baseURL+"/chat/badges/global")
		if err != nil {
			return nil, err
		}
		b.global = global
	}

	channel, err := b.fetch(ctx, b.client.baseURL+"/chat/badges?broadcaster_id="+url.QueryEscape(broadcasterID))
	if err != nil {
		return nil, err
	}

	combined := make(map[BadgeKey]BadgeInfo, len(b.global)+len(channel))
	for k, v := range b.global {
		combined[k] = v
	}
	for k, v := range channel {
		combined[k] = v
	}

	b.channels.Add(broadcasterID, combined)
	return combined, nil
}

func (b *BadgeCatalog) fetch(ctx context.Context, endpoint string) (map[BadgeKey]BadgeInfo, error) {
	var body struct {
		Data []struct {
			SetID    string `json:"set_id"`
			Versions []struct {
				ID          string `json:"id"`
				ImageURL2x  string `json:"image_url_2x"`
				Title       string `json:"title"`
				Description string `json:"description"`
			} `json:"versions"`
		} `json:"data"`
	}
	if err := b.client.do(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
		return nil, err
	}

	catalog := make(map[BadgeKey]BadgeInfo)
	for _, set := range body.Data {
		for _, v := range set.Versions {
			catalog[BadgeKey{Set: set.SetID, Version: v.ID}] = BadgeInfo{
				ImageURL:    v.ImageURL2x,
				Title:       v.Title,
				Description: v.Description,
			}
		}
	}
	return catalog, nil
}
