// Package emotes resolves third-party emote dictionaries from the BTTV and
// FFZ providers. Dictionaries are keyed by the literal word a chatter types;
// later providers override earlier ones on name collisions.
package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Emote is one third-party emote, keyed by the literal word it replaces.
type Emote struct {
	Name        string
	ImageURL    string
	AspectRatio float64
}

// Dict maps the literal emote word to its emote.
type Dict = map[string]Emote

// Merge combines provider dictionaries in order; on a name collision the
// later dictionary wins.
func Merge(dicts ...Dict) Dict {
	out := make(Dict)
	for _, d := range dicts {
		for name, e := range d {
			out[name] = e
		}
	}
	return out
}

// Provider fetches one dictionary scope from one emote service.
type Provider interface {
	GlobalEmotes(ctx context.Context) (Dict, error)
	ChannelEmotes(ctx context.Context, broadcasterID string) (Dict, error)
}

const channelCacheSize = 32

// Resolver aggregates all configured providers into per-channel
// dictionaries, caching the merged result per broadcaster.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger

	mu       sync.Mutex
	global   Dict
	channels *lru.Cache[string, Dict]
}

// NewResolver builds a resolver over the given providers in precedence
// order. A nil provider list resolves every lookup to an empty dictionary.
func NewResolver(providers []Provider, logger *slog.Logger) *Resolver {
	channels, _ := lru.New[string, Dict](channelCacheSize)
	return &Resolver{
		providers: providers,
		logger:    logger,
		channels:  channels,
	}
}

// ForChannel resolves the merged dictionary for a broadcaster: all global
// emotes overlaid with the channel's own. Provider failures degrade to a
// smaller dictionary instead of failing the lookup; chat works without
// third-party emotes.
func (r *Resolver) ForChannel(ctx context.Context, broadcasterID string) Dict {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.channels.Get(broadcasterID); ok {
		return cached
	}

	dicts := make([]Dict, 2*len(r.providers))
	g, gctx := errgroup.WithContext(ctx)

	for i, p := range r.providers {
		if r.global == nil {
			g.Go(func() error {
				d, err := p.GlobalEmotes(gctx)
				if err != nil {
					r.logger.Warn("emotes: global fetch failed", "error", err)
					return nil
				}
				dicts[i] = d
				return nil
			})
		}
		g.Go(func() error {
			d, err := p.ChannelEmotes(gctx, broadcasterID)
			if err != nil {
				r.logger.Warn("emotes: channel fetch failed", "broadcaster_id", broadcasterID, "error", err)
				return nil
			}
			dicts[len(r.providers)+i] = d
			return nil
		})
	}
	g.Wait()

	if r.global == nil {
		r.global = Merge(dicts[:len(r.providers)]...)
	}

	merged := Merge(append([]Dict{r.global}, dicts[len(r.providers):]...)...)
	r.channels.Add(broadcasterID, merged)
	return merged
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", url, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func defaultClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
