package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/irc"
)

// DefaultHistoryEndpoint is the third-party recall service used for
// historical backfill.
const DefaultHistoryEndpoint = "https://recent-messages.robotty.de/api/v2/recent-messages"

// HistoryError reports a failed backfill request. Backfill failures never
// interrupt live ingestion; callers surface them as system messages.
type HistoryError struct {
	Channel string
	Err     error
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("history: fetch for %q failed: %v", e.Channel, e.Err)
}

func (e *HistoryError) Unwrap() error { return e.Err }

// History fetches recently sent messages for a channel from the recall
// service. Requests run behind a circuit breaker so a dead service does not
// stall every channel open.
type History struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewHistory(endpoint string, client *http.Client, logger *slog.Logger) *History {
	if endpoint == "" {
		endpoint = DefaultHistoryEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &History{
		endpoint: endpoint,
		client:   client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "recent-messages",
			Timeout: 30 * time.Second,
		}),
		logger: logger,
	}
}

type historyResponse struct {
	Messages []string `json:"messages"`
	Error    *string  `json:"error"`
}

// Fetch retrieves the raw protocol lines recorded for the channel within the
// [after, before] window and parses them into unified events, oldest first as
// delivered. The result is not merged; that is the caller's explicit step.
func (h *History) Fetch(ctx context.Context, login string, after, before time.Time) ([]*event.Event, error) {
	res, err := h.breaker.Execute(func() (any, error) {
		return h.fetch(ctx, login, after, before)
	})
	if err != nil {
		return nil, &HistoryError{Channel: login, Err: err}
	}

	lines := res.([]string)
	events := make([]*event.Event, 0, len(lines))
	for _, line := range lines {
		msg, err := irc.Parse(line)
		if err != nil {
			h.logger.Warn("history: dropping malformed line", "channel", login, "error", err)
			continue
		}
		ev := event.FromIRC(msg)
		if ev == nil {
			continue
		}
		// Everything from the recall service is backfill, whether or not the
		// line carries the historical tag.
		ev.Historical = true
		events = append(events, ev)
	}

	return events, nil
}

func (h *History) fetch(ctx context.Context, login string, after, before time.Time) ([]string, error) {
	query := url.Values{
		"after":  {strconv.FormatInt(after.UnixMilli(), 10)},
		"before": {strconv.FormatInt(before.UnixMilli(), 10)},
	}
	endpoint := fmt.Sprintf("%s/%s?%s", h.endpoint, url.PathEscape(login), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var body historyResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("service error: %s", *body.Error)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	return body.Messages, nil
}
