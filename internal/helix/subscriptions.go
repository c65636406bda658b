package helix

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/loreline/streamchat/internal/eventsub"
)

var _ eventsub.SubscriptionAPI = (*Client)(nil)

// CreateSubscription registers a websocket-delivered subscription bound to
// the given session and returns its id.
func (c *Client) CreateSubscription(ctx context.Context, sessionID string, req eventsub.SubscriptionRequest) (string, error) {
	payload := map[string]any{
		"type":      req.Type,
		"version":   req.Version,
		"condition": req.Condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/eventsub/subscriptions", payload, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", errors.New("helix: subscription response carried no data")
	}
	return body.Data[0].ID, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	endpoint := c.baseURL + "/eventsub/subscriptions?id=" + url.QueryEscape(id)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}
