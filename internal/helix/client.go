// Package helix is a minimal client for the platform's REST API: user
// lookup, token validation, chat sends, notification subscriptions and the
// badge catalog. Only the calls the chat pipeline needs are implemented.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://api.twitch.tv/helix"
	defaultAuthURL = "https://id.twitch.tv/oauth2"
)

// ErrUserNotFound is returned by User when no account matches the login.
var ErrUserNotFound = errors.New("helix: user not found")

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL  string
	authURL  string
	clientID string
	token    string
	httpc    *http.Client
}

type Option func(*Client)

func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

func WithAuthURL(base string) Option {
	return func(c *Client) { c.authURL = base }
}

func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

func NewClient(clientID, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  defaultBaseURL,
		authURL:  defaultAuthURL,
		clientID: clientID,
		token:    token,
		httpc:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// User resolves a login name to the account. A missing account is a
// structured ErrUserNotFound, not a stream event.
func (c *Client) User(ctx context.Context, login string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	endpoint := c.baseURL + "/users?login=" + url.QueryEscape(login)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return &body.Data[0], nil
}

type TokenInfo struct {
	ClientID string   `json:"client_id"`
	Login    string   `json:"login"`
	UserID   string   `json:"user_id"`
	Scopes   []string `json:"scopes"`
}

// ValidateToken checks the configured token and reports the identity it
// belongs to.
func (c *Client) ValidateToken(ctx context.Context) (*TokenInfo, error) {
	var info TokenInfo
	if err := c.do(ctx, http.MethodGet, c.authURL+"/validate", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SendChatMessage posts a chat message on behalf of the token's user.
func (c *Client) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/chat/messages", payload, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Client-Id", c.clientID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		return &APIError{Status: res.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
