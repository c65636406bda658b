package irc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the secure websocket endpoint of the chat relay.
const DefaultEndpoint = "wss://irc-ws.chat.twitch.tv:443"

const capabilities = "twitch.tv/commands twitch.tv/tags"

// errReconnectRequested signals a server-initiated RECONNECT; the client
// redials immediately without waiting out the backoff schedule.
var errReconnectRequested = errors.New("irc: server requested reconnect")

// AuthError is a login failure. It ends the current connection attempt; the
// reconnect schedule keeps running, so a later attempt can pick up refreshed
// credentials.
type AuthError struct {
	Notice string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("irc: authentication rejected: %s", e.Notice)
}

// Client maintains a single connection to the chat relay, transparently
// reconnecting with exponential backoff and rejoining channels after each
// successful login. All received protocol messages are handed to the message
// handler; callers decide what to keep.
type Client struct {
	endpoint  string
	nick      string
	token     string
	anonymous bool
	logger       *slog.Logger
	onMessage    func(*Message)
	onConnect    func()
	onDisconnect func()

	mu       sync.Mutex
	wmu      sync.Mutex
	conn     *websocket.Conn
	channels map[string]struct{}
	readyCh  chan struct{}
	ready    bool
	sawReady bool
	closed   bool
}

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithCredentials authenticates as the given user. Without it the client
// logs in anonymously and Say is unavailable.
func WithCredentials(nick, token string) Option {
	return func(c *Client) {
		c.nick = strings.ToLower(nick)
		c.token = strings.TrimPrefix(token, "oauth:")
		c.anonymous = false
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMessageHandler registers the sink for incoming protocol messages. The
// handler runs on the read loop; it must not block.
func WithMessageHandler(fn func(*Message)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// WithConnectHandler fires after every successful login, including the ones
// following a reconnect.
func WithConnectHandler(fn func()) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithDisconnectHandler fires when an established connection drops for any
// reason other than Close or context cancellation. Failed dials stay silent.
func WithDisconnectHandler(fn func()) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoint:  DefaultEndpoint,
		nick:      anonymousNick(),
		anonymous: true,
		logger:    slog.Default(),
		channels:  make(map[string]struct{}),
		readyCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func anonymousNick() string {
	return fmt.Sprintf("justinfan%d", rand.IntN(80000)+1000)
}

// Run connects and keeps the connection alive until the context is cancelled
// or Close is called. Each dropped connection, including one whose login the
// server rejected, is retried on an exponential schedule that resets after a
// successful login.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 1.5
	bo.MaxInterval = 30 * time.Second

	for {
		err := c.runOnce(ctx)

		c.dropReady()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}

		sawReady := c.consumeSawReady()
		if sawReady {
			bo.Reset()
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.logger.Error("irc: login rejected", "error", authErr)
		}

		if (sawReady || authErr != nil) && c.onDisconnect != nil {
			c.onDisconnect()
		}

		if errors.Is(err, errReconnectRequested) {
			c.logger.Info("irc: reconnect requested by server")
			continue
		}

		wait := bo.NextBackOff()
		c.logger.Warn("irc: connection lost", "error", err, "retry_in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.login(); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			if err := c.handleLine(line); err != nil {
				return err
			}
		}
	}
}

func (c *Client) login() error {
	if err := c.writeLine("CAP REQ :" + capabilities); err != nil {
		return err
	}
	if !c.anonymous {
		if err := c.writeLine("PASS oauth:" + c.token); err != nil {
			return err
		}
	}
	return c.writeLine("NICK " + c.nick)
}

func (c *Client) handleLine(line string) error {
	msg, err := Parse(line)
	if err != nil {
		c.logger.Warn("irc: ignoring malformed line", "error", err)
		return nil
	}

	switch msg.Command {
	case "PING":
		return c.writeLine("PONG :" + msg.Trailing())
	case "001":
		c.markReady()
		c.rejoin()
		if c.onConnect != nil {
			c.onConnect()
		}
		return nil
	case "RECONNECT":
		return errReconnectRequested
	case "NOTICE":
		if !c.isReady() && isAuthFailure(msg.Trailing()) {
			return &AuthError{Notice: msg.Trailing()}
		}
	}

	if c.onMessage != nil {
		c.onMessage(msg)
	}
	return nil
}

func isAuthFailure(notice string) bool {
	switch notice {
	case "Login authentication failed",
		"Improperly formatted auth",
		"Invalid NICK":
		return true
	}
	return false
}

// Join subscribes to a channel's message stream. The membership is remembered
// and restored after every reconnect.
func (c *Client) Join(channel string) {
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))

	c.mu.Lock()
	c.channels[channel] = struct{}{}
	ready := c.ready
	c.mu.Unlock()

	if ready {
		if err := c.writeLine("JOIN #" + channel); err != nil {
			c.logger.Warn("irc: join failed", "channel", channel, "error", err)
		}
	}
}

func (c *Client) Part(channel string) {
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))

	c.mu.Lock()
	delete(c.channels, channel)
	ready := c.ready
	c.mu.Unlock()

	if ready {
		if err := c.writeLine("PART #" + channel); err != nil {
			c.logger.Warn("irc: part failed", "channel", channel, "error", err)
		}
	}
}

// Say sends a chat message to a joined channel.
func (c *Client) Say(channel, text string) error {
	if c.anonymous {
		return errors.New("irc: anonymous session cannot send messages")
	}
	if !c.isReady() {
		return errors.New("irc: not connected")
	}
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))
	return c.writeLine(fmt.Sprintf("PRIVMSG #%s :%s", channel, text))
}

// SendRaw writes a protocol line verbatim on the current connection.
func (c *Client) SendRaw(line string) error {
	if !c.isReady() {
		return errors.New("irc: not connected")
	}
	return c.writeLine(line)
}

// Ready blocks until the current connection has completed login, or the
// context is done. It re-arms on every disconnect.
func (c *Client) Ready(ctx context.Context) error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	ch := c.readyCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session for good. Run returns nil and no reconnect is
// attempted.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) rejoin() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.writeLine("JOIN #" + ch); err != nil {
			c.logger.Warn("irc: rejoin failed", "channel", ch, "error", err)
		}
	}
}

func (c *Client) writeLine(line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("irc: no connection")
	}

	// The websocket transport permits one concurrent writer.
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *Client) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.ready = true
		c.sawReady = true
		close(c.readyCh)
	}
}

func (c *Client) dropReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		c.ready = false
		c.readyCh = make(chan struct{})
	}
}

func (c *Client) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Client) consumeSawReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	saw := c.sawReady
	c.sawReady = false
	return saw
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
