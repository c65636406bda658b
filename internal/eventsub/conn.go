package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loreline/streamchat/internal/domain/event"
)

// DefaultEndpoint is the notification service's websocket endpoint.
const DefaultEndpoint = "wss://eventsub.wss.twitch.tv/ws"

// reconnectDelay is how long to wait before redialing after an unexpected
// close. Server-directed handoffs skip it.
const reconnectDelay = 500 * time.Millisecond

// keepaliveGrace pads the advertised keepalive interval before the
// connection is considered dead.
const keepaliveGrace = 5 * time.Second

// Conn maintains a websocket session with the notification service. The
// server periodically migrates sessions: on a reconnect directive the new
// socket is established while the old one stays open, and the old one is
// dropped only once the replacement has been welcomed, so no notification
// window is lost.
type Conn struct {
	endpoint       string
	logger         *slog.Logger
	onNotification func(*event.Notification)
	onSession      func(sessionID string)
	onConnect      func()
	onDisconnect   func()

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type ConnOption func(*Conn)

func WithEndpoint(endpoint string) ConnOption {
	return func(c *Conn) { c.endpoint = endpoint }
}

func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// WithNotificationHandler registers the sink for incoming notifications. The
// handler runs on the read loop; it must not block.
func WithNotificationHandler(fn func(*event.Notification)) ConnOption {
	return func(c *Conn) { c.onNotification = fn }
}

// WithSessionHandler fires with the session id of every fresh session, the
// moment subscriptions need to be (re)established. Handoff sessions carry
// their subscriptions over and do not fire it.
func WithSessionHandler(fn func(sessionID string)) ConnOption {
	return func(c *Conn) { c.onSession = fn }
}

// WithConnectHandler fires on the first welcome of every fresh session
// lineage. Server-directed handoffs are a continuation, not a new
// connection, and stay silent.
func WithConnectHandler(fn func()) ConnOption {
	return func(c *Conn) { c.onConnect = fn }
}

// WithDisconnectHandler fires when an established session drops unexpectedly.
// Server-directed handoffs and intentional closes stay silent.
func WithDisconnectHandler(fn func()) ConnOption {
	return func(c *Conn) { c.onDisconnect = fn }
}

func NewConn(opts ...ConnOption) *Conn {
	c := &Conn{
		endpoint: DefaultEndpoint,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type frame struct {
	Metadata struct {
		MessageID   string `json:"message_id"`
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription event.Subscription `json:"subscription"`
	Event        json.RawMessage    `json:"event"`
}

// Run dials and serves the session until the context is cancelled or Close
// is called.
func (c *Conn) Run(ctx context.Context) error {
	dialURL := c.endpoint
	fresh := true
	var prev *websocket.Conn

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
		if err != nil {
			if prev != nil {
				prev.Close()
				prev = nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() {
				return nil
			}
			c.logger.Warn("eventsub: dial failed", "url", dialURL, "error", err)
			dialURL, fresh = c.endpoint, true
			if err := sleep(ctx, reconnectDelay); err != nil {
				return err
			}
			continue
		}

		c.setConn(conn)

		welcomed := func(sessionID string) {
			if prev != nil {
				prev.Close()
				prev = nil
			}
			c.logger.Info("eventsub: session established", "session_id", sessionID, "handoff", !fresh)
			if fresh {
				if c.onConnect != nil {
					c.onConnect()
				}
				if c.onSession != nil {
					c.onSession(sessionID)
				}
			}
		}

		reconnectURL, err := c.pump(ctx, conn, welcomed)

		if ctx.Err() != nil || c.isClosed() {
			c.setConn(nil)
			conn.Close()
			if prev != nil {
				prev.Close()
			}
			return ctx.Err()
		}

		if reconnectURL != "" {
			// Live handoff: the old socket stays open and keeps delivering
			// notifications; welcomed closes it once the replacement session
			// is up.
			go c.drainDuringHandoff(ctx, conn)
			prev, dialURL, fresh = conn, reconnectURL, false
			continue
		}

		c.setConn(nil)
		conn.Close()
		if prev != nil {
			prev.Close()
			prev = nil
		}

		c.logger.Warn("eventsub: connection lost", "error", err, "retry_in", reconnectDelay)
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		dialURL, fresh = c.endpoint, true
		if err := sleep(ctx, reconnectDelay); err != nil {
			return err
		}
	}
}

// drainDuringHandoff keeps reading a socket that has announced its migration.
// The service delivers notifications on it until the replacement session is
// welcomed and the socket is closed.
func (c *Conn) drainDuringHandoff(ctx context.Context, conn *websocket.Conn) {
	c.pump(ctx, conn, func(string) {})
}

func (c *Conn) pump(ctx context.Context, conn *websocket.Conn, welcomed func(sessionID string)) (string, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var keepalive time.Duration
	for {
		if keepalive > 0 {
			conn.SetReadDeadline(time.Now().Add(keepalive + keepaliveGrace))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("eventsub: dropping malformed frame", "error", err)
			continue
		}

		switch f.Metadata.MessageType {
		case "session_welcome":
			var p sessionPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return "", fmt.Errorf("welcome payload: %w", err)
			}
			keepalive = time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second
			welcomed(p.Session.ID)

		case "session_keepalive":
			// Deadline already refreshed above.

		case "session_reconnect":
			var p sessionPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return "", fmt.Errorf("reconnect payload: %w", err)
			}
			if p.Session.ReconnectURL == "" {
				return "", errors.New("reconnect directive without url")
			}
			return p.Session.ReconnectURL, nil

		case "notification":
			var p notificationPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				c.logger.Warn("eventsub: dropping malformed notification", "error", err)
				continue
			}
			if c.onNotification != nil {
				c.onNotification(&event.Notification{
					Subscription: p.Subscription,
					Event:        p.Event,
				})
			}

		case "revocation":
			var p notificationPayload
			if err := json.Unmarshal(f.Payload, &p); err == nil {
				c.logger.Warn("eventsub: subscription revoked",
					"subscription_id", p.Subscription.ID,
					"type", p.Subscription.Type)
			}

		default:
			c.logger.Debug("eventsub: ignoring frame", "type", f.Metadata.MessageType)
		}
	}
}

// Close ends the session for good.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Conn) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
