package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline/streamchat/internal/domain/event"
)

func welcomeFrame(sessionID string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id": "w1", "message_type": "session_welcome"},
		"payload": {"session": {"id": %q, "keepalive_timeout_seconds": 10}}
	}`, sessionID)
}

func notificationFrame(subType, body string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id": "n1", "message_type": "notification"},
		"payload": {
			"subscription": {"id": "sub-1", "type": %q},
			"event": %s
		}
	}`, subType, body)
}

func TestConnWelcomeAndNotification(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame("sess-1")))
		conn.WriteMessage(websocket.TextMessage, []byte(notificationFrame(
			"channel.chat.message", `{"message_id": "abc", "chatter_user_login": "someuser"}`)))
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	notifications := make(chan *event.Notification, 4)
	sessions := make(chan string, 4)
	connects := make(chan struct{}, 4)

	c := NewConn(
		WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithNotificationHandler(func(n *event.Notification) { notifications <- n }),
		WithSessionHandler(func(id string) { sessions <- id }),
		WithConnectHandler(func() { connects <- struct{}{} }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case id := <-sessions:
		assert.Equal(t, "sess-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no session callback")
	}
	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("no connect callback")
	}

	select {
	case n := <-notifications:
		assert.Equal(t, "channel.chat.message", n.Subscription.Type)
		var body map[string]any
		require.NoError(t, json.Unmarshal(n.Event, &body))
		assert.Equal(t, "someuser", body["chatter_user_login"])
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
}

func TestConnHandoffSuppressesConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var srvURL atomic.Value // set after server start

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if r.URL.Query().Get("handoff") == "" {
			conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame("sess-1")))
			reconnect := fmt.Sprintf(`{
				"metadata": {"message_id": "r1", "message_type": "session_reconnect"},
				"payload": {"session": {"reconnect_url": %q}}
			}`, srvURL.Load().(string)+"?handoff=1")
			conn.WriteMessage(websocket.TextMessage, []byte(reconnect))
			// Stay open; the client closes us once the handoff completes.
			conn.ReadMessage()
			return
		}

		conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame("sess-2")))
		conn.WriteMessage(websocket.TextMessage, []byte(notificationFrame(
			"channel.chat.message", `{"message_id": "after-handoff"}`)))
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()
	srvURL.Store("ws" + strings.TrimPrefix(srv.URL, "http"))

	notifications := make(chan *event.Notification, 4)
	sessions := make(chan string, 4)
	var connectCount atomic.Int32

	c := NewConn(
		WithEndpoint(srvURL.Load().(string)),
		WithNotificationHandler(func(n *event.Notification) { notifications <- n }),
		WithSessionHandler(func(id string) { sessions <- id }),
		WithConnectHandler(func() { connectCount.Add(1) }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case id := <-sessions:
		assert.Equal(t, "sess-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial session")
	}

	select {
	case n := <-notifications:
		var body map[string]any
		require.NoError(t, json.Unmarshal(n.Event, &body))
		assert.Equal(t, "after-handoff", body["message_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after handoff")
	}

	// The handoff session is a continuation: no second connect, no second
	// session callback.
	assert.Equal(t, int32(1), connectCount.Load())
	select {
	case id := <-sessions:
		t.Fatalf("unexpected session callback for %s", id)
	default:
	}
}

func TestConnHandoffKeepsOldSocketUntilWelcome(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var srvURL atomic.Value
	oldClosed := make(chan time.Time, 1)
	newWelcome := make(chan time.Time, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if r.URL.Query().Get("handoff") == "" {
			conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame("sess-1")))
			reconnect := fmt.Sprintf(`{
				"metadata": {"message_id": "r1", "message_type": "session_reconnect"},
				"payload": {"session": {"reconnect_url": %q}}
			}`, srvURL.Load().(string)+"?handoff=1")
			conn.WriteMessage(websocket.TextMessage, []byte(reconnect))
			conn.WriteMessage(websocket.TextMessage, []byte(notificationFrame(
				"channel.chat.message", `{"message_id": "during-handoff"}`)))
			// Blocks until the client closes the socket.
			conn.ReadMessage()
			oldClosed <- time.Now()
			return
		}

		time.Sleep(300 * time.Millisecond)
		newWelcome <- time.Now()
		conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame("sess-2")))
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()
	srvURL.Store("ws" + strings.TrimPrefix(srv.URL, "http"))

	notifications := make(chan *event.Notification, 4)
	var disconnectCount atomic.Int32

	c := NewConn(
		WithEndpoint(srvURL.Load().(string)),
		WithNotificationHandler(func(n *event.Notification) { notifications <- n }),
		WithDisconnectHandler(func() { disconnectCount.Add(1) }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	// The old session keeps delivering while the replacement connects.
	select {
	case n := <-notifications:
		var body map[string]any
		require.NoError(t, json.Unmarshal(n.Event, &body))
		assert.Equal(t, "during-handoff", body["message_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no notification during handoff")
	}

	var welcomedAt, closedAt time.Time
	select {
	case welcomedAt = <-newWelcome:
	case <-time.After(5 * time.Second):
		t.Fatal("replacement session never welcomed")
	}
	select {
	case closedAt = <-oldClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("old socket never closed")
	}
	assert.False(t, closedAt.Before(welcomedAt),
		"old socket closed before the replacement session's welcome")
	assert.Equal(t, int32(0), disconnectCount.Load(), "handoff reported as a disconnect")
}

func TestConnReportsDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var dialCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := dialCount.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame(fmt.Sprintf("sess-%d", n))))
		if n == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	disconnects := make(chan struct{}, 4)
	c := NewConn(
		WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithDisconnectHandler(func() { disconnects <- struct{}{} }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case <-disconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
}

func TestConnReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var dialCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := dialCount.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(welcomeFrame(fmt.Sprintf("sess-%d", n))))
		if n == 1 {
			conn.Close() // unexpected drop
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	sessions := make(chan string, 4)
	c := NewConn(
		WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithSessionHandler(func(id string) { sessions <- id }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	for i, want := range []string{"sess-1", "sess-2"} {
		select {
		case id := <-sessions:
			assert.Equal(t, want, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("session %d never arrived", i+1)
		}
	}
}
