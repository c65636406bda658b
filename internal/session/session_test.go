package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/eventsub"
	"github.com/loreline/streamchat/internal/helix"
	"github.com/loreline/streamchat/internal/irc"
)

type fakeChat struct {
	mu     sync.Mutex
	joined []string
	parted []string
	said   []string
}

func (f *fakeChat) Join(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channel)
}

func (f *fakeChat) Part(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parted = append(f.parted, channel)
}

func (f *fakeChat) Say(channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+": "+text)
	return nil
}

type fakeSubs struct {
	mu      sync.Mutex
	added   map[string]eventsub.SubscriptionRequest
	removed []string
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{added: make(map[string]eventsub.SubscriptionRequest)}
}

func (f *fakeSubs) Add(_ context.Context, key string, req eventsub.SubscriptionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[key] = req
	return nil
}

func (f *fakeSubs) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return nil
}

type fakeDirectory struct {
	users map[string]*helix.User
}

func (f *fakeDirectory) User(_ context.Context, login string) (*helix.User, error) {
	if u, ok := f.users[login]; ok {
		return u, nil
	}
	return nil, helix.ErrUserNotFound
}

type fakeBackfiller struct {
	mu      sync.Mutex
	events  []*event.Event
	windows []time.Time // after values, in call order
	block   chan struct{}
}

func (f *fakeBackfiller) Fetch(_ context.Context, _ string, after, _ time.Time) ([]*event.Event, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, after)
	return f.events, nil
}

func (f *fakeBackfiller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

func newTestManager(t *testing.T, backfill *fakeBackfiller) (*Manager, *fakeChat, *fakeSubs) {
	t.Helper()
	chat := &fakeChat{}
	subs := newFakeSubs()
	dir := &fakeDirectory{users: map[string]*helix.User{
		"somechannel": {ID: "42", Login: "somechannel", DisplayName: "SomeChannel"},
	}}
	if backfill == nil {
		backfill = &fakeBackfiller{}
	}
	m := NewManager(chat, subs, dir, backfill, nil, "7", discardLogger())
	return m, chat, subs
}

func mustParse(t *testing.T, line string) *irc.Message {
	t.Helper()
	msg, err := irc.Parse(line)
	require.NoError(t, err)
	return msg
}

func TestManagerOpenJoinsAndSubscribes(t *testing.T) {
	m, chat, subs := newTestManager(t, nil)

	s, err := m.Open(context.Background(), "#SomeChannel")
	require.NoError(t, err)
	assert.Equal(t, "somechannel", s.Channel())
	assert.Equal(t, "42", s.Broadcaster().ID)

	chat.mu.Lock()
	assert.Equal(t, []string{"somechannel"}, chat.joined)
	chat.mu.Unlock()

	subs.mu.Lock()
	assert.Len(t, subs.added, 3)
	req := subs.added["chat:42"]
	subs.mu.Unlock()
	assert.Equal(t, event.SubChatMessage, req.Type)
	assert.Equal(t, "42", req.Condition["broadcaster_user_id"])
	assert.Equal(t, "7", req.Condition["user_id"])
}

func TestManagerOpenUnknownChannel(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	_, err := m.Open(context.Background(), "ghost")
	require.ErrorIs(t, err, helix.ErrUserNotFound)
}

func TestManagerOpenIsIdempotent(t *testing.T) {
	m, chat, _ := newTestManager(t, nil)

	a, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)
	b, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	assert.Same(t, a, b)
	chat.mu.Lock()
	assert.Len(t, chat.joined, 1)
	chat.mu.Unlock()
}

func TestManagerRoutesIRCMessages(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	m.HandleIRCMessage(mustParse(t,
		"@id=m1;user-id=10;display-name=Foo;tmi-sent-ts=1000 :foo!foo@foo.tmi.twitch.tv PRIVMSG #somechannel :hello"))
	m.HandleIRCMessage(mustParse(t,
		"@id=m2;user-id=10 :foo!foo@foo.tmi.twitch.tv PRIVMSG #otherchannel :elsewhere"))

	require.Eventuallyf(t, func() bool {
		for _, ev := range s.Events() {
			if ev.Type == event.TypeMessage {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "message event never appeared")

	for _, ev := range s.Events() {
		if ev.Type == event.TypeMessage {
			assert.Equal(t, "hello", ev.Message.Text)
		}
	}
}

func TestManagerAppliesDeletions(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	m.HandleIRCMessage(mustParse(t,
		"@id=m1;user-id=10;tmi-sent-ts=1000 :foo!foo@foo.tmi.twitch.tv PRIVMSG #somechannel :spam"))
	m.HandleIRCMessage(mustParse(t,
		"@id=m2;user-id=20;tmi-sent-ts=2000 :bar!bar@bar.tmi.twitch.tv PRIVMSG #somechannel :fine"))
	m.HandleIRCMessage(mustParse(t,
		"@ban-duration=60;target-user-id=10;tmi-sent-ts=3000 :tmi.twitch.tv CLEARCHAT #somechannel :foo"))

	var deleted, kept, narrations int
	for _, ev := range s.Events() {
		switch {
		case ev.Type == event.TypeMessage && ev.Deleted:
			deleted++
		case ev.Type == event.TypeMessage:
			kept++
		case ev.Type == event.TypeSystem:
			narrations++
		}
	}
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, kept)
	assert.GreaterOrEqual(t, narrations, 1)
}

func TestManagerRoutesNotificationsByBroadcaster(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	s, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	body := `{
		"broadcaster_user_id": "42",
		"chatter_user_id": "10", "chatter_user_login": "foo", "chatter_user_name": "Foo",
		"message_id": "n1", "color": "",
		"badges": [],
		"message": {"text": "over json", "fragments": [{"type": "text", "text": "over json"}]}
	}`
	m.HandleNotification(&event.Notification{
		Subscription: event.Subscription{ID: "sub-1", Type: event.SubChatMessage},
		Event:        json.RawMessage(body),
	})
	m.HandleNotification(&event.Notification{
		Subscription: event.Subscription{ID: "sub-2", Type: event.SubChatMessage},
		Event:        json.RawMessage(`{"broadcaster_user_id": "999", "message_id": "n2", "badges": [], "message": {"text": "x", "fragments": []}}`),
	})

	var texts []string
	for _, ev := range s.Events() {
		if ev.Type == event.TypeMessage {
			texts = append(texts, ev.Message.Text)
		}
	}
	assert.Equal(t, []string{"over json"}, texts)
}

func TestManagerConnectBackfillsGap(t *testing.T) {
	backfill := &fakeBackfiller{}
	m, _, _ := newTestManager(t, backfill)
	s, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return backfill.calls() == 1 }, time.Second, 10*time.Millisecond)

	// A live message advances the window for the next reconnect.
	sent := time.Now().Add(-time.Minute).UnixMilli()
	m.HandleIRCMessage(mustParse(t,
		"@id=m1;user-id=10;tmi-sent-ts="+strconv.FormatInt(sent, 10)+" :foo!foo@foo.tmi.twitch.tv PRIVMSG #somechannel :live"))

	m.HandleConnect()
	require.Eventually(t, func() bool { return backfill.calls() == 2 }, time.Second, 10*time.Millisecond)

	backfill.mu.Lock()
	first, second := backfill.windows[0], backfill.windows[1]
	backfill.mu.Unlock()
	assert.True(t, first.IsZero())
	assert.Equal(t, time.UnixMilli(sent).UTC(), second)

	var connected bool
	for _, ev := range s.Events() {
		if ev.Type == event.TypeSystem && ev.System.Text == "Connected to chat." {
			connected = true
		}
	}
	assert.True(t, connected)
}

func TestManagerDisconnectNarratesEverySession(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeBackfiller{})
	s, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	m.HandleDisconnect()

	var dropped int
	for _, ev := range s.Events() {
		if ev.Type == event.TypeSystem && ev.System.Text == "Disconnected from chat." {
			dropped++
		}
	}
	assert.Equal(t, 1, dropped)
}

func TestSessionCloseDiscardsLateBackfill(t *testing.T) {
	backfill := &fakeBackfiller{
		block: make(chan struct{}),
		events: []*event.Event{{
			ID: "late", Type: event.TypeMessage, Timestamp: time.Now(),
			Historical: true,
			Message:    &event.Message{Text: "too late"},
		}},
	}
	m, chat, subs := newTestManager(t, backfill)
	s, err := m.Open(context.Background(), "somechannel")
	require.NoError(t, err)

	s.Close(context.Background())
	close(backfill.block)

	require.Eventually(t, func() bool { return backfill.calls() == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Events(), "late backfill must not land in a closed buffer")

	chat.mu.Lock()
	assert.Equal(t, []string{"somechannel"}, chat.parted)
	chat.mu.Unlock()
	subs.mu.Lock()
	assert.Len(t, subs.removed, 3)
	subs.mu.Unlock()

	require.Error(t, s.Say("hi"))

	// Closing again is a no-op.
	s.Close(context.Background())
	subs.mu.Lock()
	assert.Len(t, subs.removed, 3)
	subs.mu.Unlock()
}
