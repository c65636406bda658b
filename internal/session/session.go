// Package session owns the per-channel chat pipeline: the bounded event
// log, deletion handling, historical backfill and the subscription set
// against the notification service.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/eventsub"
	"github.com/loreline/streamchat/internal/helix"
	"github.com/loreline/streamchat/internal/irc"
)

// ChatTransport is the live line-protocol connection shared by all sessions.
type ChatTransport interface {
	Join(channel string)
	Part(channel string)
	Say(channel, text string) error
}

// Subscriptions manages the notification-protocol subscription set.
type Subscriptions interface {
	Add(ctx context.Context, key string, req eventsub.SubscriptionRequest) error
	Remove(ctx context.Context, key string) error
}

// Directory resolves channel logins to accounts.
type Directory interface {
	User(ctx context.Context, login string) (*helix.User, error)
}

// Backfiller fetches historical events for a channel within a time window.
type Backfiller interface {
	Fetch(ctx context.Context, login string, after, before time.Time) ([]*event.Event, error)
}

// Publisher fans appended events out to live consumers.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev *event.Event) error
}

// Manager routes the shared connections' traffic to per-channel sessions.
type Manager struct {
	chat      ChatTransport
	subs      Subscriptions
	directory Directory
	history   Backfiller
	publisher Publisher
	selfID    string
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires the shared collaborators. selfID is the authenticated
// user's account id; empty means an anonymous read-only session, which
// skips notification subscriptions entirely.
func NewManager(
	chat ChatTransport,
	subs Subscriptions,
	directory Directory,
	history Backfiller,
	publisher Publisher,
	selfID string,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		chat:      chat,
		subs:      subs,
		directory: directory,
		history:   history,
		publisher: publisher,
		selfID:    selfID,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Open starts a session for a channel. A login that resolves to no account
// fails with helix.ErrUserNotFound; the caller renders that as an error
// state, not a stream event. Opening an already-open channel returns the
// existing session.
func (m *Manager) Open(ctx context.Context, login string) (*Session, error) {
	login = strings.ToLower(strings.TrimPrefix(login, "#"))

	m.mu.Lock()
	if s, ok := m.sessions[login]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	user, err := m.directory.User(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", login, err)
	}

	s := &Session{
		channel:     login,
		broadcaster: *user,
		log:         NewLog(DefaultLogCapacity),
		manager:     m,
		logger:      m.logger.With("channel", login),
	}

	m.mu.Lock()
	m.sessions[login] = s
	m.mu.Unlock()

	m.chat.Join(login)
	m.subscribe(ctx, s)

	go s.backfill(context.WithoutCancel(ctx))

	return s, nil
}

func (m *Manager) subscribe(ctx context.Context, s *Session) {
	if m.selfID == "" {
		return
	}

	for key, req := range s.subscriptionSet(m.selfID) {
		if err := m.subs.Add(ctx, key, req); err != nil {
			m.logger.Error("session: subscribe failed", "channel", s.channel, "key", key, "error", err)
			s.AddSystemMessage("Could not subscribe to channel events.")
		}
	}
}

// HandleIRCMessage routes one inbound line-protocol message to the session
// of the channel it names. Register it as the chat transport's message
// handler.
func (m *Manager) HandleIRCMessage(msg *irc.Message) {
	s := m.session(channelOf(msg))
	if s == nil {
		return
	}

	if d, ok := event.DeletionFromIRC(msg); ok {
		s.apply(d)
	}
	if ev := event.FromIRC(msg); ev != nil {
		s.emit(ev)
	}
}

// HandleNotification routes one notification-protocol event. The normalizer
// drops events for broadcasters without an open session.
func (m *Manager) HandleNotification(n *event.Notification) {
	for _, s := range m.snapshot() {
		if ev := event.FromNotification(n, s.broadcaster.ID); ev != nil {
			s.emit(ev)
			return
		}
	}
}

// HandleConnect reports connectivity and backfills the gap in every open
// session. Register it as the chat transport's connect handler.
func (m *Manager) HandleConnect() {
	for _, s := range m.snapshot() {
		s.AddSystemMessage("Connected to chat.")
		go s.backfill(context.Background())
	}
}

// HandleDisconnect reports the loss in every open session.
func (m *Manager) HandleDisconnect() {
	for _, s := range m.snapshot() {
		s.AddSystemMessage("Disconnected from chat.")
	}
}

func (m *Manager) session(channel string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[channel]
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) remove(channel string) {
	m.mu.Lock()
	delete(m.sessions, channel)
	m.mu.Unlock()
}

func channelOf(msg *irc.Message) string {
	if len(msg.Params) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(msg.Params[0], "#"))
}

// Session is one channel's view of the chat stream.
type Session struct {
	channel     string
	broadcaster helix.User
	log         *Log
	manager     *Manager
	logger      *slog.Logger

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

// Channel returns the channel login the session is bound to.
func (s *Session) Channel() string { return s.channel }

// Broadcaster returns the resolved channel account.
func (s *Session) Broadcaster() helix.User { return s.broadcaster }

// Events returns the current ordered event list, oldest first.
func (s *Session) Events() []*event.Event { return s.log.Events() }

// Say sends a chat message to the channel.
func (s *Session) Say(text string) error {
	if s.isClosed() {
		return fmt.Errorf("session %s is closed", s.channel)
	}
	return s.manager.chat.Say(s.channel, text)
}

// AddSystemMessage injects a client-local informational message into the
// stream. System messages are never historical and never deleted.
func (s *Session) AddSystemMessage(text string) {
	s.emit(&event.Event{
		ID:        uuid.NewString(),
		Type:      event.TypeSystem,
		Timestamp: time.Now().UTC(),
		System:    &event.System{Text: text},
	})
}

// Close leaves the channel, drops the subscriptions best-effort and seals
// the buffer; a backfill completing afterwards is discarded. Closing twice
// is a no-op.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.manager.remove(s.channel)
	s.manager.chat.Part(s.channel)

	if s.manager.selfID != "" {
		for key := range s.subscriptionSet(s.manager.selfID) {
			if err := s.manager.subs.Remove(ctx, key); err != nil {
				s.logger.Warn("session: unsubscribe failed", "key", key, "error", err)
			}
		}
	}
}

func (s *Session) subscriptionSet(selfID string) map[string]eventsub.SubscriptionRequest {
	cond := map[string]string{
		"broadcaster_user_id": s.broadcaster.ID,
		"user_id":             selfID,
	}
	return map[string]eventsub.SubscriptionRequest{
		"chat:" + s.broadcaster.ID: {
			Type: event.SubChatMessage, Version: "1", Condition: cond,
		},
		"notice:" + s.broadcaster.ID: {
			Type: event.SubChatNotification, Version: "1", Condition: cond,
		},
		"redeem:" + s.broadcaster.ID: {
			Type: event.SubRedemptionAdd, Version: "1",
			Condition: map[string]string{"broadcaster_user_id": s.broadcaster.ID},
		},
	}
}

func (s *Session) emit(ev *event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.log.Append(ev)
	if !ev.Historical && ev.Type != event.TypeSystem && ev.Timestamp.After(s.lastSeen) {
		s.lastSeen = ev.Timestamp
	}
	s.mu.Unlock()

	s.publish(ev)
}

func (s *Session) apply(d event.Deletion) {
	if s.isClosed() {
		return
	}
	if n := s.log.Apply(d); n > 0 {
		s.logger.Debug("session: marked events deleted", "count", n)
	}
}

// backfill fetches the messages sent while no connection was live and
// merges them in. It runs once per connected transition; results arriving
// after Close are discarded.
func (s *Session) backfill(ctx context.Context) {
	s.mu.Lock()
	after := s.lastSeen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	events, err := s.manager.history.Fetch(ctx, s.channel, after, time.Now())
	if err != nil {
		s.logger.Warn("session: backfill failed", "error", err)
		if !s.isClosed() {
			s.AddSystemMessage("Could not fetch recent messages.")
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.log.Merge(events)
	s.mu.Unlock()

	for _, ev := range events {
		s.publish(ev)
	}
}

func (s *Session) publish(ev *event.Event) {
	if s.manager.publisher == nil {
		return
	}
	if err := s.manager.publisher.Publish(context.Background(), s.channel, ev); err != nil {
		s.logger.Warn("session: publish failed", "error", err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
