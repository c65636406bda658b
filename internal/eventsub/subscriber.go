package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SubscriptionAPI creates and deletes subscriptions on the notification
// service's management API.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sessionID string, req SubscriptionRequest) (string, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// SubscriptionRequest describes one desired subscription.
type SubscriptionRequest struct {
	Type      string
	Version   string
	Condition map[string]string
}

// SubscriptionError reports a failed create or delete for one subscription
// type. The desired set keeps the entry so the next session retries it.
type SubscriptionError struct {
	Type string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("eventsub: subscription %s: %v", e.Type, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Subscriber keeps a desired set of subscriptions in sync with the current
// websocket session. Subscriptions are bound to a session id, so every fresh
// session re-creates the whole set.
type Subscriber struct {
	api    SubscriptionAPI
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	wanted    map[string]SubscriptionRequest
	active    map[string]string // key -> subscription id
}

func NewSubscriber(api SubscriptionAPI, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		api:    api,
		logger: logger,
		wanted: make(map[string]SubscriptionRequest),
		active: make(map[string]string),
	}
}

// SetSession binds the subscriber to a fresh session and re-creates every
// wanted subscription against it. Subscriptions of the previous session died
// with it; there is nothing to delete.
func (s *Subscriber) SetSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.active = make(map[string]string)
	wanted := make(map[string]SubscriptionRequest, len(s.wanted))
	for k, v := range s.wanted {
		wanted[k] = v
	}
	s.mu.Unlock()

	for key, req := range wanted {
		if err := s.create(ctx, sessionID, key, req); err != nil {
			s.logger.Error("eventsub: resubscribe failed", "key", key, "error", err)
		}
	}
}

// Add registers a subscription under a caller-chosen key and creates it
// immediately if a session is live. Adding an existing key is a no-op.
func (s *Subscriber) Add(ctx context.Context, key string, req SubscriptionRequest) error {
	s.mu.Lock()
	if _, ok := s.wanted[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.wanted[key] = req
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	return s.create(ctx, sessionID, key, req)
}

// Remove drops a subscription and deletes it from the service if active.
func (s *Subscriber) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.wanted, key)
	id, ok := s.active[key]
	delete(s.active, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.api.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

func (s *Subscriber) create(ctx context.Context, sessionID, key string, req SubscriptionRequest) error {
	id, err := s.api.CreateSubscription(ctx, sessionID, req)
	if err != nil {
		return &SubscriptionError{Type: req.Type, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != sessionID {
		// Session rotated while the call was in flight; the subscription
		// died with the old session.
		return nil
	}
	if _, ok := s.wanted[key]; !ok {
		// Removed while in flight.
		go s.api.DeleteSubscription(context.WithoutCancel(ctx), id)
		return nil
	}
	s.active[key] = id
	return nil
}
