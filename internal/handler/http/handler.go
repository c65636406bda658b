// Package http exposes the chat pipeline over a local HTTP surface: an
// event-log snapshot per channel, a websocket stream of live events, and a
// send endpoint.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/loreline/streamchat/internal/adapter/pubsub"
	"github.com/loreline/streamchat/internal/helix"
	"github.com/loreline/streamchat/internal/session"
)

type Handler struct {
	logger     *slog.Logger
	manager    *session.Manager
	dispatcher pubsub.Dispatcher
	upgrader   websocket.Upgrader
}

func NewHandler(logger *slog.Logger, manager *session.Manager, dispatcher pubsub.Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		manager:    manager,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Route("/channels/{login}", func(r chi.Router) {
		r.Get("/events", h.Events)
		r.Get("/ws", h.Stream)
		r.Post("/messages", h.Send)
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Events returns the channel's current event log, oldest first. The channel
// session is opened on first access.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Events()); err != nil {
		h.logger.Error("http: encode events failed", "error", err)
	}
}

// Stream upgrades to a websocket and forwards live events as they land in
// the channel's stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r)
	if !ok {
		return
	}

	events, err := h.dispatcher.Subscribe(r.Context(), s.Channel())
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("http: ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	h.logger.Info("http: ws stream opened", "channel", s.Channel())

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("http: marshal event failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("http: ws send failed", "error", err)
				return
			}
		}
	}
}

type sendRequest struct {
	Text string `json:"text"`
}

// Send posts a chat message to the channel.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}

	if err := s.Say(req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	login := chi.URLParam(r, "login")
	if login == "" {
		http.Error(w, "missing channel login", http.StatusBadRequest)
		return nil, false
	}

	s, err := h.manager.Open(r.Context(), login)
	if err != nil {
		if errors.Is(err, helix.ErrUserNotFound) {
			http.Error(w, "channel does not exist", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("http: open channel failed", "login", login, "error", err)
		http.Error(w, "failed to open channel", http.StatusBadGateway)
		return nil, false
	}
	return s, true
}
