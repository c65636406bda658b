package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/loreline/streamchat/config"
	"github.com/loreline/streamchat/internal/adapter/pubsub"
	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/emotes"
	"github.com/loreline/streamchat/internal/eventsub"
	"github.com/loreline/streamchat/internal/helix"
	"github.com/loreline/streamchat/internal/irc"
	"github.com/loreline/streamchat/internal/session"
)

// Identity is the authenticated account the process acts as. The zero
// value means anonymous read-only operation.
type Identity struct {
	UserID string
	Login  string
}

func NewApp(cfg *config.Config, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(
			ProvideLogger,
			ProvideIdentity,
			ProvidePipeline,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		helix.Module,
		pubsub.Module,
		session.Module,
		emotes.Module,
		fx.Invoke(runTransports),
	}
	return fx.New(append(opts, extra...)...)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// ProvideIdentity validates the configured token and resolves who the
// process speaks as. Without a token the identity stays anonymous.
func ProvideIdentity(cfg *config.Config, client *helix.Client, logger *slog.Logger) (Identity, error) {
	if cfg.Anonymous() {
		logger.Info("running anonymously; chat is read-only")
		return Identity{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := client.ValidateToken(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("validate token: %w", err)
	}
	logger.Info("authenticated", "login", info.Login, "user_id", info.UserID)
	return Identity{UserID: info.UserID, Login: info.Login}, nil
}

// Pipeline bundles the two transports and the session manager that routes
// between them.
type Pipeline struct {
	fx.Out

	Chat    *irc.Client
	Notify  *eventsub.Conn
	Manager *session.Manager
}

func ProvidePipeline(
	cfg *config.Config,
	identity Identity,
	client *helix.Client,
	history *session.History,
	dispatcher pubsub.Dispatcher,
	logger *slog.Logger,
) Pipeline {
	// The manager and the transports reference each other; the handlers
	// only fire once the transports run, after the manager is assigned.
	var manager *session.Manager

	chatOpts := []irc.Option{
		irc.WithLogger(logger),
		irc.WithMessageHandler(func(m *irc.Message) { manager.HandleIRCMessage(m) }),
		irc.WithConnectHandler(func() { manager.HandleConnect() }),
		irc.WithDisconnectHandler(func() { manager.HandleDisconnect() }),
	}
	if cfg.Chat.IRCEndpoint != "" {
		chatOpts = append(chatOpts, irc.WithEndpoint(cfg.Chat.IRCEndpoint))
	}
	if !cfg.Anonymous() {
		chatOpts = append(chatOpts, irc.WithCredentials(identity.Login, cfg.Auth.Token))
	}
	chat := irc.NewClient(chatOpts...)

	subscriber := eventsub.NewSubscriber(client, logger)

	notifyOpts := []eventsub.ConnOption{
		eventsub.WithLogger(logger),
		eventsub.WithNotificationHandler(func(n *event.Notification) { manager.HandleNotification(n) }),
		eventsub.WithDisconnectHandler(func() { manager.HandleDisconnect() }),
		eventsub.WithSessionHandler(func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			subscriber.SetSession(ctx, sessionID)
		}),
	}
	if cfg.Chat.EventSubEndpoint != "" {
		notifyOpts = append(notifyOpts, eventsub.WithEndpoint(cfg.Chat.EventSubEndpoint))
	}
	notify := eventsub.NewConn(notifyOpts...)

	manager = session.NewManager(chat, subscriber, client, history, dispatcher, identity.UserID, logger)

	return Pipeline{Chat: chat, Notify: notify, Manager: manager}
}

// runTransports ties the connection loops to the application lifecycle.
func runTransports(
	lc fx.Lifecycle,
	identity Identity,
	chat *irc.Client,
	notify *eventsub.Conn,
	dispatcher pubsub.Dispatcher,
	logger *slog.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := chat.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("chat transport stopped", "error", err)
				}
			}()
			if identity.UserID != "" {
				go func() {
					if err := notify.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error("notification transport stopped", "error", err)
					}
				}()
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			chat.Close()
			notify.Close()
			return dispatcher.Close()
		},
	})
}

// serveHTTP exposes the local HTTP surface; wired by the serve command.
func serveHTTP(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("http listening", "addr", cfg.HTTP.Addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
