package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"github.com/loreline/streamchat/config"
	"github.com/loreline/streamchat/internal/adapter/pubsub"
	"github.com/loreline/streamchat/internal/emotes"
	httphandler "github.com/loreline/streamchat/internal/handler/http"
	"github.com/loreline/streamchat/internal/handler/tui"
	"github.com/loreline/streamchat/internal/session"
)

const AppName = "streamchat"

var version = "0.0.0"

func Run() error {
	app := &cli.App{
		Name:    AppName,
		Usage:   "Twitch chat client core",
		Version: version,
		Commands: []*cli.Command{
			tailCmd(),
			serveCmd(),
		},
	}

	return app.Run(os.Args)
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the configuration file",
	}
}

func tailCmd() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Aliases:   []string{"t"},
		Usage:     "Follow a channel's chat in the terminal",
		ArgsUsage: "CHANNEL",
		Flags:     []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			channel := c.Args().First()
			if channel == "" {
				return fmt.Errorf("usage: %s tail CHANNEL", AppName)
			}

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			var (
				manager    *session.Manager
				dispatcher pubsub.Dispatcher
				resolver   *emotes.Resolver
			)
			app := NewApp(cfg, fx.Populate(&manager, &dispatcher, &resolver))

			startCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			defer app.Stop(context.Background())

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := manager.Open(ctx, channel)
			if err != nil {
				return fmt.Errorf("cannot open channel %q: %w", channel, err)
			}
			defer s.Close(context.Background())

			dict := resolver.ForChannel(ctx, s.Broadcaster().ID)

			view := tui.NewView(s, dispatcher, dict, ProvideLogger(cfg))
			if err := view.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Expose chat streams over a local HTTP API",
		Flags:   []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			logger := ProvideLogger(cfg)
			cfg.Watch(
				func(fresh *config.Config) {
					logger.Info("configuration reloaded", "log_level", fresh.Log.Level)
				},
				func(err error) {
					logger.Warn("configuration reload failed", "error", err)
				},
			)

			app := NewApp(cfg,
				fx.Provide(
					httphandler.NewHandler,
					func(h *httphandler.Handler) http.Handler { return h.Router() },
				),
				fx.Invoke(serveHTTP),
			)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}
