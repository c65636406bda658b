package emotes

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/loreline/streamchat/config"
)

var Module = fx.Module("emotes",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Resolver {
			var providers []Provider
			for _, name := range cfg.Emotes.Providers {
				switch name {
				case "bttv":
					providers = append(providers, NewBTTV("", nil))
				case "ffz":
					providers = append(providers, NewFFZ("", nil))
				default:
					logger.Warn("unknown emote provider", "name", name)
				}
			}
			return NewResolver(providers, logger)
		},
	),
)
