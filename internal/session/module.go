package session

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/loreline/streamchat/config"
)

var Module = fx.Module("session",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *History {
			return NewHistory(cfg.Chat.HistoryEndpoint, nil, logger)
		},
	),
)
