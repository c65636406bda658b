package helix

import (
	"go.uber.org/fx"

	"github.com/loreline/streamchat/config"
)

var Module = fx.Module("helix",
	fx.Provide(
		func(cfg *config.Config) *Client {
			return NewClient(cfg.Auth.ClientID, cfg.Auth.Token)
		},
	),
)
