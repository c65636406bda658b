// Package config loads the process configuration from an optional YAML file
// overlaid with STREAMCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Auth struct {
		ClientID string `mapstructure:"client_id"`
		Token    string `mapstructure:"token"`
	} `mapstructure:"auth"`

	Chat struct {
		IRCEndpoint      string `mapstructure:"irc_endpoint"`
		EventSubEndpoint string `mapstructure:"eventsub_endpoint"`
		HistoryEndpoint  string `mapstructure:"history_endpoint"`
	} `mapstructure:"chat"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Emotes struct {
		Providers []string `mapstructure:"providers"`
	} `mapstructure:"emotes"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	v *viper.Viper
}

// Anonymous reports whether the process runs without credentials: read-only
// chat over the line protocol, no notification subscriptions, no sends.
func (c *Config) Anonymous() bool {
	return c.Auth.Token == ""
}

// Load reads the configuration. path may be empty; the file is optional and
// environment variables alone are a valid configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STREAMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("chat.irc_endpoint", "")
	v.SetDefault("chat.eventsub_endpoint", "")
	v.SetDefault("chat.history_endpoint", "")
	v.SetDefault("http.addr", "127.0.0.1:8831")
	v.SetDefault("emotes.providers", []string{"bttv", "ffz"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("streamchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/streamchat")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Watch re-reads the file on change and hands the fresh configuration to
// onChange. Malformed edits are reported through onError and the previous
// configuration stays in effect.
func (c *Config) Watch(onChange func(*Config), onError func(error)) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(fresh)
	})
	c.v.WatchConfig()
}
