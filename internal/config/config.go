// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Twitch TwitchConfig `mapstructure:"twitch"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Alerts AlertsConfig `mapstructure:"alerts"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig holds HTTP server and storage configuration.
type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	DBPath string `mapstructure:"db_path"`
}

// TwitchConfig holds Twitch application credentials and reward targeting.
type TwitchConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`

	// Reward ids whose redemptions enqueue a viewer. Empty disables the
	// EventSub feed entirely; the queue then only serves manual admin ops.
	TargetRewardIDs []string `mapstructure:"target_reward_ids"`

	// Optional reward id that removes a viewer's active entry without
	// recording participation.
	CancelRewardID string `mapstructure:"cancel_reward_id"`

	// Cache lifetime for user profiles in seconds. 0 forces a live Helix
	// fetch on every lookup.
	UserCacheTTLSecs int64 `mapstructure:"user_cache_ttl_secs"`

	// Serve a stale cached profile when the live lookup fails instead of
	// failing the triggering event.
	ServeStaleOnError bool `mapstructure:"serve_stale_on_error"`
}

// QueueConfig holds fairness and deduplication tuning.
type QueueConfig struct {
	// Lookback window for counting completed participations. 0 disables
	// the fairness bias (pure FIFO).
	ParticipationWindowSecs int64 `mapstructure:"participation_window_secs"`

	// Retention for processed EventSub message ids. Must exceed the
	// maximum plausible redelivery delay or duplicates can slip through
	// after pruning.
	ProcessedMessageTTLSecs int64 `mapstructure:"processed_message_ttl_secs"`
}

// AlertsConfig holds the optional Telegram operator alert channel.
type AlertsConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.db_path", "./data/app.db")
	v.SetDefault("twitch.redirect_url", "http://localhost:3000/auth/callback")
	v.SetDefault("twitch.user_cache_ttl_secs", 86400)
	v.SetDefault("twitch.serve_stale_on_error", true)
	v.SetDefault("queue.participation_window_secs", 86400)
	v.SetDefault("queue.processed_message_ttl_secs", 86400)
	v.SetDefault("log.level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Twitch.ClientID != "" && c.Twitch.ClientSecret == "" {
		return fmt.Errorf("twitch.client_secret is required when twitch.client_id is set")
	}
	if c.Queue.ParticipationWindowSecs < 0 {
		return fmt.Errorf("queue.participation_window_secs must not be negative")
	}
	if c.Queue.ProcessedMessageTTLSecs <= 0 {
		return fmt.Errorf("queue.processed_message_ttl_secs must be positive")
	}
	for _, id := range c.Twitch.TargetRewardIDs {
		if c.Twitch.CancelRewardID != "" && id == c.Twitch.CancelRewardID {
			return fmt.Errorf("twitch.cancel_reward_id must not appear in twitch.target_reward_ids")
		}
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FeedEnabled reports whether any target reward id is configured for the
// EventSub feed. A cancel reward alone does not enable the feed.
func (c *Config) FeedEnabled() bool {
	return len(c.Twitch.TargetRewardIDs) > 0
}
