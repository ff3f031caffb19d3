// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For the required bot credential, use ValidateBotReady.
package config

import (
	"fmt"
	"os"
)

type Config struct {
	// Platform
	BotToken      string
	CommandPrefix string

	// Storage
	DataDir       string
	SettingsPath  string
	KeywordsPath  string
	AppealsPath   string
	MemoryChannel string

	// HTTP
	HTTPAddr string

	// YouTube feed watcher (optional; empty disables it)
	YTAPIKey        string
	YTFeedChannel   string
	FeedAnnounceID  string
	FeedCommunityID string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// the bot token is missing; use ValidateBotReady() before connecting. Missing
// optional variables disable features (e.g., the feed watcher).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	cfg.CommandPrefix = os.Getenv("COMMAND_PREFIX")
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.SettingsPath = os.Getenv("SETTINGS_PATH")
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "settings.yml"
	}
	cfg.KeywordsPath = os.Getenv("KEYWORDS_PATH")
	if cfg.KeywordsPath == "" {
		cfg.KeywordsPath = "banned-keywords.config"
	}
	cfg.AppealsPath = os.Getenv("APPEALS_PATH")
	if cfg.AppealsPath == "" {
		cfg.AppealsPath = cfg.DataDir + "/appeals.json"
	}
	cfg.MemoryChannel = os.Getenv("MEMORY_CHANNEL")
	if cfg.MemoryChannel == "" {
		cfg.MemoryChannel = "bot-mem"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.YTAPIKey = os.Getenv("YT_API_KEY")
	cfg.YTFeedChannel = os.Getenv("YT_FEED_CHANNEL")
	cfg.FeedAnnounceID = os.Getenv("FEED_ANNOUNCE_CHANNEL")
	cfg.FeedCommunityID = os.Getenv("FEED_COMMUNITY")

	return cfg, nil
}

// ValidateBotReady checks the fields required to open a platform session.
func (c *Config) ValidateBotReady() error {
	if c.BotToken == "" {
		return fmt.Errorf("missing bot env: require BOT_TOKEN")
	}
	return nil
}

// FeedEnabled reports whether the feed watcher has everything it needs.
func (c *Config) FeedEnabled() bool {
	return c.YTAPIKey != "" && c.YTFeedChannel != "" && c.FeedAnnounceID != "" && c.FeedCommunityID != ""
}
