package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("DATA_DIR", "")
	t.Setenv("COMMAND_PREFIX", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CommandPrefix != "!" {
		t.Errorf("CommandPrefix = %q, want !", cfg.CommandPrefix)
	}
	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want data", cfg.DataDir)
	}
	if cfg.MemoryChannel != "bot-mem" {
		t.Errorf("MemoryChannel = %q, want bot-mem", cfg.MemoryChannel)
	}
	if cfg.AppealsPath != "data/appeals.json" {
		t.Errorf("AppealsPath = %q, want data/appeals.json", cfg.AppealsPath)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestValidateBotReady(t *testing.T) {
	t.Setenv("BOT_TOKEN", "tok")
	cfg, _ := Load()
	if err := cfg.ValidateBotReady(); err != nil {
		t.Errorf("expected valid bot config, got %v", err)
	}
	if err := os.Unsetenv("BOT_TOKEN"); err != nil {
		t.Fatalf("failed to unset BOT_TOKEN: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateBotReady(); err == nil {
		t.Errorf("expected error when BOT_TOKEN missing")
	}
}

func TestFeedEnabled(t *testing.T) {
	t.Setenv("YT_API_KEY", "k")
	t.Setenv("YT_FEED_CHANNEL", "c")
	t.Setenv("FEED_ANNOUNCE_CHANNEL", "a")
	t.Setenv("FEED_COMMUNITY", "g")
	cfg, _ := Load()
	if !cfg.FeedEnabled() {
		t.Error("expected feed enabled with all four envs set")
	}
	t.Setenv("YT_API_KEY", "")
	cfg, _ = Load()
	if cfg.FeedEnabled() {
		t.Error("expected feed disabled without API key")
	}
}
