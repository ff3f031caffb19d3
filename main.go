// Command modwarden is the main entrypoint for the moderation bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the chat platform session and loads persisted flag state.
//   - Starts background jobs: flag flush, full resync, appeal sweep,
//     settings and keyword reloads, XP push, and the upload feed watcher.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM with a final state flush.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/onnwee/modwarden/appeal"
	"github.com/onnwee/modwarden/auditlog"
	"github.com/onnwee/modwarden/config"
	"github.com/onnwee/modwarden/detector"
	"github.com/onnwee/modwarden/engine"
	"github.com/onnwee/modwarden/feedwatch"
	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/ledger"
	"github.com/onnwee/modwarden/leveling"
	"github.com/onnwee/modwarden/lockdown"
	"github.com/onnwee/modwarden/scheduler"
	"github.com/onnwee/modwarden/server"
	"github.com/onnwee/modwarden/settings"
	"github.com/onnwee/modwarden/store"
	"github.com/onnwee/modwarden/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("bot not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("modwarden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	sp, err := settings.New(cfg.SettingsPath)
	if err != nil {
		slog.Error("settings load failed", slog.String("path", cfg.SettingsPath), slog.Any("err", err))
		os.Exit(1)
	}
	det := detector.NewKeywordDetector(cfg.KeywordsPath)

	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		slog.Error("session create failed", slog.Any("err", err))
		os.Exit(1)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	g := gateway.NewDiscord(session)
	l := ledger.New()
	st := store.New(g, cfg.DataDir, cfg.MemoryChannel)
	audit := auditlog.New(g, sp)
	lockdowns := lockdown.NewManager(g, l, sp, audit)
	appeals := appeal.NewManager(g, l, sp, audit, cfg.AppealsPath)
	if err := appeals.Load(); err != nil {
		slog.Error("appeals load failed", slog.Any("err", err))
		os.Exit(1)
	}
	xp := leveling.NewTracker(g, st, cfg.DataDir)
	if err := xp.ReloadRewards(); err != nil {
		slog.Warn("reward config load failed", slog.Any("err", err))
	}

	eng := engine.New(g, det, l, st, sp, audit, lockdowns, appeals, cfg.CommandPrefix)
	eng.XP = xp

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		go eng.OnMessage(ctx, engine.IncomingMessage{
			CommunityID: m.GuildID,
			ChannelID:   m.ChannelID,
			MessageID:   m.ID,
			AuthorID:    m.Author.ID,
			AuthorIsBot: m.Author.Bot,
			Content:     m.Content,
		})
	})
	session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		go eng.OnReaction(ctx, engine.Reaction{
			CommunityID: r.GuildID,
			ChannelID:   r.ChannelID,
			MessageID:   r.MessageID,
			UserID:      r.UserID,
			Emoji:       r.Emoji.Name,
		})
	})
	session.AddHandler(func(s *discordgo.Session, ready *discordgo.Ready) {
		communities := make([]string, 0, len(ready.Guilds))
		for _, gld := range ready.Guilds {
			communities = append(communities, gld.ID)
		}
		slog.Info("session ready", slog.Int("communities", len(communities)))
		go func() {
			eng.InitCommunities(ctx, communities)
			for _, c := range communities {
				if err := xp.Load(ctx, c); err != nil {
					slog.Warn("xp load failed", slog.String("community", c), slog.Any("err", err))
				}
			}
		}()
	})

	if err := session.Open(); err != nil {
		slog.Error("session open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("session close failed", slog.Any("err", err))
		}
	}()

	sched := scheduler.New()
	sched.Register("flag-flush", 5*time.Second, eng.FlushDirty)
	sched.Register("full-resync", time.Minute, eng.Resync)
	sched.Register("appeal-sweep", time.Minute, appeals.Sweep)
	sched.Register("settings-reload", time.Minute, func(context.Context) error { return sp.Reload() })
	sched.Register("keyword-reload", time.Minute, func(context.Context) error { return det.Reload() })
	sched.Register("xp-push", time.Minute, xp.Push)

	if cfg.FeedEnabled() {
		svc, err := feedwatch.NewYouTubeService(ctx, cfg.YTAPIKey)
		if err != nil {
			slog.Error("feed watcher init failed", slog.Any("err", err))
		} else {
			watcher := feedwatch.NewWatcher(g, svc, cfg.YTFeedChannel, cfg.FeedCommunityID, cfg.FeedAnnounceID)
			sched.Register("feed-poll", 5*time.Minute, watcher.Poll)
		}
	}
	sched.Start(ctx)

	go func() {
		if err := server.Start(ctx, server.Deps{
			Ledger:    l,
			Appeals:   appeals,
			Lockdowns: lockdowns,
			StartedAt: time.Now(),
		}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	sched.Wait()

	// Final flush so nothing accumulated since the last tick is lost.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := eng.FlushDirty(flushCtx); err != nil {
		slog.Error("final flush failed", slog.Any("err", err))
	}
	if err := xp.Push(flushCtx); err != nil {
		slog.Error("final xp push failed", slog.Any("err", err))
	}
}
