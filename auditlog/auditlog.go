// Package auditlog delivers moderation events to each community's audit
// channel. Delivery is best-effort: a failed audit post is logged locally and
// never blocks the state transition it describes.
package auditlog

import (
	"context"
	"log/slog"

	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/settings"
)

// Kind tags an audit event; the tag picks the message prefix.
type Kind string

const (
	KindWarn   Kind = "warn"
	KindMute   Kind = "mute"
	KindUnmute Kind = "unmute"
	KindKick   Kind = "kick"
	KindBan    Kind = "ban"
	KindInfo   Kind = "info"
	KindFail   Kind = "fail"
)

var prefixes = map[Kind]string{
	KindWarn:   "⚠️",
	KindMute:   "🔇",
	KindUnmute: "🔊",
	KindKick:   "👢",
	KindBan:    "🔨",
	KindInfo:   "ℹ️",
	KindFail:   "❌",
}

// Logger posts audit lines to the configured log channel.
type Logger struct {
	g        gateway.Gateway
	settings *settings.Provider
}

func New(g gateway.Gateway, sp *settings.Provider) *Logger {
	return &Logger{g: g, settings: sp}
}

// Log sends one audit line. Missing configuration or a send failure only
// produces a local log entry.
func (l *Logger) Log(ctx context.Context, community string, kind Kind, text string) {
	channelID := l.settings.Thresholds().LogChannelID
	if channelID == "" {
		slog.Debug("audit channel not configured", slog.String("community", community))
		return
	}
	prefix, ok := prefixes[kind]
	if !ok {
		prefix = prefixes[KindInfo]
	}
	if _, err := l.g.SendMessage(ctx, channelID, prefix+" "+text); err != nil {
		slog.Warn("audit post failed",
			slog.String("community", community),
			slog.String("kind", string(kind)),
			slog.Any("err", err),
			slog.String("component", "auditlog"))
	}
}
