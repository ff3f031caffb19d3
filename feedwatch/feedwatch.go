// Package feedwatch polls a YouTube channel's uploads playlist and announces
// new publications to a community channel. Each announcement is pinned and
// earlier feed pins are unpinned, so the pin list doubles as the de-dupe
// record across restarts.
package feedwatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/modwarden/gateway"
)

// Kind classifies one upload.
type Kind string

const (
	KindVideo    Kind = "video"
	KindShort    Kind = "short"
	KindStream   Kind = "stream"
	KindPremiere Kind = "premiere"
)

// shortMaxDuration is the cutoff below which a plain upload counts as a short.
const shortMaxDuration = 61 * time.Second

// pollBatch is how many recent playlist items each poll inspects.
const pollBatch = 5

// Upload is one classified playlist entry.
type Upload struct {
	VideoID  string
	Title    string
	Kind     Kind
	Duration time.Duration
}

// URL returns the public watch link, which is also the de-dupe key inside
// pinned announcements.
func (u Upload) URL() string {
	return "https://www.youtube.com/watch?v=" + u.VideoID
}

// NewYouTubeService builds the API client. An API key suffices; extra options
// (endpoint overrides for tests) are appended after it.
func NewYouTubeService(ctx context.Context, apiKey string, opts ...option.ClientOption) (*yt.Service, error) {
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return svc, nil
}

// Watcher polls one YouTube channel and posts to one community channel.
type Watcher struct {
	g          gateway.Gateway
	yt         *yt.Service
	feed       string // YouTube channel id
	community  string
	announceTo string // platform channel id

	uploadsPlaylist string          // cached after the first poll
	seen            map[string]bool // announced video ids, seeded from pins
}

func NewWatcher(g gateway.Gateway, svc *yt.Service, feedChannelID, community, announceChannelID string) *Watcher {
	return &Watcher{
		g:          g,
		yt:         svc,
		feed:       feedChannelID,
		community:  community,
		announceTo: announceChannelID,
		seen:       make(map[string]bool),
	}
}

// Poll fetches the newest playlist entries and announces anything not already
// pinned. Registered with the scheduler.
func (w *Watcher) Poll(ctx context.Context) error {
	playlist, err := w.uploadsPlaylistID(ctx)
	if err != nil {
		return err
	}

	items, err := w.yt.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(playlist).MaxResults(pollBatch).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("list uploads: %w", err)
	}
	if len(items.Items) == 0 {
		return nil
	}

	ids := make([]string, 0, len(items.Items))
	for _, it := range items.Items {
		if it.ContentDetails != nil && it.ContentDetails.VideoId != "" {
			ids = append(ids, it.ContentDetails.VideoId)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	videos, err := w.yt.Videos.List([]string{"snippet", "contentDetails", "liveStreamingDetails"}).
		Id(ids...).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("fetch video details: %w", err)
	}

	pins, err := w.g.PinnedMessages(ctx, w.announceTo)
	if err != nil {
		return fmt.Errorf("read feed pins: %w", err)
	}
	// pins survive restarts; fold them into the seen set
	for _, id := range ids {
		if alreadyAnnounced(pins, id) {
			w.seen[id] = true
		}
	}

	// oldest first so the newest upload ends up as the surviving pin
	for i := len(videos.Items) - 1; i >= 0; i-- {
		up := Classify(videos.Items[i])
		if w.seen[up.VideoID] {
			continue
		}
		if err := w.announce(ctx, up, pins); err != nil {
			slog.Warn("feed announcement failed",
				slog.String("video", up.VideoID), slog.Any("err", err), slog.String("component", "feedwatch"))
			continue
		}
		w.seen[up.VideoID] = true
		if pins, err = w.g.PinnedMessages(ctx, w.announceTo); err != nil {
			return fmt.Errorf("re-read feed pins: %w", err)
		}
	}
	return nil
}

func (w *Watcher) uploadsPlaylistID(ctx context.Context) (string, error) {
	if w.uploadsPlaylist != "" {
		return w.uploadsPlaylist, nil
	}
	resp, err := w.yt.Channels.List([]string{"contentDetails"}).Id(w.feed).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("resolve uploads playlist: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil {
		return "", fmt.Errorf("feed channel %s has no uploads playlist", w.feed)
	}
	w.uploadsPlaylist = resp.Items[0].ContentDetails.RelatedPlaylists.Uploads
	return w.uploadsPlaylist, nil
}

// announce posts the new upload, pins it, and unpins earlier feed pins.
func (w *Watcher) announce(ctx context.Context, up Upload, previous []gateway.Message) error {
	msg, err := w.g.SendMessage(ctx, w.announceTo, announcementText(up))
	if err != nil {
		return err
	}
	if err := w.g.PinMessage(ctx, w.announceTo, msg.ID); err != nil {
		return err
	}
	for _, p := range previous {
		if !strings.Contains(p.Content, "youtube.com/watch") {
			continue
		}
		if err := w.g.UnpinMessage(ctx, w.announceTo, p.ID); err != nil {
			slog.Debug("old feed pin removal failed", slog.String("message", p.ID), slog.Any("err", err))
		}
	}
	slog.Info("upload announced",
		slog.String("video", up.VideoID), slog.String("kind", string(up.Kind)), slog.String("component", "feedwatch"))
	return nil
}

func announcementText(up Upload) string {
	switch up.Kind {
	case KindStream:
		return fmt.Sprintf("🔴 **Live now:** %s\n%s", up.Title, up.URL())
	case KindPremiere:
		return fmt.Sprintf("🎬 **Premiere scheduled:** %s\n%s", up.Title, up.URL())
	case KindShort:
		return fmt.Sprintf("📱 **New short:** %s\n%s", up.Title, up.URL())
	default:
		return fmt.Sprintf("▶️ **New video:** %s\n%s", up.Title, up.URL())
	}
}

func alreadyAnnounced(pins []gateway.Message, videoID string) bool {
	for _, p := range pins {
		if strings.Contains(p.Content, "watch?v="+videoID) {
			return true
		}
	}
	return false
}

// Classify maps the API's video resource to an upload kind: anything with
// live details is a stream (live or ended) or a premiere (upcoming); plain
// uploads split into shorts and videos by duration.
func Classify(v *yt.Video) Upload {
	up := Upload{VideoID: v.Id, Kind: KindVideo}
	if v.Snippet != nil {
		up.Title = v.Snippet.Title
	}
	if v.ContentDetails != nil {
		up.Duration = ParseISODuration(v.ContentDetails.Duration)
	}
	if v.LiveStreamingDetails != nil {
		if v.Snippet != nil && v.Snippet.LiveBroadcastContent == "upcoming" {
			up.Kind = KindPremiere
		} else {
			up.Kind = KindStream
		}
		return up
	}
	if up.Duration > 0 && up.Duration < shortMaxDuration {
		up.Kind = KindShort
	}
	return up
}

// ParseISODuration reads the API's PT#H#M#S form. Malformed input yields zero.
func ParseISODuration(s string) time.Duration {
	s = strings.TrimPrefix(s, "PT")
	var total time.Duration
	num := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			num += string(r)
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0
		}
		switch r {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0
		}
		num = ""
	}
	return total
}
