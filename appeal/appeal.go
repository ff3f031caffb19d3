// Package appeal lets a flagged user contest a warning. The lifecycle per
// appeal is warned -> appealed -> accepted/rejected, with timed_out side
// exits when the user or the moderators miss their 24-hour window. The first
// moderator reaction decides; later reactions observe the changed status and
// become no-ops.
package appeal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/modwarden/auditlog"
	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/ledger"
	"github.com/onnwee/modwarden/settings"
	"github.com/onnwee/modwarden/store"
	"github.com/onnwee/modwarden/telemetry"
)

// Status is an appeal's lifecycle state.
type Status string

const (
	StatusWarned   Status = "warned"
	StatusAppealed Status = "appealed"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether no further transition applies.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusTimedOut
}

// Appeal is one warning and its contest state, keyed externally by the warn
// notice's message id.
type Appeal struct {
	UserID          string     `json:"user_id"`
	CommunityID     string     `json:"community_id"`
	WarnedAt        time.Time  `json:"warn_time"`
	Context         string     `json:"context"`
	Reason          string     `json:"reason"`
	Status          Status     `json:"status"`
	ReviewRequestID string     `json:"review_msg_id,omitempty"`
	ReviewTime      *time.Time `json:"review_time,omitempty"`
	ReviewerID      string     `json:"review_by,omitempty"`
}

const (
	// AckEmoji is what the warned user reacts with to open an appeal.
	AckEmoji = "⚠️"
	// AcceptEmoji / RejectEmoji are the moderator verdict reactions.
	AcceptEmoji = "✅"
	RejectEmoji = "❌"

	// contextPreviewLimit keeps the review post under the platform's
	// message length cap.
	contextPreviewLimit = 1900
)

// Manager owns the appeals table and its durable JSON file. Every mutation
// rewrites the file in full.
type Manager struct {
	g        gateway.Gateway
	ledger   *ledger.Ledger
	settings *settings.Provider
	audit    *auditlog.Logger
	path     string

	// Now is swappable for tests.
	Now func() time.Time
	// AckWindow and ReviewWindow default to 24 hours.
	AckWindow    time.Duration
	ReviewWindow time.Duration

	mu      sync.Mutex
	appeals map[string]*Appeal
}

func NewManager(g gateway.Gateway, l *ledger.Ledger, sp *settings.Provider, audit *auditlog.Logger, path string) *Manager {
	return &Manager{
		g:            g,
		ledger:       l,
		settings:     sp,
		audit:        audit,
		path:         path,
		Now:          time.Now,
		AckWindow:    24 * time.Hour,
		ReviewWindow: 24 * time.Hour,
		appeals:      make(map[string]*Appeal),
	}
}

// Load reads the appeals file. A missing file starts empty; a corrupt file is
// an error so a truncated table is never silently adopted.
func (m *Manager) Load() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read appeals: %w", err)
	}
	appeals := make(map[string]*Appeal)
	if err := json.Unmarshal(raw, &appeals); err != nil {
		return fmt.Errorf("parse appeals: %w", err)
	}
	m.mu.Lock()
	m.appeals = appeals
	m.mu.Unlock()
	return nil
}

// save rewrites the whole table. Callers hold m.mu.
func (m *Manager) save() {
	raw, err := json.MarshalIndent(m.appeals, "", "  ")
	if err != nil {
		slog.Error("appeals marshal failed", slog.Any("err", err), slog.String("component", "appeal"))
		return
	}
	if err := store.WriteFileAtomic(m.path, raw); err != nil {
		slog.Error("appeals save failed", slog.Any("err", err), slog.String("component", "appeal"))
	}
}

// OpenCount reports appeals not yet in a terminal state.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appeals {
		if !a.Status.Terminal() {
			n++
		}
	}
	return n
}

// Get returns a copy of the appeal keyed by the warn notice id.
func (m *Manager) Get(noticeID string) (Appeal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appeals[noticeID]
	if !ok {
		return Appeal{}, false
	}
	return *a, true
}

// OpenWarning delivers the warning notice to the user and records the appeal
// in status warned. If the notice cannot be delivered there is nothing for
// the user to react to, so no appeal is recorded; the failure is audited.
func (m *Manager) OpenWarning(ctx context.Context, community, userID, word, content string) {
	tmpl := m.settings.Thresholds().WarnTemplate
	body := strings.ReplaceAll(tmpl, "{word}", word)
	// keep the quoted context from breaking out of its code fence
	quoted := strings.ReplaceAll(content, "```", "´´´")
	notice := body + "\n\n```" + quoted + "```"

	msg, err := m.g.SendDirect(ctx, userID, notice)
	if err != nil {
		slog.Warn("warn notice delivery failed",
			slog.String("community", community), slog.String("user", userID), slog.Any("err", err))
		m.audit.Log(ctx, community, auditlog.KindFail, fmt.Sprintf("Warn notice to <@%s> could not be delivered", userID))
		return
	}
	if err := m.g.React(ctx, msg.ChannelID, msg.ID, AckEmoji); err != nil {
		slog.Debug("ack reaction failed", slog.Any("err", err))
	}

	m.mu.Lock()
	m.appeals[msg.ID] = &Appeal{
		UserID:      userID,
		CommunityID: community,
		WarnedAt:    m.Now(),
		Context:     content,
		Reason:      word,
		Status:      StatusWarned,
	}
	m.save()
	m.mu.Unlock()
}

// HandleAcknowledge processes the warned user's reaction on the warn notice.
// Valid only while the appeal is warned, from the warned user, with the ack
// emoji. Past the window the appeal times out instead of escalating.
func (m *Manager) HandleAcknowledge(ctx context.Context, noticeID, reactorID, emoji string) {
	if emoji != AckEmoji {
		return
	}

	m.mu.Lock()
	a, ok := m.appeals[noticeID]
	if !ok || a.Status != StatusWarned || a.UserID != reactorID {
		m.mu.Unlock()
		return
	}
	now := m.Now()
	if now.Sub(a.WarnedAt) > m.AckWindow {
		a.Status = StatusTimedOut
		a.ReviewTime = &now
		m.save()
		m.mu.Unlock()
		telemetry.RecordAppealOutcome(string(StatusTimedOut))
		m.notify(ctx, a.UserID, "❌ Appeal failed: the 24 hour appeal window has expired.")
		return
	}
	community := a.CommunityID
	preview := a.Context
	reason := a.Reason
	m.mu.Unlock()

	reviewChannel := m.settings.Thresholds().ReviewChannelID
	if reviewChannel == "" {
		m.notify(ctx, reactorID, "❌ Appeal failed: no review channel is configured.")
		return
	}

	if len(preview) > contextPreviewLimit {
		preview = preview[:contextPreviewLimit] + "... (truncated)"
	}
	post := fmt.Sprintf(
		"🔔 Appeal from <@%s> — reason: `%s`\n\nContext:\n```%s```\n\nModerators: react %s to accept (remove 1 flag) or %s to reject. First reaction decides.",
		reactorID, reason, preview, AcceptEmoji, RejectEmoji)
	review, err := m.g.SendMessage(ctx, reviewChannel, post)
	if err != nil {
		slog.Warn("review post failed", slog.String("community", community), slog.Any("err", err))
		m.notify(ctx, reactorID, "❌ Appeal failed: the review request could not be posted.")
		return
	}
	for _, e := range []string{AcceptEmoji, RejectEmoji} {
		if err := m.g.React(ctx, review.ChannelID, review.ID, e); err != nil {
			slog.Debug("verdict reaction seed failed", slog.Any("err", err))
		}
	}

	m.mu.Lock()
	// status may have moved while we talked to the platform
	if a.Status == StatusWarned {
		now := m.Now()
		a.Status = StatusAppealed
		a.ReviewRequestID = review.ID
		a.ReviewTime = &now
		m.save()
	}
	m.mu.Unlock()
	m.notify(ctx, reactorID, "✅ Your appeal was submitted to moderators for review.")
}

// HandleReview processes a moderator reaction on a review post. Only
// identities with ban authority count, and only while the appeal is still
// appealed: the status check and transition happen under the table lock, so
// of two near-simultaneous verdicts exactly one commits.
func (m *Manager) HandleReview(ctx context.Context, community, messageID, reviewerID, emoji string) {
	if emoji != AcceptEmoji && emoji != RejectEmoji {
		return
	}

	m.mu.Lock()
	var noticeID string
	for id, a := range m.appeals {
		if a.ReviewRequestID == messageID && a.Status == StatusAppealed {
			noticeID = id
			break
		}
	}
	m.mu.Unlock()
	if noticeID == "" {
		return // stale reaction after resolution: deliberately ignored
	}

	ok, err := m.g.HasBanAuthority(ctx, community, reviewerID)
	if err != nil {
		slog.Warn("authority check failed", slog.String("reviewer", reviewerID), slog.Any("err", err))
		return
	}
	if !ok {
		return
	}

	m.mu.Lock()
	a := m.appeals[noticeID]
	if a == nil || a.Status != StatusAppealed {
		m.mu.Unlock()
		return // lost the race to another moderator
	}
	now := m.Now()
	accepted := emoji == AcceptEmoji
	if accepted {
		a.Status = StatusAccepted
	} else {
		a.Status = StatusRejected
	}
	a.ReviewerID = reviewerID
	a.ReviewTime = &now
	userID := a.UserID
	// the review channel may live in another community than the offense;
	// the ledger and audit log belong to the appeal's own community
	home := a.CommunityID
	m.save()
	m.mu.Unlock()

	if accepted {
		m.ledger.Adjust(home, userID, -1)
		telemetry.RecordAppealOutcome(string(StatusAccepted))
		m.notify(ctx, userID, "✅ Your appeal was accepted by moderators. 1 flag removed.")
		m.audit.Log(ctx, home, auditlog.KindInfo, fmt.Sprintf("🟢 Appeal accepted for <@%s> by <@%s>", userID, reviewerID))
	} else {
		telemetry.RecordAppealOutcome(string(StatusRejected))
		m.notify(ctx, userID, "❌ Your appeal was rejected by moderators.")
		m.audit.Log(ctx, home, auditlog.KindInfo, fmt.Sprintf("🔴 Appeal rejected for <@%s> by <@%s>", userID, reviewerID))
	}
}

// Sweep times out every appealed entry whose review window has lapsed.
// Registered with the scheduler on a one-minute interval.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.Now()

	type expired struct {
		userID    string
		community string
	}
	var lapsed []expired

	m.mu.Lock()
	ids := make([]string, 0, len(m.appeals))
	for id := range m.appeals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := m.appeals[id]
		if a.Status != StatusAppealed || a.ReviewTime == nil {
			continue
		}
		if now.Sub(*a.ReviewTime) > m.ReviewWindow {
			a.Status = StatusTimedOut
			t := now
			a.ReviewTime = &t
			lapsed = append(lapsed, expired{userID: a.UserID, community: a.CommunityID})
		}
	}
	if len(lapsed) > 0 {
		m.save()
	}
	m.mu.Unlock()

	for _, e := range lapsed {
		telemetry.RecordAppealOutcome(string(StatusTimedOut))
		m.notify(ctx, e.userID, "⏳ No moderator reviewed your appeal within 24 hours — appeal timed out.")
		m.audit.Log(ctx, e.community, auditlog.KindInfo, fmt.Sprintf("⚪ Appeal timed out for <@%s>", e.userID))
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, userID, text string) {
	if _, err := m.g.SendDirect(ctx, userID, text); err != nil {
		slog.Warn("appeal notice delivery failed", slog.String("user", userID), slog.Any("err", err))
	}
}
