package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/onnwee/modwarden/appeal"
	"github.com/onnwee/modwarden/auditlog"
	"github.com/onnwee/modwarden/detector"
	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/ledger"
	"github.com/onnwee/modwarden/lockdown"
	"github.com/onnwee/modwarden/settings"
	"github.com/onnwee/modwarden/store"
	"github.com/onnwee/modwarden/testutil"
)

const testSettings = `
behaviour:
  LOG_ID: ""
  flags:
    FLAG_LIMIT: 10
    MUTE_EVERY: 5
    MUTE_TIME: 300
roles:
  lockdown_ID: "role-lock"
  mod_ID: "role-mod"
`

type fixture struct {
	e  *Engine
	g  *testutil.FakeGateway
	l  *ledger.Ledger
	st *store.Store
	ld *lockdown.Manager

	general string
	dataDir string
}

func newFixture(t *testing.T, keywords string) *fixture {
	t.Helper()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "conf.yml")
	if err := os.WriteFile(confPath, []byte(testSettings), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	kwPath := filepath.Join(dir, "banned-keywords.config")
	if err := os.WriteFile(kwPath, []byte(keywords), 0o644); err != nil {
		t.Fatalf("write keywords: %v", err)
	}
	sp, err := settings.New(confPath)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	g := testutil.NewFakeGateway()
	l := ledger.New()
	det := detector.NewKeywordDetector(kwPath)
	dataDir := filepath.Join(dir, "data")
	st := store.New(g, dataDir, "bot-mem")
	audit := auditlog.New(g, sp)
	ld := lockdown.NewManager(g, l, sp, audit)
	ld.GraceDelay = 0
	ap := appeal.NewManager(g, l, sp, audit, filepath.Join(dir, "appeals.json"))

	f := &fixture{
		g:       g,
		l:       l,
		st:      st,
		ld:      ld,
		general: g.AddChannel("g1", "general"),
		dataDir: dataDir,
	}
	f.e = New(g, det, l, st, sp, audit, ld, ap, "!")
	return f
}

func (f *fixture) message(content string) IncomingMessage {
	ch := f.g.Channels[f.general]
	msg := &gateway.Message{ID: "m1", ChannelID: f.general, Content: content}
	ch.Messages[msg.ID] = msg
	return IncomingMessage{
		CommunityID: "g1",
		ChannelID:   f.general,
		MessageID:   msg.ID,
		AuthorID:    "u1",
		Content:     content,
	}
}

// lastReply returns the newest bot message in the general channel. Fake
// message ids are "msg-<n>" with n increasing, so the highest n is the latest.
func lastReply(t *testing.T, f *fixture) string {
	t.Helper()
	ch := f.g.Channels[f.general]
	best := -1
	var last string
	for id, m := range ch.Messages {
		n, err := strconv.Atoi(strings.TrimPrefix(id, "msg-"))
		if err != nil {
			continue
		}
		if n > best {
			best = n
			last = m.Content
		}
	}
	if best < 0 {
		t.Fatal("no reply posted")
	}
	return last
}

func TestCleanMessagePasses(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.e.OnMessage(context.Background(), f.message("hello there"))

	if got := f.l.Get("g1", "u1"); got != 0 {
		t.Fatalf("clean message flagged: %d", got)
	}
	if len(f.g.Deleted) != 0 {
		t.Fatalf("clean message deleted: %v", f.g.Deleted)
	}
}

func TestFlaggedMessageDeletedAndCounted(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.e.OnMessage(context.Background(), f.message("you absolute s.l.u.r"))

	if got := f.l.Get("g1", "u1"); got != 1 {
		t.Fatalf("flags = %d, want 1", got)
	}
	if len(f.g.Deleted) != 1 {
		t.Fatalf("flagged message not deleted: %v", f.g.Deleted)
	}
	if f.g.DirectCount("u1") != 1 {
		t.Fatalf("warn notice count = %d, want 1", f.g.DirectCount("u1"))
	}
}

func TestBotMessagesIgnored(t *testing.T) {
	f := newFixture(t, "slur\n")
	msg := f.message("slur")
	msg.AuthorIsBot = true
	f.e.OnMessage(context.Background(), msg)
	if got := f.l.Get("g1", "u1"); got != 0 {
		t.Fatalf("bot message flagged: %d", got)
	}
}

func TestAdminImmuneByDefault(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.g.Admins["u1"] = true
	f.e.OnMessage(context.Background(), f.message("slur"))
	if got := f.l.Get("g1", "u1"); got != 0 {
		t.Fatalf("admin flagged despite immunity: %d", got)
	}
}

func TestFilterAffectsAdminsOverride(t *testing.T) {
	t.Setenv("MODWARDEN_FILTER_AFFECTS_ADMINS", "true")
	f := newFixture(t, "slur\n")
	f.g.Admins["u1"] = true
	f.e.OnMessage(context.Background(), f.message("slur"))
	if got := f.l.Get("g1", "u1"); got != 1 {
		t.Fatalf("admin not flagged with override: %d", got)
	}
}

type failingDetector struct{}

func (failingDetector) Check(ctx context.Context, text string) (*detector.Verdict, error) {
	return nil, errors.New("detector backend down")
}

func TestDetectorFailureIsFailOpen(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.e.det = failingDetector{}
	f.e.OnMessage(context.Background(), f.message("slur"))

	if got := f.l.Get("g1", "u1"); got != 0 {
		t.Fatalf("fail-open violated: %d flags", got)
	}
	if len(f.g.Deleted) != 0 {
		t.Fatal("fail-open violated: message deleted")
	}
}

type recordingXP struct{ awards int }

func (r *recordingXP) Award(ctx context.Context, community, channelID, user string) { r.awards++ }

func (r *recordingXP) Progress(community, user string) (int, int) { return 0, r.awards * 2 }

func TestCleanMessageAwardsXP(t *testing.T) {
	f := newFixture(t, "slur\n")
	xp := &recordingXP{}
	f.e.XP = xp

	f.e.OnMessage(context.Background(), f.message("totally fine"))
	f.e.OnMessage(context.Background(), f.message("slur"))

	if xp.awards != 1 {
		t.Fatalf("awards = %d, want 1 (flagged messages earn nothing)", xp.awards)
	}
}

// The fifth flag earns a timeout and the next flush lands the count both
// remotely and in the mirror.
func TestEscalationAtFiveFlagsAndFlush(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.l.Replace("g1", ledger.Snapshot{"u1": 4})

	f.e.OnMessage(context.Background(), f.message("slur"))

	if got := f.l.Get("g1", "u1"); got != 5 {
		t.Fatalf("flags = %d, want 5", got)
	}
	if len(f.g.Timeouts) != 1 || f.g.Timeouts[0].UserID != "u1" {
		t.Fatalf("timeout not issued: %+v", f.g.Timeouts)
	}
	if len(f.g.Bans) != 0 {
		t.Fatalf("unexpected ban at 5 flags: %+v", f.g.Bans)
	}

	if err := f.e.FlushDirty(context.Background()); err != nil {
		t.Fatalf("FlushDirty: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(f.dataDir, "flags.dat"))
	if err != nil {
		t.Fatalf("mirror missing: %v", err)
	}
	if !strings.Contains(string(raw), "g1:u1:5\n") {
		t.Fatalf("mirror content = %q, want g1:u1:5", raw)
	}

	memID, err := f.g.FindTextChannel(context.Background(), "g1", "bot-mem")
	if err != nil {
		t.Fatalf("memory channel not created: %v", err)
	}
	if body := f.g.PinnedBody(memID, store.FlagsHeader); !strings.Contains(body, "u1:5") {
		t.Fatalf("pinned record = %q, want u1:5", body)
	}
}

func TestFlagLimitOpensLockdown(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.l.Replace("g1", ledger.Snapshot{"u1": 9})

	f.e.OnMessage(context.Background(), f.message("slur"))

	if f.ld.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", f.ld.PendingCount())
	}
	// the tenth flag is also a MuteEvery multiple, so both escalations fire
	if len(f.g.Timeouts) != 1 {
		t.Fatalf("timeout missing at 10 flags: %+v", f.g.Timeouts)
	}
	found := false
	for _, ch := range f.g.Channels {
		if strings.HasPrefix(ch.Name, lockdown.RoomPrefix) {
			found = true
		}
	}
	if !found {
		t.Fatal("lockdown room not created")
	}
}

func TestFlushFailureRequeuesCommunity(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.g.FailCreateChannel = gateway.ErrForbidden
	f.l.Increment("g1", "u1", "slur")

	if err := f.e.FlushDirty(context.Background()); err == nil {
		t.Fatal("FlushDirty succeeded despite remote failure")
	}
	if f.l.DirtyCount() != 1 {
		t.Fatalf("DirtyCount = %d, want 1 (re-marked)", f.l.DirtyCount())
	}
	// mirror was still written
	if _, err := os.ReadFile(filepath.Join(f.dataDir, "flags.dat")); err != nil {
		t.Fatalf("mirror not written on remote failure: %v", err)
	}

	f.g.FailCreateChannel = nil
	if err := f.e.FlushDirty(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if f.l.DirtyCount() != 0 {
		t.Fatalf("DirtyCount = %d after successful retry, want 0", f.l.DirtyCount())
	}
}

func TestPingCommand(t *testing.T) {
	f := newFixture(t, "")
	f.e.OnMessage(context.Background(), f.message("!ping"))
	if got := lastReply(t, f); got != "🏓 Pong!" {
		t.Fatalf("reply = %q", got)
	}
}

func TestFlagsCommandSelf(t *testing.T) {
	f := newFixture(t, "")
	f.l.Replace("g1", ledger.Snapshot{"u1": 3})
	f.e.OnMessage(context.Background(), f.message("!flags"))
	if got := lastReply(t, f); !strings.Contains(got, "3 flag") {
		t.Fatalf("reply = %q, want own count", got)
	}
}

func TestFlagsAllRequiresAuthority(t *testing.T) {
	f := newFixture(t, "")
	f.l.Replace("g1", ledger.Snapshot{"u2": 7})
	f.e.OnMessage(context.Background(), f.message("!flags all"))
	if got := lastReply(t, f); !strings.Contains(got, "not allowed") {
		t.Fatalf("reply = %q, want authority refusal", got)
	}

	f.g.BanAuthority["u1"] = true
	f.e.OnMessage(context.Background(), f.message("!flags all"))
	if got := lastReply(t, f); !strings.Contains(got, "<@u2>: 7") {
		t.Fatalf("reply = %q, want listing", got)
	}
}

func TestModflagsClampsAtZero(t *testing.T) {
	f := newFixture(t, "")
	f.g.BanAuthority["u1"] = true
	f.l.Replace("g1", ledger.Snapshot{"123456789": 2})

	f.e.OnMessage(context.Background(), f.message("!modflags <@123456789> -5"))

	if got := f.l.Get("g1", "123456789"); got != 0 {
		t.Fatalf("flags = %d, want 0 (clamped)", got)
	}
	if got := lastReply(t, f); !strings.Contains(got, "2 → 0") {
		t.Fatalf("reply = %q, want before/after", got)
	}
}

func TestConfirmOutsideLockdownRoomIgnored(t *testing.T) {
	f := newFixture(t, "")
	f.g.BanAuthority["u1"] = true
	f.e.OnMessage(context.Background(), f.message("!confirm"))
	if len(f.g.Bans) != 0 || len(f.g.Kicks) != 0 {
		t.Fatal("confirm outside a lockdown room acted")
	}
}

func TestConfirmInsideLockdownRoomExecutes(t *testing.T) {
	f := newFixture(t, "")
	f.g.BanAuthority["mod1"] = true
	room, err := f.ld.Initiate(context.Background(), "g1", "u9", "flag_limit", lockdown.ActionBan)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	f.e.OnMessage(context.Background(), IncomingMessage{
		CommunityID: "g1", ChannelID: room, MessageID: "c1", AuthorID: "mod1", Content: "!confirm",
	})

	if len(f.g.Bans) != 1 || f.g.Bans[0].UserID != "u9" {
		t.Fatalf("confirm did not ban: %+v", f.g.Bans)
	}
	if f.ld.PendingCount() != 0 {
		t.Fatalf("pending survived confirm: %d", f.ld.PendingCount())
	}
}

func TestBanCommandDropsLedgerEntry(t *testing.T) {
	f := newFixture(t, "")
	f.g.BanAuthority["u1"] = true
	f.l.Replace("g1", ledger.Snapshot{"987654321": 6})

	f.e.OnMessage(context.Background(), f.message("!ban 987654321"))

	if len(f.g.Bans) != 1 {
		t.Fatalf("ban not executed: %+v", f.g.Bans)
	}
	if got := f.l.Get("g1", "987654321"); got != 0 {
		t.Fatalf("ledger entry survived ban: %d", got)
	}
}

func TestDMReactionRoutesToAcknowledge(t *testing.T) {
	f := newFixture(t, "slur\n")
	f.e.OnMessage(context.Background(), f.message("slur"))
	notice := f.g.DMs["u1"][0]

	f.e.OnReaction(context.Background(), Reaction{
		MessageID: notice.ID, UserID: "u1", Emoji: appeal.AckEmoji,
	})
	a, ok := f.e.appeals.Get(notice.ID)
	if !ok {
		t.Fatal("appeal vanished")
	}
	// no review channel is configured, so the appeal stays warned and the
	// user is told why
	if a.Status != appeal.StatusWarned {
		t.Fatalf("status = %s", a.Status)
	}
	dms := f.g.DMs["u1"]
	if !strings.Contains(dms[len(dms)-1].Content, "no review channel") {
		t.Fatalf("user not told about missing review channel: %q", dms[len(dms)-1].Content)
	}
}

func TestInitCommunitiesLoadsState(t *testing.T) {
	f := newFixture(t, "")
	// persist some state first
	f.l.Increment("g1", "u1", "slur")
	f.l.Increment("g1", "u1", "slur")
	if err := f.e.FlushDirty(context.Background()); err != nil {
		t.Fatalf("FlushDirty: %v", err)
	}

	// a fresh engine sharing the same fake platform recovers it
	l2 := ledger.New()
	e2 := *f.e
	e2.ledger = l2
	e2.InitCommunities(context.Background(), []string{"g1"})

	if got := l2.Get("g1", "u1"); got != 2 {
		t.Fatalf("recovered flags = %d, want 2", got)
	}
}

func TestInitCommunitiesMergesMirrorOverPinned(t *testing.T) {
	f := newFixture(t, "")
	f.l.Increment("g1", "u1", "slur")
	if err := f.e.FlushDirty(context.Background()); err != nil {
		t.Fatalf("FlushDirty: %v", err)
	}

	// simulate a crash where the mirror got a write the remote flush never
	// confirmed: u2 exists only in the file
	mirror := f.st.Mirror().Path()
	existing, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if err := os.WriteFile(mirror, append(existing, []byte("g1:u2:7\n")...), 0o644); err != nil {
		t.Fatalf("extend mirror: %v", err)
	}

	l2 := ledger.New()
	e2 := *f.e
	e2.ledger = l2
	e2.InitCommunities(context.Background(), []string{"g1"})

	if got := l2.Get("g1", "u1"); got != 1 {
		t.Fatalf("pinned flags = %d, want 1", got)
	}
	if got := l2.Get("g1", "u2"); got != 7 {
		t.Fatalf("merged flags = %d, want 7", got)
	}
}
