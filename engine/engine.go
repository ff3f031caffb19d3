// Package engine is the event pipeline: every incoming message, reaction, and
// command flows through here and fans out to the detector, ledger, policy,
// lockdown, and appeal collaborators. The engine owns no state of its own
// beyond wiring; all durable state lives in the ledger and its store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/modwarden/appeal"
	"github.com/onnwee/modwarden/auditlog"
	"github.com/onnwee/modwarden/detector"
	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/ledger"
	"github.com/onnwee/modwarden/lockdown"
	"github.com/onnwee/modwarden/policy"
	"github.com/onnwee/modwarden/settings"
	"github.com/onnwee/modwarden/store"
	"github.com/onnwee/modwarden/telemetry"
)

// initConcurrency bounds how many communities load state at once on startup.
const initConcurrency = 6

// userIDPattern pulls a member id out of a raw argument or a <@...> mention.
var userIDPattern = regexp.MustCompile(`(\d{5,25})`)

// XPAwarder receives one award call per clean message and answers level
// lookups. Satisfied by the leveling tracker; nil disables leveling.
type XPAwarder interface {
	Award(ctx context.Context, community, channelID, user string)
	Progress(community, user string) (level, xp int)
}

// IncomingMessage is the platform-neutral shape of a message event.
type IncomingMessage struct {
	CommunityID string
	ChannelID   string
	MessageID   string
	AuthorID    string
	AuthorIsBot bool
	Content     string
}

// Reaction is the platform-neutral shape of a reaction-add event. An empty
// CommunityID means the reaction happened in a direct message.
type Reaction struct {
	CommunityID string
	ChannelID   string
	MessageID   string
	UserID      string
	Emoji       string
}

// Engine wires the moderation collaborators together.
type Engine struct {
	g         gateway.Gateway
	det       detector.Detector
	ledger    *ledger.Ledger
	store     *store.Store
	settings  *settings.Provider
	audit     *auditlog.Logger
	lockdowns *lockdown.Manager
	appeals   *appeal.Manager
	prefix    string

	// XP is optional; when set, clean messages earn experience.
	XP XPAwarder
}

func New(g gateway.Gateway, det detector.Detector, l *ledger.Ledger, st *store.Store,
	sp *settings.Provider, audit *auditlog.Logger, ld *lockdown.Manager, ap *appeal.Manager, prefix string) *Engine {
	if prefix == "" {
		prefix = "!"
	}
	telemetry.Init()
	return &Engine{
		g:         g,
		det:       det,
		ledger:    l,
		store:     st,
		settings:  sp,
		audit:     audit,
		lockdowns: ld,
		appeals:   ap,
		prefix:    prefix,
	}
}

// InitCommunities loads persisted flag state for every community, at most
// initConcurrency at a time. A community whose load fails starts empty and is
// logged; the rest proceed. Mirror entries missing from the pinned record are
// merged in afterwards, so a crash between a mirror write and a remote flush
// loses nothing.
func (e *Engine) InitCommunities(ctx context.Context, communities []string) {
	mirrored, err := e.store.Mirror().Read()
	if err != nil {
		slog.Warn("mirror read failed during init", slog.Any("err", err))
		mirrored = nil
	}

	sem := semaphore.NewWeighted(initConcurrency)
	var wg sync.WaitGroup
	for _, community := range communities {
		if err := sem.Acquire(ctx, 1); err != nil {
			slog.Warn("community init aborted", slog.Any("err", err))
			return
		}
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			defer sem.Release(1)
			snap, err := e.store.Load(ctx, c)
			if err != nil {
				slog.Error("community state load failed", slog.String("community", c), slog.Any("err", err))
				return
			}
			e.ledger.Replace(c, snap)
			if fromFile, ok := mirrored[c]; ok {
				e.ledger.Merge(c, fromFile)
			}
			slog.Info("community state loaded", slog.String("community", c), slog.Int("users", len(snap)))
		}(community)
	}
	wg.Wait()
}

// OnMessage routes one message event: commands dispatch, everything else is
// scanned. Each event carries a fresh correlation id.
func (e *Engine) OnMessage(ctx context.Context, msg IncomingMessage) {
	if msg.AuthorIsBot || msg.AuthorID == e.g.BotUserID() {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())

	if strings.HasPrefix(msg.Content, e.prefix) {
		e.dispatchCommand(ctx, msg)
		return
	}
	e.scan(ctx, msg)
}

// scan runs the moderation pipeline on a non-command message.
func (e *Engine) scan(ctx context.Context, msg IncomingMessage) {
	telemetry.MessagesScanned.Inc()
	start := time.Now()
	defer func() {
		if telemetry.ScanDuration != nil {
			telemetry.ScanDuration.Observe(time.Since(start).Seconds())
		}
	}()

	th := e.settings.Thresholds()
	log := telemetry.LoggerWithCorr(ctx)

	if !th.FilterAffectsAdmins {
		admin, err := e.g.IsAdmin(ctx, msg.CommunityID, msg.AuthorID)
		if err != nil {
			log.Warn("admin check failed", slog.String("user", msg.AuthorID), slog.Any("err", err))
		}
		if admin {
			e.award(ctx, msg)
			return
		}
	}

	verdict, err := e.det.Check(ctx, msg.Content)
	if err != nil {
		// fail-open: a broken detector must not punish anyone
		telemetry.DetectorErrors.Inc()
		log.Error("detector failed, message passed", slog.String("community", msg.CommunityID), slog.Any("err", err))
		e.award(ctx, msg)
		return
	}
	if verdict == nil {
		e.award(ctx, msg)
		return
	}

	telemetry.MessagesFlagged.Inc()
	if err := e.g.DeleteMessage(ctx, msg.ChannelID, msg.MessageID); err != nil {
		log.Warn("flagged message removal failed",
			slog.String("channel", msg.ChannelID), slog.String("message", msg.MessageID), slog.Any("err", err))
	}

	next := e.ledger.Increment(msg.CommunityID, msg.AuthorID, verdict.Word)
	log.Info("message flagged",
		slog.String("community", msg.CommunityID),
		slog.String("user", msg.AuthorID),
		slog.String("word", verdict.Word),
		slog.Int("flags", next))

	e.audit.Log(ctx, msg.CommunityID, auditlog.KindWarn,
		fmt.Sprintf("<@%s> flagged for `%s` (%d total)", msg.AuthorID, verdict.Word, next))
	e.appeals.OpenWarning(ctx, msg.CommunityID, msg.AuthorID, verdict.Word, msg.Content)

	action := policy.Evaluate(next-1, next, th)
	if action.Timeout {
		until := time.Now().Add(action.TimeoutFor)
		if err := e.g.TimeoutMember(ctx, msg.CommunityID, msg.AuthorID, until, "Reached "+strconv.Itoa(next)+" flags"); err != nil {
			e.audit.Log(ctx, msg.CommunityID, auditlog.KindFail, fmt.Sprintf("Failed to mute <@%s>: %v", msg.AuthorID, err))
		} else {
			telemetry.TimeoutsIssued.Inc()
			e.audit.Log(ctx, msg.CommunityID, auditlog.KindMute,
				fmt.Sprintf("<@%s> muted for %s at %d flags", msg.AuthorID, action.TimeoutFor, next))
		}
	}
	if action.Lockdown {
		if _, err := e.lockdowns.Initiate(ctx, msg.CommunityID, msg.AuthorID, action.Reason, lockdown.ActionBan); err != nil {
			e.audit.Log(ctx, msg.CommunityID, auditlog.KindFail, fmt.Sprintf("Failed to open lockdown for <@%s>: %v", msg.AuthorID, err))
		} else {
			telemetry.LockdownsOpened.Inc()
		}
	}
}

func (e *Engine) award(ctx context.Context, msg IncomingMessage) {
	if e.XP != nil {
		e.XP.Award(ctx, msg.CommunityID, msg.ChannelID, msg.AuthorID)
	}
}

// OnReaction routes a reaction-add: in a DM it can only be an appeal
// acknowledgement; in a community channel it can only be a review verdict.
func (e *Engine) OnReaction(ctx context.Context, r Reaction) {
	if r.UserID == e.g.BotUserID() {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	if r.CommunityID == "" {
		e.appeals.HandleAcknowledge(ctx, r.MessageID, r.UserID, r.Emoji)
		return
	}
	e.appeals.HandleReview(ctx, r.CommunityID, r.MessageID, r.UserID, r.Emoji)
}

// FlushDirty persists every community marked dirty since the last run. A
// community whose remote flush fails is re-marked so the next tick retries;
// the local mirror was still attempted by the store.
func (e *Engine) FlushDirty(ctx context.Context) error {
	communities := e.ledger.TakeDirty()
	if len(communities) == 0 {
		telemetry.SetDirtyCommunities(0)
		return nil
	}
	all := e.ledger.SnapshotAll()

	var failed []string
	for _, c := range communities {
		var err error
		telemetry.TimeFunc(telemetry.FlushDuration, func() {
			err = e.store.Flush(ctx, c, all[c], all)
		})
		if err != nil {
			telemetry.FlushesFailed.Inc()
			e.ledger.MarkDirty(c)
			failed = append(failed, c)
			slog.Warn("flag flush failed, re-queued",
				slog.String("community", c), slog.Any("err", err), slog.String("component", "flush"))
			continue
		}
		telemetry.FlushesOK.Inc()
	}
	telemetry.SetDirtyCommunities(e.ledger.DirtyCount())
	if len(failed) > 0 {
		return fmt.Errorf("flush incomplete for %d of %d communities", len(failed), len(communities))
	}
	return nil
}

// Resync re-flushes every known community regardless of dirty state, repairing
// any divergence between memory, the pinned records, and the mirror.
func (e *Engine) Resync(ctx context.Context) error {
	all := e.ledger.SnapshotAll()
	communities := e.ledger.Communities()
	var firstErr error
	telemetry.TimeFunc(telemetry.ResyncDuration, func() {
		for _, c := range communities {
			if err := e.store.Flush(ctx, c, all[c], all); err != nil {
				e.ledger.MarkDirty(c)
				if firstErr == nil {
					firstErr = fmt.Errorf("resync %s: %w", c, err)
				}
			}
		}
	})
	telemetry.SetOpenAppeals(e.appeals.OpenCount())
	telemetry.SetPendingLockdowns(e.lockdowns.PendingCount())
	return firstErr
}

// dispatchCommand parses and executes a prefixed command.
func (e *Engine) dispatchCommand(ctx context.Context, msg IncomingMessage) {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], e.prefix))
	args := fields[1:]
	log := telemetry.LoggerWithCorr(ctx)
	log.Debug("command received",
		slog.String("command", cmd), slog.String("community", msg.CommunityID), slog.String("user", msg.AuthorID))

	switch cmd {
	case "ping":
		e.reply(ctx, msg.ChannelID, "🏓 Pong!")
	case "flags":
		e.cmdFlags(ctx, msg, args)
	case "modflags":
		e.cmdModflags(ctx, msg, args)
	case "confirm":
		e.cmdLockdownVerdict(ctx, msg, true)
	case "revoke":
		e.cmdLockdownVerdict(ctx, msg, false)
	case "mute":
		e.cmdMute(ctx, msg, args)
	case "unmute":
		e.cmdUnmute(ctx, msg, args)
	case "kick":
		e.cmdKick(ctx, msg, args)
	case "ban":
		e.cmdBan(ctx, msg, args)
	case "clear":
		e.cmdClear(ctx, msg, args)
	case "lvl":
		e.cmdLevel(ctx, msg, args)
	}
}

// cmdFlags shows the caller's count, a named user's count, or the whole table.
// Looking at anyone but yourself requires ban authority.
func (e *Engine) cmdFlags(ctx context.Context, msg IncomingMessage, args []string) {
	if len(args) == 0 {
		n := e.ledger.Get(msg.CommunityID, msg.AuthorID)
		e.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s> has %d flag(s).", msg.AuthorID, n))
		return
	}
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if strings.EqualFold(args[0], "all") {
		snap := e.ledger.Snapshot(msg.CommunityID)
		if len(snap) == 0 {
			e.reply(ctx, msg.ChannelID, "No flags recorded.")
			return
		}
		users := make([]string, 0, len(snap))
		for u := range snap {
			users = append(users, u)
		}
		sort.Strings(users)
		var b strings.Builder
		b.WriteString("Flag counts:\n")
		for _, u := range users {
			fmt.Fprintf(&b, "<@%s>: %d\n", u, snap[u])
		}
		e.reply(ctx, msg.ChannelID, b.String())
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	n := e.ledger.Get(msg.CommunityID, target)
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s> has %d flag(s).", target, n))
}

// cmdModflags applies a manual delta to a user's count, clamped at zero.
func (e *Engine) cmdModflags(ctx context.Context, msg IncomingMessage, args []string) {
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if len(args) < 2 {
		e.reply(ctx, msg.ChannelID, "Usage: "+e.prefix+"modflags <user> <delta>")
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	delta, err := strconv.Atoi(args[1])
	if err != nil {
		e.reply(ctx, msg.ChannelID, "Delta must be an integer.")
		return
	}
	before, after := e.ledger.Adjust(msg.CommunityID, target, delta)
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s>: %d → %d flag(s).", target, before, after))
	e.audit.Log(ctx, msg.CommunityID, auditlog.KindInfo,
		fmt.Sprintf("<@%s> adjusted flags for <@%s>: %d → %d", msg.AuthorID, target, before, after))
}

// cmdLockdownVerdict handles confirm/revoke; both are only meaningful inside a
// lockdown room.
func (e *Engine) cmdLockdownVerdict(ctx context.Context, msg IncomingMessage, confirm bool) {
	name, err := e.g.ChannelName(ctx, msg.ChannelID)
	if err != nil || !strings.HasPrefix(name, lockdown.RoomPrefix) {
		return
	}
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if confirm {
		err = e.lockdowns.Confirm(ctx, msg.CommunityID, msg.ChannelID, msg.AuthorID)
	} else {
		err = e.lockdowns.Revoke(ctx, msg.CommunityID, msg.ChannelID, msg.AuthorID)
	}
	if errors.Is(err, lockdown.ErrNothingPending) {
		e.reply(ctx, msg.ChannelID, "Nothing is pending in this room.")
	} else if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("lockdown verdict failed", slog.Any("err", err))
	}
}

func (e *Engine) cmdMute(ctx context.Context, msg IncomingMessage, args []string) {
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if len(args) < 1 {
		e.reply(ctx, msg.ChannelID, "Usage: "+e.prefix+"mute <user> [seconds]")
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	dur := e.settings.Thresholds().MuteDuration()
	if len(args) >= 2 {
		if secs, err := strconv.Atoi(args[1]); err == nil && secs > 0 {
			dur = time.Duration(secs) * time.Second
		}
	}
	if err := e.g.TimeoutMember(ctx, msg.CommunityID, target, time.Now().Add(dur), "Muted by moderator"); err != nil {
		e.reply(ctx, msg.ChannelID, fmt.Sprintf("Failed to mute <@%s>.", target))
		return
	}
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s> muted for %s.", target, dur))
	e.audit.Log(ctx, msg.CommunityID, auditlog.KindMute, fmt.Sprintf("<@%s> muted by <@%s> for %s", target, msg.AuthorID, dur))
}

func (e *Engine) cmdUnmute(ctx context.Context, msg IncomingMessage, args []string) {
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if len(args) < 1 {
		e.reply(ctx, msg.ChannelID, "Usage: "+e.prefix+"unmute <user>")
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	if err := e.g.ClearTimeout(ctx, msg.CommunityID, target, "Unmuted by moderator"); err != nil {
		e.reply(ctx, msg.ChannelID, fmt.Sprintf("Failed to unmute <@%s>.", target))
		return
	}
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s> unmuted.", target))
	e.audit.Log(ctx, msg.CommunityID, auditlog.KindUnmute, fmt.Sprintf("<@%s> unmuted by <@%s>", target, msg.AuthorID))
}

func (e *Engine) cmdKick(ctx context.Context, msg IncomingMessage, args []string) {
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if len(args) < 1 {
		e.reply(ctx, msg.ChannelID, "Usage: "+e.prefix+"kick <user>")
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	if err := e.g.KickMember(ctx, msg.CommunityID, target, "Kicked by moderator"); err != nil {
		e.reply(ctx, msg.ChannelID, fmt.Sprintf("Failed to kick <@%s>.", target))
		return
	}
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("👢 <@%s> kicked.", target))
	e.audit.Log(ctx, msg.CommunityID, auditlog.KindKick, fmt.Sprintf("<@%s> kicked by <@%s>", target, msg.AuthorID))
}

// cmdBan bans a user and drops their ledger entry; the next flush persists the
// removal.
func (e *Engine) cmdBan(ctx context.Context, msg IncomingMessage, args []string) {
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if len(args) < 1 {
		e.reply(ctx, msg.ChannelID, "Usage: "+e.prefix+"ban <user>")
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	if err := e.g.BanMember(ctx, msg.CommunityID, target, "Banned by moderator"); err != nil {
		e.reply(ctx, msg.ChannelID, fmt.Sprintf("Failed to ban <@%s>.", target))
		return
	}
	e.ledger.Remove(msg.CommunityID, target)
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("⛔ <@%s> banned.", target))
	e.audit.Log(ctx, msg.CommunityID, auditlog.KindBan, fmt.Sprintf("<@%s> banned by <@%s>", target, msg.AuthorID))
}

func (e *Engine) cmdClear(ctx context.Context, msg IncomingMessage, args []string) {
	if !e.requireAuthority(ctx, msg) {
		return
	}
	if len(args) < 1 {
		e.reply(ctx, msg.ChannelID, "Usage: "+e.prefix+"clear <user>")
		return
	}
	target, ok := parseUserID(args[0])
	if !ok {
		e.reply(ctx, msg.ChannelID, "Could not parse a user from `"+args[0]+"`.")
		return
	}
	e.ledger.Reset(msg.CommunityID, target)
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("Flags cleared for <@%s>.", target))
	e.audit.Log(ctx, msg.CommunityID, auditlog.KindInfo,
		fmt.Sprintf("Flags cleared for <@%s> by <@%s>", target, msg.AuthorID))
}

// cmdLevel reports a user's level and experience when leveling is enabled.
func (e *Engine) cmdLevel(ctx context.Context, msg IncomingMessage, args []string) {
	if e.XP == nil {
		return
	}
	target := msg.AuthorID
	if len(args) > 0 {
		if id, ok := parseUserID(args[0]); ok {
			target = id
		}
	}
	level, xp := e.XP.Progress(msg.CommunityID, target)
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s> is level %d with %d XP.", target, level, xp))
}

// requireAuthority gates moderator commands on ban authority. Failed checks
// reply so the caller knows the command was seen.
func (e *Engine) requireAuthority(ctx context.Context, msg IncomingMessage) bool {
	ok, err := e.g.HasBanAuthority(ctx, msg.CommunityID, msg.AuthorID)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("authority check failed",
			slog.String("user", msg.AuthorID), slog.Any("err", err))
		return false
	}
	if !ok {
		e.reply(ctx, msg.ChannelID, "You are not allowed to do that.")
		return false
	}
	return true
}

func (e *Engine) reply(ctx context.Context, channelID, text string) {
	if _, err := e.g.SendMessage(ctx, channelID, text); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("reply failed", slog.String("channel", channelID), slog.Any("err", err))
	}
}

func parseUserID(arg string) (string, bool) {
	m := userIDPattern.FindStringSubmatch(arg)
	if m == nil {
		return "", false
	}
	return m[1], true
}
