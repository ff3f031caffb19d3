// Package lockdown manages pending destructive-action reviews. Each initiate
// opens an isolated room visible only to the flagged user's lockdown role,
// the moderator role, and the bot; a moderator then confirms or revokes from
// inside that room.
package lockdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/modwarden/auditlog"
	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/ledger"
	"github.com/onnwee/modwarden/settings"
)

// ErrNothingPending signals a confirm/revoke in a room with no pending
// lockdown; callers surface it to the invoker rather than treating it as a
// failure.
var ErrNothingPending = errors.New("lockdown: nothing pending")

// Action is what a confirmed lockdown executes.
type Action string

const (
	ActionBan  Action = "ban"
	ActionKick Action = "kick"
)

// Pending is the recorded review awaiting a moderator verdict.
type Pending struct {
	UserID string
	Word   string
	Action Action
}

// RoomPrefix names isolated rooms; command dispatch keys off it.
const RoomPrefix = "lockdown-"

// Manager owns the pending-lockdown table, keyed by (community, room). Only
// one pending entry exists per room; a second initiate for the same user
// deliberately opens a second independent room.
type Manager struct {
	g        gateway.Gateway
	ledger   *ledger.Ledger
	settings *settings.Provider
	audit    *auditlog.Logger

	// GraceDelay is how long the room stays up after resolution so the
	// outcome message is readable. Tests set it to zero.
	GraceDelay time.Duration

	mu      sync.Mutex
	pending map[string]map[string]*Pending // community -> room -> pending
}

func NewManager(g gateway.Gateway, l *ledger.Ledger, sp *settings.Provider, audit *auditlog.Logger) *Manager {
	return &Manager{
		g:          g,
		ledger:     l,
		settings:   sp,
		audit:      audit,
		GraceDelay: time.Second,
		pending:    make(map[string]map[string]*Pending),
	}
}

// PendingCount reports open reviews across all communities.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rooms := range m.pending {
		n += len(rooms)
	}
	return n
}

// Get returns the pending entry for a room, if any.
func (m *Manager) Get(community, room string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[community][room]
}

func (m *Manager) pop(community, room string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms, ok := m.pending[community]
	if !ok {
		return nil
	}
	p, ok := rooms[room]
	if !ok {
		return nil
	}
	delete(rooms, room)
	return p
}

// Initiate places the preventive lockdown role on the user, opens the
// isolated room, and records the pending action. Returns the room id.
func (m *Manager) Initiate(ctx context.Context, community, userID, word string, action Action) (string, error) {
	th := m.settings.Thresholds()

	if th.LockdownRoleID != "" {
		if err := m.g.AddRole(ctx, community, userID, th.LockdownRoleID); err != nil {
			// the review can proceed without the preventive role
			slog.Warn("lockdown role assignment failed",
				slog.String("community", community), slog.String("user", userID), slog.Any("err", err))
		}
	}

	viewers := []gateway.Grant{{ID: m.g.BotUserID()}}
	if th.LockdownRoleID != "" {
		viewers = append(viewers, gateway.Grant{ID: th.LockdownRoleID, Role: true})
	}
	if th.ModRoleID != "" {
		viewers = append(viewers, gateway.Grant{ID: th.ModRoleID, Role: true})
	}
	roomID, err := m.g.CreateRestrictedChannel(ctx, community, RoomPrefix+userID, viewers)
	if err != nil {
		return "", fmt.Errorf("create lockdown room: %w", err)
	}

	m.mu.Lock()
	if m.pending[community] == nil {
		m.pending[community] = make(map[string]*Pending)
	}
	m.pending[community][roomID] = &Pending{UserID: userID, Word: word, Action: action}
	m.mu.Unlock()

	explain := fmt.Sprintf(
		"🚨 **Lockdown** for <@%s>\nTriggered `%s` for `%s`.\n\n`!confirm` to execute, `!revoke` to cancel.",
		userID, action, word)
	if _, err := m.g.SendMessage(ctx, roomID, explain); err != nil {
		slog.Warn("lockdown explanation failed", slog.String("room", roomID), slog.Any("err", err))
	}
	return roomID, nil
}

// Confirm executes the pending action for the room. A ban removes the user's
// ledger entry (picked up by the next flush); a kick leaves it. The room is
// torn down after the grace delay.
func (m *Manager) Confirm(ctx context.Context, community, room, invokerID string) error {
	p := m.pop(community, room)
	if p == nil {
		return ErrNothingPending
	}

	switch p.Action {
	case ActionKick:
		if err := m.g.KickMember(ctx, community, p.UserID, "Lockdown confirmed"); err != nil {
			m.audit.Log(ctx, community, auditlog.KindFail, fmt.Sprintf("Failed to kick <@%s>: %v", p.UserID, err))
		} else {
			m.announce(ctx, room, fmt.Sprintf("👢 <@%s> has been kicked.", p.UserID))
			m.audit.Log(ctx, community, auditlog.KindKick, fmt.Sprintf("<@%s> kicked after lockdown confirmed by <@%s>", p.UserID, invokerID))
		}
	default: // ban
		if err := m.g.BanMember(ctx, community, p.UserID, "Lockdown confirmed"); err != nil {
			m.audit.Log(ctx, community, auditlog.KindFail, fmt.Sprintf("Failed to ban <@%s>: %v", p.UserID, err))
		} else {
			m.ledger.Remove(community, p.UserID)
			m.announce(ctx, room, fmt.Sprintf("⛔ <@%s> has been banned.", p.UserID))
			m.audit.Log(ctx, community, auditlog.KindBan, fmt.Sprintf("<@%s> banned after lockdown confirmed by <@%s>", p.UserID, invokerID))
		}
	}

	m.removeRole(ctx, community, p.UserID)
	m.teardown(ctx, room)
	return nil
}

// Revoke cancels the pending action: the preventive role comes off, the
// trigger word's counter drops by one (floor zero), and the room is removed.
func (m *Manager) Revoke(ctx context.Context, community, room, invokerID string) error {
	p := m.pop(community, room)
	if p == nil {
		return ErrNothingPending
	}

	m.removeRole(ctx, community, p.UserID)
	m.ledger.DecrementWord(community, p.UserID, p.Word)
	m.announce(ctx, room, "🔄 Lockdown revoked.")
	m.audit.Log(ctx, community, auditlog.KindInfo, fmt.Sprintf("Lockdown revoked for <@%s> by <@%s>", p.UserID, invokerID))
	m.teardown(ctx, room)
	return nil
}

func (m *Manager) removeRole(ctx context.Context, community, userID string) {
	th := m.settings.Thresholds()
	if th.LockdownRoleID == "" {
		return
	}
	if err := m.g.RemoveRole(ctx, community, userID, th.LockdownRoleID); err != nil {
		slog.Warn("lockdown role removal failed",
			slog.String("community", community), slog.String("user", userID), slog.Any("err", err))
	}
}

func (m *Manager) announce(ctx context.Context, room, text string) {
	if _, err := m.g.SendMessage(ctx, room, text); err != nil {
		slog.Warn("lockdown announcement failed", slog.String("room", room), slog.Any("err", err))
	}
}

func (m *Manager) teardown(ctx context.Context, room string) {
	if m.GraceDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.GraceDelay):
		}
	}
	if err := m.g.DeleteChannel(ctx, room); err != nil {
		slog.Warn("lockdown room deletion failed", slog.String("room", room), slog.Any("err", err))
	}
}
