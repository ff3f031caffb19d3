// Package leveling tracks per-user experience earned by clean messages. XP is
// persisted the same dual way as flags: a pinned [XP] record per community
// plus a local file, both written by a scheduled push. Level thresholds grow
// through a short hand-tuned ramp and then linearly.
package leveling

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/store"
)

// XPHeader marks the pinned experience record for a community.
const XPHeader = "[XP]"

const (
	xpPerMessage = 2
	maxLevel     = 1000
	xpExtraStep  = 20
	xpFile       = "xp.dat"
	rewardsFile  = "lvl.config"
)

// xpIncrements is the cost of the first levels; past the list each level
// costs xpExtraStep more than the one before it.
var xpIncrements = []int{20, 35, 40}

// CostForLevel returns the XP needed to climb from level-1 to level.
func CostForLevel(level int) int {
	if level <= 0 {
		return 0
	}
	if level <= len(xpIncrements) {
		return xpIncrements[level-1]
	}
	last := xpIncrements[len(xpIncrements)-1]
	return last + xpExtraStep*(level-len(xpIncrements))
}

// LevelForXP maps a total XP amount to a level, capped at maxLevel.
func LevelForXP(xp int) int {
	level := 0
	need := 0
	for level < maxLevel {
		need += CostForLevel(level + 1)
		if xp < need {
			break
		}
		level++
	}
	return level
}

// Tracker owns the in-memory XP table and its two durable copies.
type Tracker struct {
	g     gateway.Gateway
	store *store.Store
	dir   string

	mu      sync.Mutex
	xp      map[string]map[string]int // community -> user -> xp
	dirty   map[string]struct{}
	rewards map[int]string // level -> role id
}

func NewTracker(g gateway.Gateway, st *store.Store, dir string) *Tracker {
	return &Tracker{
		g:       g,
		store:   st,
		dir:     dir,
		xp:      make(map[string]map[string]int),
		dirty:   make(map[string]struct{}),
		rewards: make(map[int]string),
	}
}

// ReloadRewards re-reads lvl.config ("level:roleid" lines, '#' comments). A
// missing file clears the reward table.
func (t *Tracker) ReloadRewards() error {
	path := filepath.Join(t.dir, rewardsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.mu.Lock()
			t.rewards = make(map[int]string)
			t.mu.Unlock()
			return nil
		}
		return fmt.Errorf("open reward config: %w", err)
	}
	defer f.Close()

	rewards := make(map[int]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lvl, role, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(lvl))
		if err != nil || n <= 0 || strings.TrimSpace(role) == "" {
			continue
		}
		rewards[n] = strings.TrimSpace(role)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan reward config: %w", err)
	}
	t.mu.Lock()
	t.rewards = rewards
	t.mu.Unlock()
	return nil
}

// Load restores a community's XP, preferring the pinned record over the local
// file.
func (t *Tracker) Load(ctx context.Context, community string) error {
	table, ok, err := t.store.LoadTable(ctx, community, XPHeader)
	if err != nil || !ok {
		if err != nil {
			slog.Warn("pinned xp record load failed; falling back to file",
				slog.String("community", community), slog.Any("err", err), slog.String("component", "leveling"))
		}
		all, ferr := t.readFile()
		if ferr != nil {
			return ferr
		}
		table = all[community]
	}
	t.mu.Lock()
	users := make(map[string]int, len(table))
	for u, v := range table {
		if v < 0 {
			v = 0
		}
		users[u] = v
	}
	t.xp[community] = users
	t.mu.Unlock()
	return nil
}

// Award grants XP for one clean message and handles the level-up side
// effects: announcement in the message's channel and the reward role when one
// is configured for the new level.
func (t *Tracker) Award(ctx context.Context, community, channelID, user string) {
	t.mu.Lock()
	users, ok := t.xp[community]
	if !ok {
		users = make(map[string]int)
		t.xp[community] = users
	}
	before := users[user]
	after := before + xpPerMessage
	users[user] = after
	t.dirty[community] = struct{}{}
	prevLevel := LevelForXP(before)
	newLevel := LevelForXP(after)
	role := t.rewards[newLevel]
	t.mu.Unlock()

	if newLevel == prevLevel {
		return
	}
	if _, err := t.g.SendMessage(ctx, channelID, fmt.Sprintf("🎉 <@%s> reached level %d!", user, newLevel)); err != nil {
		slog.Debug("level-up announcement failed", slog.String("user", user), slog.Any("err", err))
	}
	if role != "" {
		if err := t.g.AddRole(ctx, community, user, role); err != nil {
			slog.Warn("reward role assignment failed",
				slog.String("community", community), slog.String("user", user),
				slog.String("role", role), slog.Any("err", err))
		}
	}
}

// Progress returns a user's level and total XP.
func (t *Tracker) Progress(community, user string) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	xp := t.xp[community][user]
	return LevelForXP(xp), xp
}

// Push persists every community with unsaved XP: pinned record plus the full
// file rewrite. Remote failure re-marks the community like the flag flush.
func (t *Tracker) Push(ctx context.Context) error {
	t.mu.Lock()
	communities := make([]string, 0, len(t.dirty))
	for c := range t.dirty {
		communities = append(communities, c)
	}
	t.dirty = make(map[string]struct{})
	all := make(map[string]map[string]int, len(t.xp))
	for c, users := range t.xp {
		snap := make(map[string]int, len(users))
		for u, v := range users {
			snap[u] = v
		}
		all[c] = snap
	}
	t.mu.Unlock()

	if len(communities) == 0 {
		return nil
	}
	sort.Strings(communities)

	if err := t.writeFile(all); err != nil {
		slog.Error("xp file write failed", slog.Any("err", err), slog.String("component", "leveling"))
	}

	var firstErr error
	for _, c := range communities {
		if err := t.store.SaveTable(ctx, c, XPHeader, all[c]); err != nil {
			t.mu.Lock()
			t.dirty[c] = struct{}{}
			t.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("push xp for %s: %w", c, err)
			}
		}
	}
	return firstErr
}

func (t *Tracker) filePath() string { return filepath.Join(t.dir, xpFile) }

func (t *Tracker) writeFile(all map[string]map[string]int) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	communities := make([]string, 0, len(all))
	for c := range all {
		communities = append(communities, c)
	}
	sort.Strings(communities)

	var b strings.Builder
	for _, c := range communities {
		users := make([]string, 0, len(all[c]))
		for u := range all[c] {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			fmt.Fprintf(&b, "%s:%s:%d\n", c, u, all[c][u])
		}
	}
	return store.WriteFileAtomic(t.filePath(), []byte(b.String()))
}

func (t *Tracker) readFile() (map[string]map[string]int, error) {
	out := make(map[string]map[string]int)
	f, err := os.Open(t.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("open xp file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		community := strings.TrimSpace(parts[0])
		user := strings.TrimSpace(parts[1])
		xp, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || community == "" || user == "" || xp < 0 {
			continue
		}
		if out[community] == nil {
			out[community] = make(map[string]int)
		}
		out[community][user] = xp
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan xp file: %w", err)
	}
	return out, nil
}
