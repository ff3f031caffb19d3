// Package ledger holds the in-memory infraction counts per (community, user).
// It is the single source of truth during normal operation; the store only
// mirrors it. All mutations are serialized by an internal mutex and mark the
// touched community dirty so the scheduled flush knows what to persist.
package ledger

import (
	"sort"
	"sync"
)

// Record is one user's infraction state. Words carries an optional
// per-keyword breakdown; persisted snapshots only carry FlagsTotal, so Words
// survives only for the lifetime of the process.
type Record struct {
	FlagsTotal int
	Words      map[string]int
}

// Snapshot maps userID -> total flags for one community.
type Snapshot map[string]int

// Ledger is the process-wide flag table. Construct with New, load it from the
// store at startup, and flush it at shutdown; never reach for a package-level
// instance.
type Ledger struct {
	mu    sync.Mutex
	flags map[string]map[string]*Record // community -> user -> record
	dirty map[string]struct{}
}

func New() *Ledger {
	return &Ledger{
		flags: make(map[string]map[string]*Record),
		dirty: make(map[string]struct{}),
	}
}

func (l *Ledger) record(community, user string) *Record {
	users, ok := l.flags[community]
	if !ok {
		users = make(map[string]*Record)
		l.flags[community] = users
	}
	rec, ok := users[user]
	if !ok {
		rec = &Record{}
		users[user] = rec
	}
	return rec
}

// Increment adds one flag for the given word and returns the new total.
func (l *Ledger) Increment(community, user, word string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.record(community, user)
	rec.FlagsTotal++
	if word != "" {
		if rec.Words == nil {
			rec.Words = make(map[string]int)
		}
		rec.Words[word]++
	}
	l.dirty[community] = struct{}{}
	return rec.FlagsTotal
}

// Adjust applies an admin delta, clamping the total at zero. It returns the
// totals before and after.
func (l *Ledger) Adjust(community, user string, delta int) (before, after int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.record(community, user)
	before = rec.FlagsTotal
	after = before + delta
	if after < 0 {
		after = 0
	}
	rec.FlagsTotal = after
	l.dirty[community] = struct{}{}
	return before, after
}

// DecrementWord reduces the per-word counter by one, clamping at zero. Used
// when a lockdown is revoked for a specific trigger word.
func (l *Ledger) DecrementWord(community, user, word string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users, ok := l.flags[community]
	if !ok {
		return
	}
	rec, ok := users[user]
	if !ok {
		return
	}
	if rec.Words == nil {
		rec.Words = make(map[string]int)
	}
	n := rec.Words[word] - 1
	if n < 0 {
		n = 0
	}
	rec.Words[word] = n
	l.dirty[community] = struct{}{}
}

// Get returns the current total for a user (zero if unknown).
func (l *Ledger) Get(community, user string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if users, ok := l.flags[community]; ok {
		if rec, ok := users[user]; ok {
			return rec.FlagsTotal
		}
	}
	return 0
}

// Reset zeroes a user's total.
func (l *Ledger) Reset(community, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if users, ok := l.flags[community]; ok {
		if rec, ok := users[user]; ok {
			rec.FlagsTotal = 0
			rec.Words = nil
			l.dirty[community] = struct{}{}
		}
	}
}

// Remove deletes a user's entry entirely (on ban).
func (l *Ledger) Remove(community, user string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	users, ok := l.flags[community]
	if !ok {
		return false
	}
	if _, ok := users[user]; !ok {
		return false
	}
	delete(users, user)
	l.dirty[community] = struct{}{}
	return true
}

// Snapshot copies one community's totals for serialization.
func (l *Ledger) Snapshot(community string) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(Snapshot)
	for user, rec := range l.flags[community] {
		out[user] = rec.FlagsTotal
	}
	return out
}

// SnapshotAll copies every community's totals; the file mirror is always a
// full rewrite across communities.
func (l *Ledger) SnapshotAll() map[string]Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Snapshot, len(l.flags))
	for community, users := range l.flags {
		snap := make(Snapshot, len(users))
		for user, rec := range users {
			snap[user] = rec.FlagsTotal
		}
		out[community] = snap
	}
	return out
}

// Replace installs loaded totals for a community, migrating each count into a
// fresh Record (negative counts from a corrupt source clamp to zero). Loading
// does not mark the community dirty.
func (l *Ledger) Replace(community string, snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make(map[string]*Record, len(snap))
	for user, total := range snap {
		if total < 0 {
			total = 0
		}
		users[user] = &Record{FlagsTotal: total}
	}
	l.flags[community] = users
}

// Merge fills in users absent from memory, keeping in-memory values where
// both exist. Used when unioning the file mirror over remote-loaded state.
func (l *Ledger) Merge(community string, snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users, ok := l.flags[community]
	if !ok {
		users = make(map[string]*Record)
		l.flags[community] = users
	}
	for user, total := range snap {
		if _, ok := users[user]; !ok {
			if total < 0 {
				total = 0
			}
			users[user] = &Record{FlagsTotal: total}
		}
	}
}

// Communities lists every community with ledger state, sorted.
func (l *Ledger) Communities() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.flags))
	for c := range l.flags {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// MarkDirty flags a community for the next scheduled flush.
func (l *Ledger) MarkDirty(community string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty[community] = struct{}{}
}

// TakeDirty drains the dirty set. Callers must re-mark any community whose
// flush fails; the mark is only considered consumed on confirmed success.
func (l *Ledger) TakeDirty() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.dirty))
	for c := range l.dirty {
		out = append(out, c)
	}
	l.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// DirtyCount reports how many communities await a flush.
func (l *Ledger) DirtyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dirty)
}
