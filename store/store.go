// Package store persists ledger state twice over: a pinned record in a
// restricted "memory" channel on the platform itself (authoritative,
// human-auditable) and a local file mirror (durability fallback). The
// in-memory ledger stays authoritative between flushes; this package only
// reconciles the two durable copies with it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/onnwee/modwarden/gateway"
	"github.com/onnwee/modwarden/ledger"
)

// FlagsHeader marks the pinned ledger record for a community.
const FlagsHeader = "[FLAGS]"

type recordRef struct {
	channelID string
	messageID string
}

// Store reads and writes the pinned records and the file mirror. A single
// Store serves all communities; cached message handles avoid re-searching
// pins on every flush.
type Store struct {
	g           gateway.Gateway
	mirror      *Mirror
	channelName string

	mu       sync.Mutex
	channels map[string]string    // community -> memory channel id
	records  map[string]recordRef // community+"\x00"+header -> pinned message
}

// New builds a Store writing its mirror under dir. channelName is the memory
// channel looked up (or created) per community, e.g. "bot-mem".
func New(g gateway.Gateway, dir, channelName string) *Store {
	return &Store{
		g:           g,
		mirror:      NewMirror(dir),
		channelName: channelName,
		channels:    make(map[string]string),
		records:     make(map[string]recordRef),
	}
}

// Mirror exposes the local file mirror, mainly for shutdown flushes.
func (s *Store) Mirror() *Mirror { return s.mirror }

func (s *Store) refKey(community, header string) string {
	return community + "\x00" + header
}

// ensureChannel returns the community's memory channel, creating it with
// read access restricted to the bot's own identity when absent.
func (s *Store) ensureChannel(ctx context.Context, community string) (string, error) {
	s.mu.Lock()
	if id, ok := s.channels[community]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.g.FindTextChannel(ctx, community, s.channelName)
	if errors.Is(err, gateway.ErrNotFound) {
		id, err = s.g.CreateRestrictedChannel(ctx, community, s.channelName, []gateway.Grant{
			{ID: s.g.BotUserID()},
		})
	}
	if err != nil {
		return "", fmt.Errorf("memory channel for %s: %w", community, err)
	}
	s.mu.Lock()
	s.channels[community] = id
	s.mu.Unlock()
	return id, nil
}

// Load returns one community's snapshot, preferring the pinned record and
// falling back to the file mirror filtered to that community. An empty
// snapshot with nil error means no durable state exists yet.
func (s *Store) Load(ctx context.Context, community string) (ledger.Snapshot, error) {
	if snap, ok, err := s.LoadTable(ctx, community, FlagsHeader); err == nil && ok {
		return snap, nil
	} else if err != nil {
		slog.Warn("pinned record load failed; falling back to mirror",
			slog.String("community", community), slog.Any("err", err), slog.String("component", "store"))
	}
	all, err := s.mirror.Read()
	if err != nil {
		return ledger.Snapshot{}, err
	}
	if snap, ok := all[community]; ok {
		return snap, nil
	}
	return ledger.Snapshot{}, nil
}

// Flush writes one community's snapshot remotely and rewrites the file mirror
// for all communities. The mirror write is attempted regardless of the remote
// outcome; the returned error reflects the remote step only, so callers keep
// the community dirty until the remote flush confirms.
func (s *Store) Flush(ctx context.Context, community string, snap ledger.Snapshot, all map[string]ledger.Snapshot) error {
	if err := s.mirror.Write(all); err != nil {
		slog.Error("mirror write failed", slog.Any("err", err), slog.String("component", "store"))
	}
	return s.SaveTable(ctx, community, FlagsHeader, snap)
}

// LoadTable fetches and parses the pinned record with the given header.
// The found return is false when no such record is pinned.
func (s *Store) LoadTable(ctx context.Context, community, header string) (map[string]int, bool, error) {
	chID, err := s.ensureChannel(ctx, community)
	if err != nil {
		return nil, false, err
	}
	pins, err := s.g.PinnedMessages(ctx, chID)
	if err != nil {
		return nil, false, err
	}
	prefix := header + "\n"
	for _, p := range pins {
		if !strings.HasPrefix(p.Content, prefix) {
			continue
		}
		table := parseTable(strings.TrimPrefix(p.Content, prefix))
		s.mu.Lock()
		s.records[s.refKey(community, header)] = recordRef{channelID: chID, messageID: p.ID}
		s.mu.Unlock()
		return table, true, nil
	}
	return nil, false, nil
}

// SaveTable serializes the table under the header and lands it as the pinned
// record: edit the cached handle when possible, otherwise re-find an existing
// pinned record to edit, otherwise create and pin a new one. Tolerates the
// record having been deleted externally.
func (s *Store) SaveTable(ctx context.Context, community, header string, table map[string]int) error {
	chID, err := s.ensureChannel(ctx, community)
	if err != nil {
		return err
	}
	content := EncodeTable(header, table)
	key := s.refKey(community, header)

	s.mu.Lock()
	ref, cached := s.records[key]
	s.mu.Unlock()

	if cached {
		if err := s.g.EditMessage(ctx, ref.channelID, ref.messageID, content); err == nil {
			return nil
		} else {
			slog.Debug("cached pinned record edit failed; re-searching pins",
				slog.String("community", community), slog.Any("err", err), slog.String("component", "store"))
		}
	}

	pins, err := s.g.PinnedMessages(ctx, chID)
	if err == nil {
		prefix := header + "\n"
		for _, p := range pins {
			if !strings.HasPrefix(p.Content, prefix) {
				continue
			}
			if err := s.g.EditMessage(ctx, chID, p.ID, content); err != nil {
				break // fall through to recreate
			}
			s.mu.Lock()
			s.records[key] = recordRef{channelID: chID, messageID: p.ID}
			s.mu.Unlock()
			return nil
		}
	}

	msg, err := s.g.SendMessage(ctx, chID, content)
	if err != nil {
		return fmt.Errorf("create pinned record: %w", err)
	}
	if err := s.g.PinMessage(ctx, chID, msg.ID); err != nil {
		return fmt.Errorf("pin record: %w", err)
	}
	s.mu.Lock()
	s.records[key] = recordRef{channelID: chID, messageID: msg.ID}
	s.mu.Unlock()
	return nil
}

// EncodeTable renders "header\nkey:value\n..." with keys sorted so repeated
// flushes of unchanged state are byte-identical.
func EncodeTable(header string, table map[string]int) string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(table[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// parseTable reads "key:value" lines, skipping anything malformed rather than
// aborting the rest of the parse.
func parseTable(body string) map[string]int {
	out := make(map[string]int)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = n
	}
	return out
}
