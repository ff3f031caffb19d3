package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/onnwee/modwarden/ledger"
)

const mirrorFile = "flags.dat"

// Mirror is the local flag file, one "community:user:count" line per entry.
// It is advisory last-writer-wins durability, not the authority; writes are
// full rewrites via temp-file-then-rename so a crash mid-write can never
// truncate it.
type Mirror struct {
	dir string
}

func NewMirror(dir string) *Mirror {
	return &Mirror{dir: dir}
}

// Path returns the mirror file location.
func (m *Mirror) Path() string { return filepath.Join(m.dir, mirrorFile) }

// Write rewrites the whole mirror from the given state.
func (m *Mirror) Write(all map[string]ledger.Snapshot) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	communities := make([]string, 0, len(all))
	for c := range all {
		communities = append(communities, c)
	}
	sort.Strings(communities)

	var b strings.Builder
	for _, c := range communities {
		snap := all[c]
		users := make([]string, 0, len(snap))
		for u := range snap {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			b.WriteString(c)
			b.WriteByte(':')
			b.WriteString(u)
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(snap[u]))
			b.WriteByte('\n')
		}
	}
	return WriteFileAtomic(m.Path(), []byte(b.String()))
}

// Read parses the mirror into per-community snapshots. Malformed lines are
// skipped; a missing file yields empty state.
func (m *Mirror) Read() (map[string]ledger.Snapshot, error) {
	out := make(map[string]ledger.Snapshot)
	f, err := os.Open(m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("open mirror: %w", err)
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
		count, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || community == "" || user == "" || count < 0 {
			continue
		}
		if out[community] == nil {
			out[community] = make(ledger.Snapshot)
		}
		out[community][user] = count
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan mirror: %w", err)
	}
	return out, nil
}

// WriteFileAtomic lands content via a temp file in the same directory and a
// rename, so readers never observe a partial write. Shared by the flag mirror
// and the appeals table.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
