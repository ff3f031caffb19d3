// Package detector decides whether a message contains banned content. The
// engine only depends on the Check contract; the matching strategy behind it
// is replaceable.
package detector

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Verdict names the banned word a message matched.
type Verdict struct {
	Word string
}

// Detector returns at most one match per call and must be side-effect free.
// A nil verdict with nil error means the message is clean. Errors are treated
// as "no match" by the engine (fail-open) but logged distinctly.
type Detector interface {
	Check(ctx context.Context, text string) (*Verdict, error)
}

// KeywordDetector matches normalized message text against a reloadable list
// of banned keywords. Normalization lowercases and strips everything outside
// [a-z0-9], so spacing and punctuation tricks ("b-a-d", "b a d") still match.
type KeywordDetector struct {
	mu    sync.RWMutex
	path  string
	words []string
}

// NewKeywordDetector loads the keyword file at path. A missing file yields an
// empty list, not an error; moderation simply matches nothing until the file
// appears.
func NewKeywordDetector(path string) *KeywordDetector {
	d := &KeywordDetector{path: path}
	if err := d.Reload(); err != nil {
		slog.Warn("keyword list unavailable", slog.String("path", path), slog.Any("err", err))
	}
	return d
}

// Reload re-reads the keyword file. Lines are one keyword each; blank lines
// and '#' comments are skipped. Keywords are stored pre-normalized.
func (d *KeywordDetector) Reload() error {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			d.words = nil
			d.mu.Unlock()
			return nil
		}
		return fmt.Errorf("open keyword list: %w", err)
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if w := Normalize(line); w != "" {
			words = append(words, w)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan keyword list: %w", err)
	}
	d.mu.Lock()
	d.words = words
	d.mu.Unlock()
	return nil
}

// Check reports the first banned keyword contained in the normalized text.
func (d *KeywordDetector) Check(ctx context.Context, text string) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nm := Normalize(text)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.words {
		if strings.Contains(nm, w) {
			return &Verdict{Word: w}, nil
		}
	}
	return nil, nil
}

// Normalize lowercases text and strips every rune outside [a-z0-9].
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
