// Package settings loads administrator-tunable thresholds from a YAML file
// with environment variable overrides. Values are read as a cold snapshot and
// re-read on a timer by the scheduler, so threshold changes apply without a
// restart but never mid-decision.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrKeyNotFound is returned by Get when any segment of the path is absent.
var ErrKeyNotFound = errors.New("settings: key not found")

// Thresholds is the snapshot of moderation tunables consumed per decision.
// Fields can be overridden via MODWARDEN_* environment variables.
type Thresholds struct {
	FlagLimit           int    `envconfig:"FLAG_LIMIT"`
	MuteEvery           int    `envconfig:"MUTE_EVERY"`
	MuteSeconds         int    `envconfig:"MUTE_TIME"`
	FilterAffectsAdmins bool   `envconfig:"FILTER_AFFECTS_ADMINS"`
	ReviewChannelID     string `envconfig:"REVIEW_CHANNEL"`
	LogChannelID        string `envconfig:"LOG_CHANNEL"`
	LockdownRoleID      string `envconfig:"LOCKDOWN_ROLE"`
	ModRoleID           string `envconfig:"MOD_ROLE"`
	WarnTemplate        string `envconfig:"WARN_TEMPLATE"`
}

// MuteDuration returns the timeout length as a duration.
func (t Thresholds) MuteDuration() time.Duration {
	return time.Duration(t.MuteSeconds) * time.Second
}

// Provider holds the parsed YAML tree and serves typed lookups.
type Provider struct {
	mu   sync.RWMutex
	path string
	tree map[string]any
}

// New loads the file at path. A missing file is an error; the service cannot
// moderate without thresholds.
func New(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads and re-parses the YAML file, replacing the snapshot
// atomically. A parse failure leaves the previous snapshot in place.
func (p *Provider) Reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	p.mu.Lock()
	p.tree = tree
	p.mu.Unlock()
	return nil
}

// Get walks the path through nested mappings and returns the value found.
// Missing segments return ErrKeyNotFound wrapped with the full path.
func (p *Provider) Get(path ...string) (Value, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var cur any = p.tree
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return Value{}, fmt.Errorf("%w: %s", ErrKeyNotFound, strings.Join(path, "."))
		}
		cur, ok = m[key]
		if !ok {
			return Value{}, fmt.Errorf("%w: %s", ErrKeyNotFound, strings.Join(path, "."))
		}
	}
	return Value{raw: cur}, nil
}

// Thresholds assembles the moderation snapshot from the tree and then applies
// MODWARDEN_* environment overrides.
func (p *Provider) Thresholds() Thresholds {
	t := Thresholds{
		// defaults matching a conservative out-of-the-box posture
		FlagLimit:    10,
		MuteEvery:    5,
		MuteSeconds:  300,
		WarnTemplate: "Your message was removed for `{word}`. React with ⚠️ within 24h to appeal.",
	}
	if v, err := p.Get("behaviour", "flags", "FLAG_LIMIT"); err == nil {
		if n, err := v.Int(); err == nil {
			t.FlagLimit = n
		}
	}
	if v, err := p.Get("behaviour", "flags", "MUTE_EVERY"); err == nil {
		if n, err := v.Int(); err == nil {
			t.MuteEvery = n
		}
	}
	if v, err := p.Get("behaviour", "flags", "MUTE_TIME"); err == nil {
		if n, err := v.Int(); err == nil {
			t.MuteSeconds = n
		}
	}
	if v, err := p.Get("behaviour", "flags", "FILTER_AFFECTS_ADMINS"); err == nil {
		if b, err := v.Bool(); err == nil {
			t.FilterAffectsAdmins = b
		}
	}
	if v, err := p.Get("behaviour", "flags", "review_channel"); err == nil {
		t.ReviewChannelID = v.String()
	}
	if v, err := p.Get("behaviour", "LOG_ID"); err == nil {
		t.LogChannelID = v.String()
	}
	if v, err := p.Get("roles", "lockdown_ID"); err == nil {
		t.LockdownRoleID = v.String()
	}
	if v, err := p.Get("roles", "mod_ID"); err == nil {
		t.ModRoleID = v.String()
	}
	if v, err := p.Get("behaviour", "flags", "WARN_DM"); err == nil {
		t.WarnTemplate = v.String()
	}
	// Env overrides win over the file; ignore parse errors and keep file values.
	_ = envconfig.Process("MODWARDEN", &t)
	return t
}

// Value wraps a raw YAML scalar and coerces textual forms on demand.
type Value struct {
	raw any
}

// Raw returns the underlying value as parsed by the YAML decoder.
func (v Value) Raw() any { return v.raw }

// String renders the value in its textual form.
func (v Value) String() string {
	switch x := v.raw.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Bool coerces bools and the strings "true"/"false" (case-insensitive).
func (v Value) Bool() (bool, error) {
	switch x := v.raw.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("settings: %v is not a bool", v.raw)
}

// Int coerces ints, whole floats, and numeric strings.
func (v Value) Int() (int, error) {
	switch x := v.raw.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x == float64(int(x)) {
			return int(x), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("settings: %v is not an int", v.raw)
}

// Float coerces ints, floats, and numeric strings.
func (v Value) Float() (float64, error) {
	switch x := v.raw.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("settings: %v is not a float", v.raw)
}
