// Package policy maps an updated infraction count to the escalation that
// count earns. Evaluate is pure: thresholds arrive with every call so admin
// changes apply without a restart, and both escalations may fire on the same
// message.
package policy

import (
	"time"

	"github.com/onnwee/modwarden/settings"
)

// Action is the escalation decision for one flag increment.
type Action struct {
	Timeout    bool
	TimeoutFor time.Duration
	Lockdown   bool
	Reason     string
}

// None reports whether no escalation applies.
func (a Action) None() bool { return !a.Timeout && !a.Lockdown }

// Evaluate applies the escalation rules in order: every MuteEvery-th flag
// earns a timeout, and reaching FlagLimit earns a lockdown review. A timeout
// never suppresses the lockdown.
func Evaluate(prev, next int, cfg settings.Thresholds) Action {
	var a Action
	if cfg.MuteEvery > 0 && next > 0 && next%cfg.MuteEvery == 0 {
		a.Timeout = true
		a.TimeoutFor = cfg.MuteDuration()
	}
	if cfg.FlagLimit > 0 && next >= cfg.FlagLimit {
		a.Lockdown = true
		a.Reason = "flag_limit"
	}
	return a
}
