package policy

import (
	"testing"
	"time"

	"github.com/onnwee/modwarden/settings"
)

func cfg() settings.Thresholds {
	return settings.Thresholds{MuteEvery: 5, FlagLimit: 10, MuteSeconds: 300}
}

func TestEvaluateThresholds(t *testing.T) {
	cases := []struct {
		next     int
		timeout  bool
		lockdown bool
	}{
		{1, false, false},
		{5, true, false},
		{7, false, false},
		{9, false, false},
		{10, true, true}, // multiple of 5 and at the limit: both fire
		{11, false, true},
		{15, true, true},
	}
	for _, c := range cases {
		a := Evaluate(c.next-1, c.next, cfg())
		if a.Timeout != c.timeout {
			t.Errorf("next=%d: Timeout = %v, want %v", c.next, a.Timeout, c.timeout)
		}
		if a.Lockdown != c.lockdown {
			t.Errorf("next=%d: Lockdown = %v, want %v", c.next, a.Lockdown, c.lockdown)
		}
	}
}

func TestEvaluateTimeoutDuration(t *testing.T) {
	a := Evaluate(4, 5, cfg())
	if !a.Timeout || a.TimeoutFor != 300*time.Second {
		t.Fatalf("unexpected action %+v", a)
	}
}

func TestEvaluateLockdownReason(t *testing.T) {
	a := Evaluate(9, 10, cfg())
	if !a.Lockdown || a.Reason != "flag_limit" {
		t.Fatalf("unexpected action %+v", a)
	}
}

func TestEvaluateZeroConfigDisables(t *testing.T) {
	a := Evaluate(4, 5, settings.Thresholds{})
	if !a.None() {
		t.Fatalf("zeroed thresholds should disable escalation, got %+v", a)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	c := cfg()
	first := Evaluate(4, 5, c)
	second := Evaluate(4, 5, c)
	if first != second {
		t.Fatalf("Evaluate not deterministic: %+v vs %+v", first, second)
	}
}
