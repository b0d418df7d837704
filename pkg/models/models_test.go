package models

import (
	"testing"
	"time"
)

func TestParsePlanTier(t *testing.T) {
	tier, err := ParsePlanTier(" Enterprise ")
	if err != nil || tier != PlanEnterprise {
		t.Fatalf("expected enterprise, got %q err=%v", tier, err)
	}
	if _, err := ParsePlanTier("gold"); err == nil {
		t.Fatal("expected unknown tier error")
	}
	if !(PlanFree.Rank() < PlanPro.Rank() && PlanPro.Rank() < PlanEnterprise.Rank() && PlanEnterprise.Rank() < PlanDeveloper.Rank()) {
		t.Fatal("plan tiers out of order")
	}
	if PlanTier("gold").Rank() != -1 {
		t.Fatal("unknown tier must rank -1")
	}
}

func TestRateLimitWindowsOrder(t *testing.T) {
	rl := RateLimit{PerDay: 100, PerMinute: 5, Burst: 2}
	got := rl.Windows()
	if len(got) != 3 || got[0].Window != WindowBurst || got[1].Window != WindowMinute || got[2].Window != WindowDay {
		t.Fatalf("unexpected windows %+v", got)
	}
	if !(RateLimit{}).IsZero() {
		t.Fatal("empty limit should be zero")
	}
}

func TestUserContextHelpers(t *testing.T) {
	u := UserContext{Roles: []string{" Admin "}, FeatureFlags: map[string]bool{"b": true, "a": true, "off": false}}
	if !u.HasAnyRole("admin") || u.HasAnyRole("owner") || !u.HasAnyRole() {
		t.Fatal("unexpected role matching")
	}
	flags := u.EnabledFlags()
	if len(flags) != 2 || flags[0] != "a" || flags[1] != "b" {
		t.Fatalf("unexpected enabled flags %v", flags)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	status := &RateLimitStatus{
		Windows:  []WindowUsage{{Window: WindowMinute, ResetAt: now.Add(30 * time.Second)}},
		Exceeded: WindowMinute,
	}
	if got := status.RetryAfter(now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
	var none *RateLimitStatus
	if none.RetryAfter(now) != 0 {
		t.Fatal("nil status should not ask for retry")
	}
}
