package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"toolgate/pkg/models"
)

var fixedNow = time.Date(2026, 3, 14, 12, 30, 5, 0, time.UTC)

func TestInMemoryCounterConsume(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()
	key := Key{Tenant: "acme", UserID: "u1", Tool: "web_search"}
	limits := []models.WindowLimit{{Window: models.WindowMinute, Limit: 2}, {Window: models.WindowDay, Limit: 10}}

	first, err := c.Consume(ctx, key, limits, fixedNow)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !first.Admitted || first.Windows[0].Count != 1 || first.Windows[0].Remaining != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second, _ := c.Consume(ctx, key, limits, fixedNow)
	if !second.Admitted || second.Windows[0].Count != 2 || second.Windows[0].Remaining != 0 {
		t.Fatalf("unexpected second result: %+v", second)
	}
	third, _ := c.Consume(ctx, key, limits, fixedNow)
	if third.Admitted || third.Exceeded != models.WindowMinute {
		t.Fatalf("expected minute window to block, got %+v", third)
	}
	if third.Windows[1].Count != 2 {
		t.Fatalf("denied consume must not increment other windows, got day count %d", third.Windows[1].Count)
	}

	next, _ := c.Consume(ctx, key, limits, fixedNow.Add(time.Minute))
	if !next.Admitted || next.Windows[0].Count != 1 || next.Windows[1].Count != 3 {
		t.Fatalf("expected new minute bucket and running day count, got %+v", next)
	}
}

func TestInMemoryCounterPeekDoesNotIncrement(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()
	key := Key{Tenant: "acme", UserID: "u1", Tool: "t"}
	limits := []models.WindowLimit{{Window: models.WindowHour, Limit: 1}}

	peek, _ := c.Peek(ctx, key, limits, fixedNow)
	if !peek.Admitted || peek.Windows[0].Count != 0 {
		t.Fatalf("unexpected peek: %+v", peek)
	}
	if _, err := c.Consume(ctx, key, limits, fixedNow); err != nil {
		t.Fatalf("consume: %v", err)
	}
	peek, _ = c.Peek(ctx, key, limits, fixedNow)
	if peek.Admitted || peek.Exceeded != models.WindowHour || peek.Windows[0].Count != 1 {
		t.Fatalf("expected exhausted hour window, got %+v", peek)
	}
	if !peek.Windows[0].ResetAt.Equal(time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset time %v", peek.Windows[0].ResetAt)
	}
}

func TestInMemoryCounterResetAndExpiry(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()
	key := Key{Tenant: "acme", UserID: "u1", Tool: "t"}
	limits := []models.WindowLimit{{Window: models.WindowBurst, Limit: 1}}

	if res, _ := c.Consume(ctx, key, limits, fixedNow); !res.Admitted {
		t.Fatalf("expected first burst call admitted")
	}
	if res, _ := c.Consume(ctx, key, limits, fixedNow); res.Admitted {
		t.Fatalf("expected burst limit to block")
	}
	if err := c.Reset(ctx, key, []models.Window{models.WindowBurst}, fixedNow); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res, _ := c.Consume(ctx, key, limits, fixedNow); !res.Admitted {
		t.Fatalf("expected admit after reset")
	}
	c.Peek(ctx, key, limits, fixedNow.Add(models.BurstWindow))
	if len(c.items) != 0 {
		t.Fatalf("expected expired buckets to be cleaned up, have %d", len(c.items))
	}
}

func TestStorageKeyLayout(t *testing.T) {
	k, reset := storageKey(DefaultPrefix, Key{Tenant: "acme", UserID: "u1", Tool: "analytics.query"}, models.WindowMinute, fixedNow)
	want := "toolgate:usage:{c2b62222b1b1adc5}:4:acme|2:u1|15:analytics.query:minute:29558190"
	if k != want {
		t.Fatalf("expected %q, got %q", want, k)
	}
	if !reset.Equal(time.Date(2026, 3, 14, 12, 31, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset %v", reset)
	}
}

func TestStorageKeysAreUnique(t *testing.T) {
	keys := []Key{
		{Tenant: "acme", UserID: "alice:mcp", Tool: "search"},
		{Tenant: "acme", UserID: "alice", Tool: "mcp:search"},
		{Tenant: "acme:alice", UserID: "mcp", Tool: "search"},
		{Tenant: "acme", UserID: "alice|mcp", Tool: "search"},
		{Tenant: "acme", UserID: "alice", Tool: "mcp|search"},
		{Tenant: "globex", UserID: "alice", Tool: "mcp:search"},
		{Tenant: "", UserID: "acme:alice", Tool: "mcp:search"},
		{Tenant: "acme", UserID: "al}ice", Tool: "{search"},
	}
	seen := map[string]Key{}
	for _, key := range keys {
		k, _ := storageKey(DefaultPrefix, key, models.WindowMinute, fixedNow)
		if prev, ok := seen[k]; ok {
			t.Fatalf("%+v and %+v share storage key %q", prev, key, k)
		}
		seen[k] = key
		open, closing := strings.Index(k, "{"), strings.Index(k, "}")
		if tag := k[open+1 : closing]; len(tag) != 16 {
			t.Fatalf("hash tag of %+v must be the hex slot, got %q", key, tag)
		}
	}

	minute, _ := storageKey(DefaultPrefix, keys[0], models.WindowMinute, fixedNow)
	day, _ := storageKey(DefaultPrefix, keys[0], models.WindowDay, fixedNow)
	if minute[:strings.Index(minute, "}")] != day[:strings.Index(day, "}")] {
		t.Fatalf("windows of one series must share a hash tag: %q vs %q", minute, day)
	}
}

func TestInMemoryCounterTenantsAreIndependent(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()
	limits := []models.WindowLimit{{Window: models.WindowMinute, Limit: 1}}
	acme := Key{Tenant: "acme", UserID: "user-1", Tool: "code.run"}
	globex := Key{Tenant: "globex", UserID: "user-1", Tool: "code.run"}

	if res, _ := c.Consume(ctx, acme, limits, fixedNow); !res.Admitted {
		t.Fatal("expected first acme call admitted")
	}
	if res, _ := c.Consume(ctx, globex, limits, fixedNow); !res.Admitted {
		t.Fatalf("globex must not see acme usage, got %+v", res)
	}
	if err := c.Reset(ctx, globex, []models.Window{models.WindowMinute}, fixedNow); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res, _ := c.Peek(ctx, acme, limits, fixedNow); res.Admitted {
		t.Fatal("resetting globex must leave acme exhausted")
	}
}
