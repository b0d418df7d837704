package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNXAndDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k1", "v1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k1", "v2", time.Second)
	if err != nil || ok {
		t.Fatalf("expected second setnx to fail, ok=%v err=%v", ok, err)
	}
	if err := c.Del(ctx, "k1"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	ok, err = c.SetNX(ctx, "k1", "v3", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected setnx after del to succeed, ok=%v err=%v", ok, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k2", "v2", time.Minute); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, "k2")
	if err != nil || got != "v2" {
		t.Fatalf("expected v2, got %q err=%v", got, err)
	}
	now = now.Add(time.Minute)
	if _, err := c.Get(ctx, "k2"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss after ttl, got %v", err)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisCache(client)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "v", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setnx: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.SetNX(ctx, "k", "other", time.Minute); ok {
		t.Fatal("expected second setnx to fail")
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := c.Set(ctx, "k", "v2", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
	if err := c.Del(ctx, "missing"); err != nil {
		t.Fatalf("del: %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	if _, ok := NewCache(context.Background(), nil).(*MemoryCache); !ok {
		t.Fatal("expected memory cache without client")
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	if _, ok := NewCache(context.Background(), client).(*RedisCache); !ok {
		t.Fatal("expected redis cache when ping succeeds")
	}

	mr.Close()
	if _, ok := NewCache(context.Background(), client).(*MemoryCache); !ok {
		t.Fatal("expected memory cache when ping fails")
	}
}
