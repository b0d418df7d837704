package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestIdempotencyLifecycle(t *testing.T) {
	caches := map[string]func(t *testing.T) Cache{
		"memory": func(*testing.T) Cache { return NewMemoryCache() },
		"redis": func(t *testing.T) Cache {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisCache(client)
		},
	}
	for name, mk := range caches {
		t.Run(name, func(t *testing.T) {
			idem := NewIdempotency(mk(t))
			ctx := context.Background()

			stored, err := idem.Begin(ctx, "acme", "u-1", "web_search", "key-1")
			if err != nil || stored != nil {
				t.Fatalf("expected claim, got %+v %v", stored, err)
			}
			if _, err := idem.Begin(ctx, "acme", "u-1", "web_search", "key-1"); !errors.Is(err, ErrInFlight) {
				t.Fatalf("expected ErrInFlight, got %v", err)
			}
			// another user may reuse the same key
			if stored, err := idem.Begin(ctx, "acme", "u-2", "web_search", "key-1"); err != nil || stored != nil {
				t.Fatalf("expected independent claim, got %+v %v", stored, err)
			}

			resp := StoredResponse{Status: 200, Body: json.RawMessage(`{"ok":true}`)}
			if err := idem.Complete(ctx, "acme", "u-1", "web_search", "key-1", resp); err != nil {
				t.Fatalf("complete: %v", err)
			}
			stored, err = idem.Begin(ctx, "acme", "u-1", "web_search", "key-1")
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if stored == nil || stored.Status != 200 || string(stored.Body) != `{"ok":true}` {
				t.Fatalf("unexpected replay %+v", stored)
			}
		})
	}
}

func TestIdempotencyAbortReleasesKey(t *testing.T) {
	idem := NewIdempotency(NewMemoryCache())
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "acme", "u-1", "calculator", "k"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := idem.Abort(ctx, "acme", "u-1", "calculator", "k"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	stored, err := idem.Begin(ctx, "acme", "u-1", "calculator", "k")
	if err != nil || stored != nil {
		t.Fatalf("expected fresh claim after abort, got %+v %v", stored, err)
	}
}

func TestIdempotencyCorruptValue(t *testing.T) {
	cache := NewMemoryCache()
	idem := NewIdempotency(cache)
	ctx := context.Background()
	if err := cache.Set(ctx, idem.key("acme", "u-1", "calculator", "k"), "{not json", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := idem.Begin(ctx, "acme", "u-1", "calculator", "k"); err == nil {
		t.Fatal("expected decode error")
	}
}
