package ratelimit

import (
	"context"
	"sync"
	"time"

	"toolgate/pkg/models"
)

// InMemoryCounter keeps counters in process. It backs the CLI and acts as the
// fallback when Redis is unreachable.
type InMemoryCounter struct {
	mu     sync.Mutex
	prefix string
	items  map[string]entry
}

type entry struct {
	count     int
	expiresAt time.Time
}

func NewInMemory() *InMemoryCounter {
	return &InMemoryCounter{
		prefix: DefaultPrefix,
		items:  make(map[string]entry),
	}
}

func (c *InMemoryCounter) Peek(_ context.Context, key Key, limits []models.WindowLimit, now time.Time) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup(now)
	counts, resets, _ := c.lookup(key, limits, now)
	return evaluateCounts(limits, counts, resets), nil
}

func (c *InMemoryCounter) Consume(_ context.Context, key Key, limits []models.WindowLimit, now time.Time) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup(now)
	counts, resets, keys := c.lookup(key, limits, now)
	peek := evaluateCounts(limits, counts, resets)
	if !peek.Admitted {
		return peek, nil
	}
	res := Result{Admitted: true, Windows: make([]models.WindowUsage, 0, len(limits))}
	for i, wl := range limits {
		counts[i]++
		c.items[keys[i]] = entry{count: counts[i], expiresAt: resets[i]}
		res.Windows = append(res.Windows, usage(wl, counts[i], resets[i], false))
	}
	return res, nil
}

func (c *InMemoryCounter) Reset(_ context.Context, key Key, windows []models.Window, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range windows {
		k, _ := storageKey(c.prefix, key, w, now)
		delete(c.items, k)
	}
	return nil
}

func (c *InMemoryCounter) lookup(key Key, limits []models.WindowLimit, now time.Time) ([]int, []time.Time, []string) {
	counts := make([]int, len(limits))
	resets := make([]time.Time, len(limits))
	keys := make([]string, len(limits))
	for i, wl := range limits {
		k, resetAt := storageKey(c.prefix, key, wl.Window, now)
		keys[i] = k
		resets[i] = resetAt
		if e, ok := c.items[k]; ok {
			counts[i] = e.count
		}
	}
	return counts, resets, keys
}

func (c *InMemoryCounter) cleanup(now time.Time) {
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
}
