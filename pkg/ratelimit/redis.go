package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"toolgate/pkg/models"
)

// consumeScript checks every window before touching any of them.
// ARGV holds (ttl_ms, limit) pairs in KEYS order. Reply: {admitted, blocked_index, counts...}.
var consumeScript = redis.NewScript(`
local n = #KEYS
local counts = {}
for i = 1, n do
  counts[i] = tonumber(redis.call("GET", KEYS[i]) or "0")
end
for i = 1, n do
  if counts[i] >= tonumber(ARGV[2 * i]) then
    local out = {0, i}
    for j = 1, n do out[#out + 1] = counts[j] end
    return out
  end
end
for i = 1, n do
  local current = redis.call("INCR", KEYS[i])
  if current == 1 then
    redis.call("PEXPIRE", KEYS[i], ARGV[2 * i - 1])
  end
  counts[i] = current
end
local out = {1, 0}
for j = 1, n do out[#out + 1] = counts[j] end
return out
`)

// RedisCounter keeps window counters in Redis. When Redis fails it answers
// with Open and ErrStoreUnavailable; it never denies on a store error.
type RedisCounter struct {
	Client  redis.UniversalClient
	Prefix  string
	Timeout time.Duration
}

func NewRedis(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{
		Client:  client,
		Prefix:  DefaultPrefix,
		Timeout: 2 * time.Second,
	}
}

func (c *RedisCounter) Peek(ctx context.Context, key Key, limits []models.WindowLimit, now time.Time) (Result, error) {
	if len(limits) == 0 {
		return Result{Admitted: true}, nil
	}
	if c.Client == nil {
		return c.degrade(limits, now, errors.New("redis client not configured"))
	}
	keys, resets := c.keys(key, limits, now)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	vals, err := c.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return c.degrade(limits, now, err)
	}
	counts := make([]int, len(limits))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return c.degrade(limits, now, fmt.Errorf("parse counter %s: %w", keys[i], convErr))
		}
		counts[i] = n
	}
	return evaluateCounts(limits, counts, resets), nil
}

func (c *RedisCounter) Consume(ctx context.Context, key Key, limits []models.WindowLimit, now time.Time) (Result, error) {
	if len(limits) == 0 {
		return Result{Admitted: true}, nil
	}
	if c.Client == nil {
		return c.degrade(limits, now, errors.New("redis client not configured"))
	}
	keys, resets := c.keys(key, limits, now)
	args := make([]any, 0, 2*len(limits))
	for _, wl := range limits {
		ttl := wl.Window.Duration() + time.Second
		args = append(args, ttl.Milliseconds(), wl.Limit)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	raw, err := consumeScript.Run(ctx, c.Client, keys, args...).Result()
	if err != nil {
		return c.degrade(limits, now, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != len(limits)+2 {
		return c.degrade(limits, now, fmt.Errorf("unexpected script reply %T", raw))
	}
	admitted, _ := vals[0].(int64)
	blocked, _ := vals[1].(int64)
	res := Result{Admitted: admitted == 1, Windows: make([]models.WindowUsage, 0, len(limits))}
	for i, wl := range limits {
		count, _ := vals[i+2].(int64)
		exceeded := !res.Admitted && int64(i+1) == blocked
		if exceeded {
			res.Exceeded = wl.Window
		}
		res.Windows = append(res.Windows, usage(wl, int(count), resets[i], exceeded))
	}
	return res, nil
}

func (c *RedisCounter) Reset(ctx context.Context, key Key, windows []models.Window, now time.Time) error {
	if c.Client == nil || len(windows) == 0 {
		return nil
	}
	keys := make([]string, 0, len(windows))
	for _, w := range windows {
		k, _ := storageKey(c.prefix(), key, w, now)
		keys = append(keys, k)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.Client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

func (c *RedisCounter) keys(key Key, limits []models.WindowLimit, now time.Time) ([]string, []time.Time) {
	keys := make([]string, len(limits))
	resets := make([]time.Time, len(limits))
	for i, wl := range limits {
		keys[i], resets[i] = storageKey(c.prefix(), key, wl.Window, now)
	}
	return keys, resets
}

func (c *RedisCounter) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

func (c *RedisCounter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *RedisCounter) degrade(limits []models.WindowLimit, now time.Time, cause error) (Result, error) {
	return Open(limits, now), fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
}
