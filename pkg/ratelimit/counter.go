package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"toolgate/pkg/models"
)

// ErrStoreUnavailable marks a soft failure of the counter store. The Result
// returned alongside it is Open: zero counts, admitted.
var ErrStoreUnavailable = errors.New("counter store unavailable")

const DefaultPrefix = "toolgate:usage:"

// Key identifies the usage series of one user of a tenant on one tool.
type Key struct {
	Tenant string
	UserID string
	Tool   string
}

// series encodes the key so that no two keys share a string, whatever
// separators the parts contain.
func (k Key) series() string {
	var b strings.Builder
	for i, part := range []string{k.Tenant, k.UserID, k.Tool} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

// slot is the Redis Cluster hash tag of the series. Only hex goes between the
// braces, so user-supplied braces cannot split a series across slots.
func (k Key) slot() string {
	sum := sha256.Sum256([]byte(k.series()))
	return hex.EncodeToString(sum[:8])
}

// Result is the per-window view after a Peek or Consume.
type Result struct {
	Admitted bool
	Windows  []models.WindowUsage
	Exceeded models.Window
	Degraded bool
}

// Status converts the result into the decision payload.
func (r Result) Status() *models.RateLimitStatus {
	return &models.RateLimitStatus{
		Windows:  r.Windows,
		Exceeded: r.Exceeded,
		Degraded: r.Degraded,
	}
}

// Counter counts tool usage in fixed windows.
//
// Consume must be atomic across windows: either every window is incremented
// or none is.
type Counter interface {
	Peek(ctx context.Context, key Key, limits []models.WindowLimit, now time.Time) (Result, error)
	Consume(ctx context.Context, key Key, limits []models.WindowLimit, now time.Time) (Result, error)
	Reset(ctx context.Context, key Key, windows []models.Window, now time.Time) error
}

// bucket returns the bucket index and the instant it rolls over.
func bucket(w models.Window, now time.Time) (int64, time.Time) {
	secs := int64(w.Duration() / time.Second)
	if secs <= 0 {
		secs = 60
	}
	idx := now.Unix() / secs
	return idx, time.Unix((idx+1)*secs, 0).UTC()
}

// storageKey builds <prefix>{slot}:<series>:window:bucket. Every window of one
// series shares the hash tag, so the Lua script can touch them together.
func storageKey(prefix string, key Key, w models.Window, now time.Time) (string, time.Time) {
	idx, resetAt := bucket(w, now)
	return prefix + "{" + key.slot() + "}:" + key.series() + ":" + string(w) + ":" + strconv.FormatInt(idx, 10), resetAt
}

func usage(wl models.WindowLimit, count int, resetAt time.Time, exceeded bool) models.WindowUsage {
	remaining := wl.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return models.WindowUsage{
		Window:    wl.Window,
		Limit:     wl.Limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
		Exceeded:  exceeded,
	}
}

// evaluateCounts builds a peek-style result from raw counts.
func evaluateCounts(limits []models.WindowLimit, counts []int, resets []time.Time) Result {
	res := Result{Admitted: true, Windows: make([]models.WindowUsage, 0, len(limits))}
	for i, wl := range limits {
		exceeded := counts[i] >= wl.Limit
		if exceeded && res.Exceeded == "" {
			res.Exceeded = wl.Window
			res.Admitted = false
		}
		res.Windows = append(res.Windows, usage(wl, counts[i], resets[i], exceeded))
	}
	return res
}

// Open is the soft-fail result: every window reads zero and the call is
// admitted.
func Open(limits []models.WindowLimit, now time.Time) Result {
	res := Result{Admitted: true, Degraded: true, Windows: make([]models.WindowUsage, 0, len(limits))}
	for _, wl := range limits {
		_, resetAt := bucket(wl.Window, now)
		res.Windows = append(res.Windows, usage(wl, 0, resetAt, false))
	}
	return res
}
