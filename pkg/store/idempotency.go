package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInFlight means another request holding the same idempotency key has not
// finished yet.
var ErrInFlight = errors.New("idempotent request in flight")

const pendingMarker = "pending"

// StoredResponse is the replayable result of an execute call.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency claims Idempotency-Key values so a retried execute returns the
// first response instead of running the tool and consuming quota again.
type Idempotency struct {
	cache      Cache
	prefix     string
	pendingTTL time.Duration
	resultTTL  time.Duration
}

func NewIdempotency(cache Cache) *Idempotency {
	return &Idempotency{
		cache:      cache,
		prefix:     "toolgate:idem:",
		pendingTTL: 2 * time.Minute,
		resultTTL:  24 * time.Hour,
	}
}

func (i *Idempotency) key(tenant, userID, tool, key string) string {
	return i.prefix + strings.Join([]string{tenant, userID, tool, key}, ":")
}

// Begin claims the key. A nil response with a nil error means the caller owns
// the key and must call Complete or Abort.
func (i *Idempotency) Begin(ctx context.Context, tenant, userID, tool, key string) (*StoredResponse, error) {
	k := i.key(tenant, userID, tool, key)
	claimed, err := i.cache.SetNX(ctx, k, pendingMarker, i.pendingTTL)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}
	raw, err := i.cache.Get(ctx, k)
	if errors.Is(err, ErrCacheMiss) {
		// expired between SetNX and Get
		return i.Begin(ctx, tenant, userID, tool, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if raw == pendingMarker {
		return nil, ErrInFlight
	}
	var resp StoredResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, nil
}

func (i *Idempotency) Complete(ctx context.Context, tenant, userID, tool, key string, resp StoredResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.cache.Set(ctx, i.key(tenant, userID, tool, key), string(raw), i.resultTTL)
}

// Abort releases a claim so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, tenant, userID, tool, key string) error {
	return i.cache.Del(ctx, i.key(tenant, userID, tool, key))
}
