package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the hub.
const (
	EventDecision  = "decision"
	EventExecution = "execution"
	EventReset     = "usage_reset"
)

type Event struct {
	Type   string          `json:"type"`
	Tenant string          `json:"tenant,omitempty"`
	At     string          `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, tenant string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Tenant: tenant, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events for one tenant, or every tenant when the
// tenant is empty.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	tenant string
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(tenant string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, tenant: tenant}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	if exists {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	if exists {
		close(sub.ch)
	}
}

// Publish returns the number of subscribers that received the event.
func (h *Hub) Publish(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs {
		if sub.tenant != "" && sub.tenant != evt.Tenant {
			continue
		}
		select {
		case sub.ch <- evt:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
