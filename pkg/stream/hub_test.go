package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(EventDecision, "acme", map[string]string{"tool": "web_search"})
	if evt.Type != EventDecision || evt.Tenant != "acme" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["tool"] != "web_search" {
		t.Fatalf("expected tool=web_search, got %q", payload["tool"])
	}
	if NewEvent("x", "", nil).Data != nil {
		t.Fatal("expected nil data for nil payload")
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe("", 1)
	if n := h.Publish(NewEvent("ready", "acme", nil)); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
	if _, open := <-sub.C; open {
		t.Fatal("expected closed channel")
	}
}

func TestPublishFiltersByTenant(t *testing.T) {
	t.Parallel()

	h := NewHub()
	acme := h.Subscribe("acme", 4)
	globex := h.Subscribe("globex", 4)
	all := h.Subscribe("", 4)
	defer h.Unsubscribe(acme)
	defer h.Unsubscribe(globex)
	defer h.Unsubscribe(all)

	if n := h.Publish(NewEvent(EventDecision, "acme", nil)); n != 2 {
		t.Fatalf("expected delivery to acme and wildcard, got %d", n)
	}
	if len(acme.C) != 1 || len(globex.C) != 0 || len(all.C) != 1 {
		t.Fatalf("unexpected buffers acme=%d globex=%d all=%d", len(acme.C), len(globex.C), len(all.C))
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe("", 1)
	defer h.Unsubscribe(sub)

	h.Publish(NewEvent("first", "", nil))
	h.Publish(NewEvent("second", "", nil))

	select {
	case evt := <-sub.C:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-sub.C:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", h.Dropped())
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe("", 0)
	defer h.Unsubscribe(sub)
	if cap(sub.C) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(sub.C))
	}
}
