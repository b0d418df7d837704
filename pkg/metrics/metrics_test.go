package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDecisionAndCounterErrors(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("TOOL_ALLOWED", true)
	r.ObserveDecision("TOOL_ALLOWED", true)
	r.ObserveDecision("RATE_LIMITED", true)
	r.ObserveCounterError("consume")

	if got := testutil.ToFloat64(r.Decisions.WithLabelValues("TOOL_ALLOWED", "true")); got != 2 {
		t.Fatalf("expected 2 allowed decisions, got %v", got)
	}
	if got := testutil.ToFloat64(r.Decisions.WithLabelValues("RATE_LIMITED", "true")); got != 1 {
		t.Fatalf("expected 1 rate limited decision, got %v", got)
	}
	if got := testutil.ToFloat64(r.CounterErrors.WithLabelValues("consume")); got != 1 {
		t.Fatalf("expected 1 counter error, got %v", got)
	}
}

func TestObserveExecution(t *testing.T) {
	r := NewRegistry()
	r.ObserveExecution("web_search", nil, 20*time.Millisecond)
	r.ObserveExecution("web_search", errors.New("boom"), time.Second)
	if got := testutil.ToFloat64(r.ToolExecutions.WithLabelValues("web_search", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(r.ToolExecutions.WithLabelValues("web_search", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if n := testutil.CollectAndCount(r.ToolDuration); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
	r.EventDropped("kafka")
	if got := testutil.ToFloat64(r.EventsDropped.WithLabelValues("kafka")); got != 1 {
		t.Fatalf("expected 1 dropped event, got %v", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := NewRegistry()
	router := chi.NewRouter()
	router.Use(reg.Middleware)
	router.Post("/v1/tools/{tool}/check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	for _, tool := range []string{"a", "b", "c"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/tools/"+tool+"/check", nil))
	}
	if n := testutil.CollectAndCount(reg.HTTPDuration); n != 1 {
		t.Fatalf("expected a single route series, got %d", n)
	}

	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `route="/v1/tools/{tool}/check"`) || !strings.Contains(body, `status="403"`) {
		t.Fatalf("expected route labels in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("expected go collector metrics")
	}
}
