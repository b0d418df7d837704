package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// flakyUpstream fails the first n invocations with status and then answers 200.
func flakyUpstream(n int32, status int) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"upstream"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	return srv, &calls
}

func TestRequestJSONRetriesUpstream5xx(t *testing.T) {
	srv, calls := flakyUpstream(2, http.StatusBadGateway)
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"q":"go"}`), nil, 2, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"result":"ok"}`, string(body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestRequestJSONReturnsLast5xxWhenRetriesRunOut(t *testing.T) {
	srv, calls := flakyUpstream(10, http.StatusServiceUnavailable)
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, nil, nil, 1, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.JSONEq(t, `{"error":"upstream"}`, string(body))
	assert.EqualValues(t, 2, calls.Load())
}

func TestRequestJSONDoesNotRetryClientErrors(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusTooManyRequests} {
		srv, calls := flakyUpstream(10, code)
		status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, nil, nil, 3, time.Millisecond)
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, code, status)
		assert.EqualValues(t, 1, calls.Load(), "status %d retried", code)
	}
}

func TestRequestJSONBackoffDoubles(t *testing.T) {
	var mu sync.Mutex
	var at []time.Time
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
		return nil, errors.New("connection refused")
	})}

	_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://tool.invalid/run", nil, nil, 3, 20*time.Millisecond)
	require.ErrorContains(t, err, "connection refused")
	require.Len(t, at, 4)

	for i, want := range []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond} {
		gap := at[i+1].Sub(at[i])
		assert.GreaterOrEqual(t, gap, want, "gap before attempt %d", i+2)
	}
}

func TestRequestJSONCancelDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		time.AfterFunc(10*time.Millisecond, cancel)
		return nil, errors.New("connection reset")
	})}

	start := time.Now()
	_, _, err := RequestJSON(ctx, client, http.MethodPost, "http://tool.invalid/run", []byte(`{}`), nil, 5, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRequestJSONDeadlineDuringBackoff(t *testing.T) {
	srv, calls := flakyUpstream(10, http.StatusInternalServerError)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := RequestJSON(ctx, srv.Client(), http.MethodPost, srv.URL, nil, nil, 5, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRequestJSONRequestShape(t *testing.T) {
	var got *http.Request
	var gotBody string
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		got = req
		raw, _ := io.ReadAll(req.Body)
		gotBody = string(raw)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{}`)), Header: http.Header{}}, nil
	})}

	headers := map[string]string{"Authorization": "Bearer tool-token", "X-Decision-ID": "d-1"}
	_, _, err := RequestJSON(context.Background(), client, http.MethodPost, "http://tool.invalid/run", []byte(`{"q":"go"}`), headers, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "Bearer tool-token", got.Header.Get("Authorization"))
	assert.Equal(t, "d-1", got.Header.Get("X-Decision-ID"))
	assert.Equal(t, `{"q":"go"}`, gotBody)

	_, _, err = RequestJSON(context.Background(), client, http.MethodGet, "http://tool.invalid/health", nil, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got.Header.Get("Content-Type"))
}

func TestRequestJSONInvalidMethod(t *testing.T) {
	_, _, err := RequestJSON(context.Background(), nil, "not a method", "http://tool.invalid", nil, nil, 2, 0)
	assert.Error(t, err)
}

func TestNewClientPropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID := oteltrace.TraceID{0x0a, 0x0b, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	parent := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     oteltrace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: oteltrace.FlagsSampled,
	})

	var traceparent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent.Store(r.Header.Get("traceparent"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	assert.Equal(t, 2*time.Second, client.Timeout)
	assert.IsType(t, &otelhttp.Transport{}, client.Transport)

	ctx := oteltrace.ContextWithSpanContext(context.Background(), parent)
	status, _, err := RequestJSON(ctx, client, http.MethodPost, srv.URL, []byte(`{}`), nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, traceparent.Load(), traceID.String())
}
