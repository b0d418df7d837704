package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/pkg/config"
)

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Tool{Name: "web_search", Executor: echoExecutor()}))
	require.NoError(t, reg.Register(Tool{Name: " calculator ", Executor: echoExecutor()}))

	err := reg.Register(Tool{Name: "web_search", Executor: echoExecutor()})
	require.ErrorIs(t, err, ErrDuplicateTool)
	require.Error(t, reg.Register(Tool{Name: "  ", Executor: echoExecutor()}))
	require.Error(t, reg.Register(Tool{Name: "noop"}))

	assert.Equal(t, []string{"calculator", "web_search"}, reg.Names())
	_, ok := reg.Get("calculator")
	assert.True(t, ok)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryInfos(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Tool{Name: "b", Description: "second", Category: "util", Executor: echoExecutor()}))
	require.NoError(t, reg.Register(Tool{Name: "a", Executor: echoExecutor()}))

	infos := reg.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "second", infos[1].Description)
	assert.Equal(t, "util", infos[1].Category)
}

func TestHTTPExecutorPostsInvocation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Tool-Token") != "secret" {
			t.Errorf("missing tool header")
		}
		var inv Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"tool": inv.Tool, "user": inv.UserID})
	}))
	defer ts.Close()

	exec := HTTPExecutor{Endpoint: ts.URL, Headers: map[string]string{"X-Tool-Token": "secret"}}
	out, err := exec.Execute(context.Background(), Invocation{Tool: "web_search", UserID: "u-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool":"web_search","user":"u-1"}`, string(out))
}

func TestHTTPExecutorErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad"}`))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer ts.Close()

	_, err := HTTPExecutor{}.Execute(context.Background(), Invocation{})
	require.Error(t, err)

	_, err = HTTPExecutor{Endpoint: ts.URL + "/bad"}.Execute(context.Background(), Invocation{})
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadRequest, upstream.Status)

	out, err := HTTPExecutor{Endpoint: ts.URL + "/empty"}.Execute(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	_, err = HTTPExecutor{Endpoint: ts.URL + "/text"}.Execute(context.Background(), Invocation{})
	require.Error(t, err)
}

func TestRegistryFromSpecs(t *testing.T) {
	specs := []config.ToolSpec{
		{Name: "web_search", URL: "http://tools.local/search", Timeout: time.Second, Retries: 2},
		{Name: "calculator", URL: "http://tools.local/calc"},
	}
	reg, err := RegistryFromSpecs(specs, nil, 10*time.Millisecond)
	require.NoError(t, err)
	tool, ok := reg.Get("web_search")
	require.True(t, ok)
	assert.Equal(t, time.Second, tool.Timeout)
	exec, ok := tool.Executor.(HTTPExecutor)
	require.True(t, ok)
	assert.Equal(t, "http://tools.local/search", exec.Endpoint)
	assert.Equal(t, 2, exec.Retries)

	_, err = RegistryFromSpecs(append(specs, specs[0]), nil, 0)
	require.ErrorIs(t, err, ErrDuplicateTool)
}
