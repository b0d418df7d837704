package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"toolgate/pkg/config"
	"toolgate/pkg/httpx"
)

// UpstreamError reports a non-2xx answer from a tool endpoint.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// HTTPExecutor posts the invocation as JSON to Endpoint.
type HTTPExecutor struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPExecutor) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if h.Endpoint == "" {
		return nil, errors.New("endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = httpx.NewClient(5 * time.Second)
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, h.Endpoint, payload, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, &UpstreamError{Status: status, Body: body}
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("upstream returned invalid json")
	}
	return body, nil
}

// RegistryFromSpecs registers an HTTPExecutor for every catalog entry.
func RegistryFromSpecs(specs []config.ToolSpec, client *http.Client, retryDelay time.Duration) (*Registry, error) {
	reg := NewRegistry()
	for _, spec := range specs {
		err := reg.Register(Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Category:    spec.Category,
			Timeout:     spec.Timeout,
			Executor: HTTPExecutor{
				Client:     client,
				Endpoint:   spec.URL,
				Headers:    spec.Headers,
				Retries:    spec.Retries,
				RetryDelay: retryDelay,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
