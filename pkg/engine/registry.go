// Package engine runs catalog tools behind the permission service.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"toolgate/pkg/permission"
)

// Invocation is what an executor receives for one admitted call.
type Invocation struct {
	DecisionID string          `json:"decision_id"`
	Tool       string          `json:"tool"`
	Tenant     string          `json:"tenant,omitempty"`
	UserID     string          `json:"user_id"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

type Tool struct {
	Name        string
	Description string
	Category    string
	Timeout     time.Duration
	Executor    Executor
}

var ErrDuplicateTool = errors.New("tool already registered")

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("tool name required")
	}
	if t.Executor == nil {
		return fmt.Errorf("tool %s: executor required", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool ordered by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	tools := r.List()
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

// Infos converts the catalog for permission.Service.Availability.
func (r *Registry) Infos() []permission.ToolInfo {
	tools := r.List()
	out := make([]permission.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, permission.ToolInfo{Name: t.Name, Description: t.Description, Category: t.Category})
	}
	return out
}
