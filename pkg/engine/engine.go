package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"toolgate/pkg/audit"
	"toolgate/pkg/models"
	"toolgate/pkg/permission"
	"toolgate/pkg/stream"
	"toolgate/pkg/usagebus"
)

const DefaultTimeout = 30 * time.Second

var ErrToolNotFound = errors.New("tool not found")

// DeniedError carries the decision that refused a call.
type DeniedError struct {
	Decision models.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool %s denied: %s", e.Decision.Tool, e.Decision.Reason)
}

type Auditor interface {
	Append(ctx context.Context, d models.Decision, outcome string, took time.Duration) error
}

type Observer interface {
	ObserveExecution(tool string, err error, d time.Duration)
	EventDropped(sink string)
}

type nopObserver struct{}

func (nopObserver) ObserveExecution(string, error, time.Duration) {}
func (nopObserver) EventDropped(string)                           {}

// Result is the outcome of one Execute call.
type Result struct {
	Decision models.Decision `json:"decision"`
	Output   json.RawMessage `json:"output,omitempty"`
	Duration time.Duration   `json:"-"`
}

type Engine struct {
	perms        *permission.Service
	registry     *Registry
	audit        Auditor
	events       usagebus.Publisher
	hub          *stream.Hub
	observer     Observer
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
	publishAfter time.Duration
}

type Option func(*Engine)

func WithAuditor(a Auditor) Option { return func(e *Engine) { e.audit = a } }

func WithPublisher(p usagebus.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

func WithHub(h *stream.Hub) Option { return func(e *Engine) { e.hub = h } }

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(perms *permission.Service, registry *Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		perms:        perms,
		registry:     registry,
		events:       usagebus.Nop{},
		observer:     nopObserver{},
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("toolgate/engine"),
		now:          func() time.Time { return time.Now().UTC() },
		publishAfter: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Permissions() *permission.Service { return e.perms }
func (e *Engine) Registry() *Registry              { return e.registry }

// Authorize is the consuming decision for callers that run the tool
// themselves. The decision is recorded like an engine run.
func (e *Engine) Authorize(ctx context.Context, user models.UserContext, tool string) models.Decision {
	d := e.perms.Evaluate(ctx, user, tool)
	outcome := audit.OutcomeAuthorized
	if !d.Allowed {
		outcome = audit.OutcomeDenied
	}
	e.record(ctx, user, d, outcome, 0)
	return d
}

// Execute evaluates and, when admitted, runs tool. An executor failure is
// returned after the call is recorded; the usage stays counted.
func (e *Engine) Execute(ctx context.Context, user models.UserContext, name string, params json.RawMessage) (Result, error) {
	name = strings.TrimSpace(name)
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(attribute.String("tool", name)))
	defer span.End()

	tool, ok := e.registry.Get(name)
	if !ok {
		span.SetStatus(codes.Error, "tool not found")
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	d := e.perms.Evaluate(ctx, user, name)
	span.SetAttributes(attribute.String("decision_id", d.DecisionID), attribute.String("reason", d.Reason))
	if !d.Allowed {
		e.record(ctx, user, d, audit.OutcomeDenied, 0)
		return Result{Decision: d}, &DeniedError{Decision: d}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	start := e.now()
	out, err := tool.Executor.Execute(runCtx, Invocation{
		DecisionID: d.DecisionID,
		Tool:       name,
		Tenant:     user.Tenant,
		UserID:     user.UserID,
		Params:     params,
	})
	cancel()
	took := e.now().Sub(start)
	e.observer.ObserveExecution(name, err, took)

	outcome := audit.OutcomeSucceeded
	if err != nil {
		outcome = audit.OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor failed")
		e.logger.Warn("tool execution failed",
			zap.String("tool", name),
			zap.String("user_id", user.UserID),
			zap.String("decision_id", d.DecisionID),
			zap.Error(err),
		)
	}
	e.record(ctx, user, d, outcome, took)
	if err != nil {
		return Result{Decision: d, Duration: took}, fmt.Errorf("execute %s: %w", name, err)
	}
	return Result{Decision: d, Output: out, Duration: took}, nil
}

type decisionEvent struct {
	Decision   models.Decision `json:"decision"`
	Outcome    string          `json:"outcome"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

func (e *Engine) record(ctx context.Context, user models.UserContext, d models.Decision, outcome string, took time.Duration) {
	if e.audit != nil {
		if err := e.audit.Append(ctx, d, outcome, took); err != nil {
			e.logger.Error("audit append failed", zap.String("decision_id", d.DecisionID), zap.Error(err))
		}
	}
	if e.hub != nil {
		eventType := stream.EventDecision
		if outcome == audit.OutcomeSucceeded || outcome == audit.OutcomeFailed {
			eventType = stream.EventExecution
		}
		e.hub.Publish(stream.NewEvent(eventType, d.Tenant, decisionEvent{Decision: d, Outcome: outcome, DurationMS: took.Milliseconds()}))
	}
	if !d.Allowed {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishAfter)
	defer cancel()
	err := e.events.Publish(pubCtx, models.UsageEvent{
		DecisionID: d.DecisionID,
		Tenant:     user.Tenant,
		UserID:     user.UserID,
		Tool:       d.Tool,
		Plan:       user.Plan,
		Outcome:    outcome,
		DurationMS: took.Milliseconds(),
		At:         e.now(),
	})
	if err != nil {
		e.observer.EventDropped("usagebus")
		e.logger.Warn("usage event dropped", zap.String("decision_id", d.DecisionID), zap.Error(err))
	}
}
