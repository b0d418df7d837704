package permission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"toolgate/pkg/models"
	"toolgate/pkg/ratelimit"
)

// Observer receives decision outcomes for metrics.
type Observer interface {
	ObserveDecision(reason string, consumed bool)
	ObserveCounterError(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, bool) {}
func (nopObserver) ObserveCounterError(string)   {}

// ToolInfo describes a catalog entry for availability listings.
type ToolInfo struct {
	Name        string
	Description string
	Category    string
}

// Service evaluates tool requests against a Table and usage counters.
type Service struct {
	table    *Table
	counter  ratelimit.Counter
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(table *Table, counter ratelimit.Counter, opts ...Option) *Service {
	if table == nil {
		table = DefaultTable()
	}
	if counter == nil {
		counter = ratelimit.NewInMemory()
	}
	s := &Service{
		table:    table,
		counter:  counter,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		tracer:   otel.Tracer("toolgate/permission"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Table() *Table { return s.table }

// Evaluate decides whether user may run tool and, when allowed, counts the
// call against every applicable window.
func (s *Service) Evaluate(ctx context.Context, user models.UserContext, tool string) models.Decision {
	return s.evaluate(ctx, user, tool, true)
}

// Check is Evaluate without consuming usage.
func (s *Service) Check(ctx context.Context, user models.UserContext, tool string) models.Decision {
	return s.evaluate(ctx, user, tool, false)
}

func (s *Service) evaluate(ctx context.Context, user models.UserContext, tool string, consume bool) models.Decision {
	ctx, span := s.tracer.Start(ctx, "permission.evaluate", trace.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("plan", string(user.Plan)),
		attribute.Bool("consume", consume),
	))
	defer span.End()

	tool = strings.TrimSpace(tool)
	now := s.now()
	d := models.Decision{
		DecisionID:  uuid.NewString(),
		UserID:      user.UserID,
		Tenant:      user.Tenant,
		Tool:        tool,
		EvaluatedAt: now,
	}
	d.RequiredPermissions = s.table.RequiredFor(tool)
	if len(d.RequiredPermissions) == 0 {
		if s.table.DenyUnlisted() {
			d.Reason = models.ReasonUnknownTool
		} else {
			d.Allowed = true
			d.Reason = models.ReasonUngoverned
		}
		return s.finish(span, d)
	}

	d.MissingPermissions = s.missing(user, d.RequiredPermissions)
	if len(d.MissingPermissions) > 0 {
		d.Reason = models.ReasonPermissionMissing
		d.UpgradePath = UpgradePathFor(s.table, user, d.MissingPermissions)
		return s.finish(span, d)
	}

	limits := s.table.RateLimitFor(d.RequiredPermissions).Windows()
	if len(limits) == 0 {
		d.Allowed = true
		d.Reason = models.ReasonAllowed
		return s.finish(span, d)
	}
	key := ratelimit.Key{Tenant: user.Tenant, UserID: user.UserID, Tool: tool}
	var (
		res ratelimit.Result
		err error
	)
	if consume {
		res, err = s.counter.Consume(ctx, key, limits, now)
	} else {
		res, err = s.counter.Peek(ctx, key, limits, now)
	}
	if err != nil {
		op := "peek"
		if consume {
			op = "consume"
		}
		s.observer.ObserveCounterError(op)
		s.logger.Warn("usage counter degraded",
			zap.String("user_id", user.UserID),
			zap.String("tool", tool),
			zap.String("op", op),
			zap.Bool("store_unavailable", errors.Is(err, ratelimit.ErrStoreUnavailable)),
			zap.Error(err),
		)
		res = ratelimit.Open(limits, now)
	}
	d.RateLimit = res.Status()
	if !res.Admitted {
		d.Reason = models.ReasonRateLimited
		return s.finish(span, d)
	}
	d.Allowed = true
	d.Consumed = consume
	d.Reason = models.ReasonAllowed
	return s.finish(span, d)
}

func (s *Service) finish(span trace.Span, d models.Decision) models.Decision {
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("reason", d.Reason))
	s.observer.ObserveDecision(d.Reason, d.Consumed)
	if !d.Allowed {
		s.logger.Info("tool denied",
			zap.String("decision_id", d.DecisionID),
			zap.String("user_id", d.UserID),
			zap.String("tenant", d.Tenant),
			zap.String("tool", d.Tool),
			zap.String("reason", d.Reason),
			zap.Strings("missing", d.MissingNames()),
		)
	}
	return d
}

// missing checks the business requirements of every required permission
// not covered by an explicit grant.
func (s *Service) missing(user models.UserContext, required []string) []models.MissingPermission {
	granted := s.table.ExpandGrants(user.Grants)
	var out []models.MissingPermission
	for _, name := range required {
		if granted[name] {
			continue
		}
		perm, ok := s.table.Get(name)
		if !ok {
			continue
		}
		if reqs := CheckRequirements(perm, user); len(reqs) > 0 {
			out = append(out, models.MissingPermission{Permission: name, Requirements: reqs})
		}
	}
	return out
}

// CheckRequirements returns every business requirement of perm the user fails.
func CheckRequirements(perm models.Permission, user models.UserContext) []models.Requirement {
	var out []models.Requirement
	if !perm.AllowsPlan(user.Plan) {
		expected := make([]string, 0, len(perm.Plans))
		for _, tier := range perm.Plans {
			expected = append(expected, string(tier))
		}
		out = append(out, models.Requirement{Kind: models.RequirePlan, Expected: expected, Actual: string(user.Plan)})
	}
	var missingFlags []string
	for _, flag := range perm.FeatureFlags {
		if !user.FlagEnabled(flag) {
			missingFlags = append(missingFlags, flag)
		}
	}
	if len(missingFlags) > 0 {
		out = append(out, models.Requirement{Kind: models.RequireFeatureFlag, Expected: missingFlags})
	}
	if len(perm.Roles) > 0 && !user.HasAnyRole(perm.Roles...) {
		out = append(out, models.Requirement{Kind: models.RequireRole, Expected: perm.Roles, Actual: strings.Join(user.Roles, ",")})
	}
	if perm.RequiresDeveloper && !user.IsDeveloper {
		out = append(out, models.Requirement{Kind: models.RequireDeveloper, Expected: []string{"true"}, Actual: "false"})
	}
	if len(perm.Environments) > 0 && !containsFold(perm.Environments, user.Environment) {
		out = append(out, models.Requirement{Kind: models.RequireEnvironment, Expected: perm.Environments, Actual: user.Environment})
	}
	return out
}

func containsFold(items []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// Availability reports, for each catalog tool, whether user could run it now.
// Usage is read, never consumed.
func (s *Service) Availability(ctx context.Context, user models.UserContext, tools []ToolInfo) []models.ToolAvailability {
	out := make([]models.ToolAvailability, 0, len(tools))
	for _, info := range tools {
		d := s.Check(ctx, user, info.Name)
		out = append(out, models.ToolAvailability{
			Tool:               info.Name,
			Description:        info.Description,
			Category:           info.Category,
			Available:          d.Allowed,
			RateLimited:        d.Reason == models.ReasonRateLimited,
			MissingPermissions: d.MissingPermissions,
			UpgradePath:        d.UpgradePath,
		})
	}
	return out
}

// Usage returns the current window usage of tool for user without counting.
func (s *Service) Usage(ctx context.Context, user models.UserContext, tool string) (*models.RateLimitStatus, error) {
	limits := s.table.RateLimitFor(s.table.RequiredFor(tool)).Windows()
	if len(limits) == 0 {
		return &models.RateLimitStatus{Windows: []models.WindowUsage{}}, nil
	}
	now := s.now()
	res, err := s.counter.Peek(ctx, ratelimit.Key{Tenant: user.Tenant, UserID: user.UserID, Tool: tool}, limits, now)
	if err != nil {
		s.observer.ObserveCounterError("peek")
		if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
			return nil, err
		}
		res = ratelimit.Open(limits, now)
	}
	return res.Status(), nil
}

// ResetUsage clears the current buckets of every window governing tool for
// one user of tenant.
func (s *Service) ResetUsage(ctx context.Context, tenant, userID, tool string) error {
	limits := s.table.RateLimitFor(s.table.RequiredFor(tool)).Windows()
	windows := make([]models.Window, 0, len(limits))
	for _, wl := range limits {
		windows = append(windows, wl.Window)
	}
	return s.counter.Reset(ctx, ratelimit.Key{Tenant: tenant, UserID: userID, Tool: tool}, windows, s.now())
}
