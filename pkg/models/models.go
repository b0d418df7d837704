package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PlanTier is a subscription level. Tiers are totally ordered by Rank.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
	PlanDeveloper  PlanTier = "developer"
)

// PlanOrder lists every tier from cheapest to most privileged.
var PlanOrder = []PlanTier{PlanFree, PlanPro, PlanEnterprise, PlanDeveloper}

// Rank returns the position of the tier in PlanOrder, or -1 when unknown.
func (p PlanTier) Rank() int {
	for i, tier := range PlanOrder {
		if tier == p {
			return i
		}
	}
	return -1
}

func (p PlanTier) Valid() bool {
	return p.Rank() >= 0
}

func ParsePlanTier(raw string) (PlanTier, error) {
	tier := PlanTier(strings.ToLower(strings.TrimSpace(raw)))
	if !tier.Valid() {
		return "", fmt.Errorf("unknown plan tier %q", raw)
	}
	return tier, nil
}

// UserContext is everything the evaluator needs to know about the caller.
type UserContext struct {
	UserID       string          `json:"user_id"`
	Tenant       string          `json:"tenant"`
	Plan         PlanTier        `json:"plan"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"`
	Roles        []string        `json:"roles,omitempty"`
	IsDeveloper  bool            `json:"is_developer"`
	Environment  string          `json:"environment,omitempty"`
	Grants       []string        `json:"grants,omitempty"`
}

func (u UserContext) FlagEnabled(flag string) bool {
	if u.FeatureFlags == nil {
		return false
	}
	return u.FeatureFlags[strings.TrimSpace(flag)]
}

func (u UserContext) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(u.Roles))
	for _, r := range u.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// EnabledFlags returns the sorted names of flags set to true.
func (u UserContext) EnabledFlags() []string {
	out := make([]string, 0, len(u.FeatureFlags))
	for name, on := range u.FeatureFlags {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Window is a fixed counting bucket.
type Window string

const (
	WindowBurst  Window = "burst"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// BurstWindow is the bucket width used for burst limits.
const BurstWindow = 10 * time.Second

func (w Window) Duration() time.Duration {
	switch w {
	case WindowBurst:
		return BurstWindow
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// RateLimit caps usage per window. Zero disables the window.
type RateLimit struct {
	PerMinute int `json:"per_minute,omitempty" yaml:"per_minute"`
	PerHour   int `json:"per_hour,omitempty" yaml:"per_hour"`
	PerDay    int `json:"per_day,omitempty" yaml:"per_day"`
	Burst     int `json:"burst,omitempty" yaml:"burst"`
}

// WindowLimit pairs a window with its cap.
type WindowLimit struct {
	Window Window
	Limit  int
}

// Windows returns the active windows from shortest to longest.
func (r RateLimit) Windows() []WindowLimit {
	out := make([]WindowLimit, 0, 4)
	if r.Burst > 0 {
		out = append(out, WindowLimit{Window: WindowBurst, Limit: r.Burst})
	}
	if r.PerMinute > 0 {
		out = append(out, WindowLimit{Window: WindowMinute, Limit: r.PerMinute})
	}
	if r.PerHour > 0 {
		out = append(out, WindowLimit{Window: WindowHour, Limit: r.PerHour})
	}
	if r.PerDay > 0 {
		out = append(out, WindowLimit{Window: WindowDay, Limit: r.PerDay})
	}
	return out
}

func (r RateLimit) IsZero() bool {
	return r.PerMinute <= 0 && r.PerHour <= 0 && r.PerDay <= 0 && r.Burst <= 0
}

// Stricter merges two limits keeping the smallest non-zero cap per window.
func (r RateLimit) Stricter(other RateLimit) RateLimit {
	return RateLimit{
		PerMinute: minPositive(r.PerMinute, other.PerMinute),
		PerHour:   minPositive(r.PerHour, other.PerHour),
		PerDay:    minPositive(r.PerDay, other.PerDay),
		Burst:     minPositive(r.Burst, other.Burst),
	}
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// Permission is a named bundle of tools gated by business requirements.
type Permission struct {
	Name              string     `json:"name" yaml:"name"`
	Description       string     `json:"description,omitempty" yaml:"description"`
	Tools             []string   `json:"tools" yaml:"tools"`
	Plans             []PlanTier `json:"plans,omitempty" yaml:"plans"`
	FeatureFlags      []string   `json:"feature_flags,omitempty" yaml:"feature_flags"`
	Roles             []string   `json:"roles,omitempty" yaml:"roles"`
	RequiresDeveloper bool       `json:"requires_developer,omitempty" yaml:"requires_developer"`
	Environments      []string   `json:"environments,omitempty" yaml:"environments"`
	RateLimit         *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit"`
}

func (p Permission) AllowsPlan(plan PlanTier) bool {
	if len(p.Plans) == 0 {
		return true
	}
	for _, tier := range p.Plans {
		if tier == plan {
			return true
		}
	}
	return false
}

type RequirementKind string

const (
	RequirePlan        RequirementKind = "plan"
	RequireFeatureFlag RequirementKind = "feature_flag"
	RequireRole        RequirementKind = "role"
	RequireDeveloper   RequirementKind = "developer"
	RequireEnvironment RequirementKind = "environment"
)

// Requirement is one failed business check.
type Requirement struct {
	Kind     RequirementKind `json:"kind"`
	Expected []string        `json:"expected"`
	Actual   string          `json:"actual,omitempty"`
}

type MissingPermission struct {
	Permission   string        `json:"permission"`
	Requirements []Requirement `json:"requirements"`
}

// OnlyPlan reports whether the plan tier is the sole failed requirement.
func (m MissingPermission) OnlyPlan() bool {
	if len(m.Requirements) == 0 {
		return false
	}
	for _, req := range m.Requirements {
		if req.Kind != RequirePlan {
			return false
		}
	}
	return true
}

func (m MissingPermission) FailsPlan() bool {
	for _, req := range m.Requirements {
		if req.Kind == RequirePlan {
			return true
		}
	}
	return false
}

type WindowUsage struct {
	Window    Window    `json:"window"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Exceeded  bool      `json:"exceeded"`
}

type RateLimitStatus struct {
	Windows  []WindowUsage `json:"windows"`
	Exceeded Window        `json:"exceeded,omitempty"`
	Degraded bool          `json:"degraded,omitempty"`
}

// RetryAfter is the wait until the exceeded window resets.
func (s *RateLimitStatus) RetryAfter(now time.Time) time.Duration {
	if s == nil || s.Exceeded == "" {
		return 0
	}
	for _, w := range s.Windows {
		if w.Window == s.Exceeded {
			if d := w.ResetAt.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return 0
}

type UpgradePath struct {
	CurrentPlan  PlanTier `json:"current_plan"`
	RequiredPlan PlanTier `json:"required_plan,omitempty"`
	Permissions  []string `json:"permissions"`
	Resolvable   bool     `json:"resolvable"`
}

const (
	ReasonAllowed           = "TOOL_ALLOWED"
	ReasonUngoverned        = "TOOL_UNGOVERNED"
	ReasonUnknownTool       = "TOOL_UNKNOWN"
	ReasonPermissionMissing = "PERMISSION_MISSING"
	ReasonRateLimited       = "RATE_LIMITED"
)

// Decision is the outcome of evaluating one tool request.
type Decision struct {
	DecisionID          string              `json:"decision_id"`
	UserID              string              `json:"user_id"`
	Tenant              string              `json:"tenant,omitempty"`
	Tool                string              `json:"tool"`
	Allowed             bool                `json:"allowed"`
	Reason              string              `json:"reason"`
	RequiredPermissions []string            `json:"required_permissions"`
	MissingPermissions  []MissingPermission `json:"missing_permissions,omitempty"`
	RateLimit           *RateLimitStatus    `json:"rate_limit,omitempty"`
	UpgradePath         *UpgradePath        `json:"upgrade_path,omitempty"`
	Consumed            bool                `json:"consumed"`
	EvaluatedAt         time.Time           `json:"evaluated_at"`
}

// MissingNames returns the names of the missing permissions in order.
func (d Decision) MissingNames() []string {
	out := make([]string, 0, len(d.MissingPermissions))
	for _, m := range d.MissingPermissions {
		out = append(out, m.Permission)
	}
	return out
}

// ToolAvailability summarizes whether a user could run a tool right now.
type ToolAvailability struct {
	Tool               string              `json:"tool"`
	Description        string              `json:"description,omitempty"`
	Category           string              `json:"category,omitempty"`
	Available          bool                `json:"available"`
	RateLimited        bool                `json:"rate_limited"`
	MissingPermissions []MissingPermission `json:"missing_permissions,omitempty"`
	UpgradePath        *UpgradePath        `json:"upgrade_path,omitempty"`
}

// UsageEvent is published after a tool run is admitted.
type UsageEvent struct {
	DecisionID string    `json:"decision_id"`
	Tenant     string    `json:"tenant"`
	UserID     string    `json:"user_id"`
	Tool       string    `json:"tool"`
	Plan       PlanTier  `json:"plan"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}
