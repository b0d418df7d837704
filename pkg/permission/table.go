package permission

import (
	"fmt"
	"sort"
	"strings"

	"toolgate/pkg/models"
)

// Table is the static permission rule table.
type Table struct {
	perms        map[string]models.Permission
	order        []string
	groups       map[string][]string
	expanded     map[string][]string
	denyUnlisted bool
}

// NewTable validates perms and resolves @group references in tool patterns.
func NewTable(perms []models.Permission, groups map[string][]string, denyUnlisted bool) (*Table, error) {
	t := &Table{
		perms:        make(map[string]models.Permission, len(perms)),
		groups:       make(map[string][]string, len(groups)),
		expanded:     make(map[string][]string, len(perms)),
		denyUnlisted: denyUnlisted,
	}
	for name, tools := range groups {
		name = normalizeGroup(name)
		if name == "" {
			return nil, fmt.Errorf("tool group name required")
		}
		t.groups[name] = tools
	}
	for _, p := range perms {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("permission name required")
		}
		if _, dup := t.perms[p.Name]; dup {
			return nil, fmt.Errorf("duplicate permission %q", p.Name)
		}
		for _, tier := range p.Plans {
			if !tier.Valid() {
				return nil, fmt.Errorf("permission %q: unknown plan tier %q", p.Name, tier)
			}
		}
		if rl := p.RateLimit; rl != nil && (rl.PerMinute < 0 || rl.PerHour < 0 || rl.PerDay < 0 || rl.Burst < 0) {
			return nil, fmt.Errorf("permission %q: negative rate limit", p.Name)
		}
		patterns, err := t.expandPatterns(p.Tools, map[string]bool{})
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", p.Name, err)
		}
		t.perms[p.Name] = p
		t.expanded[p.Name] = patterns
		t.order = append(t.order, p.Name)
	}
	sort.Strings(t.order)
	return t, nil
}

func normalizeGroup(name string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "@")
}

func (t *Table) expandPatterns(items []string, visiting map[string]bool) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "@") {
			name := normalizeGroup(item)
			members, ok := t.groups[name]
			if !ok {
				return nil, fmt.Errorf("unknown tool group %q", item)
			}
			if visiting[name] {
				return nil, fmt.Errorf("tool group cycle at %q", item)
			}
			visiting[name] = true
			nested, err := t.expandPatterns(members, visiting)
			delete(visiting, name)
			if err != nil {
				return nil, err
			}
			for _, n := range nested {
				if !seen[n] {
					seen[n] = true
					out = append(out, n)
				}
			}
			continue
		}
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out, nil
}

// MatchTool reports whether a tool pattern covers name. Patterns are an exact
// name, "*", or a namespace wildcard such as "analytics.*" or "mcp:*".
func MatchTool(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	name = strings.TrimSpace(name)
	if pattern == "*" {
		return name != ""
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return prefix != "" && strings.HasPrefix(name, prefix) && len(name) > len(prefix)
	}
	return pattern == name
}

// RequiredFor returns the sorted names of every permission governing tool.
func (t *Table) RequiredFor(tool string) []string {
	var out []string
	for _, name := range t.order {
		for _, pattern := range t.expanded[name] {
			if MatchTool(pattern, tool) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// ExpandGrants resolves granted permission patterns against the table.
// Unknown exact names are dropped.
func (t *Table) ExpandGrants(patterns []string) map[string]bool {
	out := map[string]bool{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "*") {
			if _, ok := t.perms[pattern]; ok {
				out[pattern] = true
			}
			continue
		}
		for _, name := range t.order {
			if MatchTool(pattern, name) {
				out[name] = true
			}
		}
	}
	return out
}

func (t *Table) Get(name string) (models.Permission, bool) {
	p, ok := t.perms[name]
	return p, ok
}

// Permissions returns every permission sorted by name.
func (t *Table) Permissions() []models.Permission {
	out := make([]models.Permission, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.perms[name])
	}
	return out
}

func (t *Table) Groups() map[string][]string {
	out := make(map[string][]string, len(t.groups))
	for k, v := range t.groups {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (t *Table) DenyUnlisted() bool { return t.denyUnlisted }

// RateLimitFor merges the limits of the named permissions, strictest wins.
func (t *Table) RateLimitFor(names []string) models.RateLimit {
	var merged models.RateLimit
	for _, name := range names {
		p, ok := t.perms[name]
		if !ok || p.RateLimit == nil {
			continue
		}
		merged = merged.Stricter(*p.RateLimit)
	}
	return merged
}
