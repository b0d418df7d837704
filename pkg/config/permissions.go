package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"toolgate/pkg/models"
	"toolgate/pkg/permission"
)

// PermissionsFile is the YAML layout of the rule table and tool catalog.
type PermissionsFile struct {
	DenyUnlisted bool                `yaml:"deny_unlisted" json:"deny_unlisted"`
	Groups       map[string][]string `yaml:"groups" json:"groups,omitempty"`
	Permissions  []models.Permission `yaml:"permissions" json:"permissions"`
	Tools        []ToolSpec          `yaml:"tools" json:"tools,omitempty"`
}

// ToolSpec registers a tool executed by an upstream HTTP endpoint.
type ToolSpec struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Category    string            `yaml:"category" json:"category,omitempty"`
	URL         string            `yaml:"url" json:"url"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Retries     int               `yaml:"retries" json:"retries,omitempty"`
	Headers     map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// LoadPermissions reads path and builds the rule table. An empty path or a
// missing file yields the built-in table and no tools.
func LoadPermissions(path string) (*permission.Table, []ToolSpec, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return permission.DefaultTable(), nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return permission.DefaultTable(), nil, nil
		}
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParsePermissions(data)
}

func ParsePermissions(data []byte) (*permission.Table, []ToolSpec, error) {
	var file PermissionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse permissions: %w", err)
	}
	perms := file.Permissions
	groups := file.Groups
	if len(perms) == 0 {
		perms = permission.DefaultPermissions()
		if len(groups) == 0 {
			groups = permission.DefaultGroups()
		}
	}
	for i := range perms {
		for j, tier := range perms[i].Plans {
			perms[i].Plans[j] = models.PlanTier(strings.ToLower(strings.TrimSpace(string(tier))))
		}
	}
	table, err := permission.NewTable(perms, groups, file.DenyUnlisted)
	if err != nil {
		return nil, nil, fmt.Errorf("permission table: %w", err)
	}
	seen := map[string]bool{}
	for i, tool := range file.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, nil, fmt.Errorf("tools[%d]: name required", i)
		}
		if seen[name] {
			return nil, nil, fmt.Errorf("tools[%d]: duplicate tool %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(tool.URL) == "" {
			return nil, nil, fmt.Errorf("tool %q: url required", name)
		}
		file.Tools[i].Name = name
	}
	return table, file.Tools, nil
}
