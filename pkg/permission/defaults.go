package permission

import "toolgate/pkg/models"

var paidPlans = []models.PlanTier{models.PlanPro, models.PlanEnterprise, models.PlanDeveloper}

// DefaultPermissions is the rule table shipped with the service.
func DefaultPermissions() []models.Permission {
	return []models.Permission{
		{
			Name:        "basic_tools",
			Description: "Search and utility tools available on every plan",
			Tools:       []string{"@basic"},
			RateLimit:   &models.RateLimit{PerMinute: 30, PerDay: 1000},
		},
		{
			Name:        "file_operations",
			Description: "Read and write workspace files",
			Tools:       []string{"file.*"},
			Plans:       paidPlans,
			RateLimit:   &models.RateLimit{PerMinute: 60},
		},
		{
			Name:         "analytics",
			Description:  "Query and export analytics data",
			Tools:        []string{"@analytics"},
			Plans:        paidPlans,
			FeatureFlags: []string{"analytics"},
			RateLimit:    &models.RateLimit{PerHour: 100, PerDay: 1000},
		},
		{
			Name:        "code_execution",
			Description: "Run code in a sandbox",
			Tools:       []string{"code.*"},
			Plans:       []models.PlanTier{models.PlanEnterprise, models.PlanDeveloper},
			RateLimit:   &models.RateLimit{PerMinute: 10, PerHour: 200, Burst: 3},
		},
		{
			Name:        "premium_models",
			Description: "Premium model completions",
			Tools:       []string{"llm.premium.*"},
			Plans:       paidPlans,
			RateLimit:   &models.RateLimit{PerMinute: 20, Burst: 5},
		},
		{
			Name:        "admin_tools",
			Description: "Tenant administration",
			Tools:       []string{"admin.*"},
			Plans:       []models.PlanTier{models.PlanEnterprise, models.PlanDeveloper},
			Roles:       []string{"admin"},
		},
		{
			Name:              "developer_tools",
			Description:       "Debugging tools for platform developers",
			Tools:             []string{"debug.*", "dev.*"},
			Plans:             []models.PlanTier{models.PlanDeveloper},
			RequiresDeveloper: true,
			Environments:      []string{"development", "staging"},
		},
	}
}

func DefaultGroups() map[string][]string {
	return map[string][]string{
		"basic":     {"web_search", "calculator", "datetime"},
		"analytics": {"analytics.query", "analytics.report", "analytics.export"},
	}
}

// DefaultTable builds the shipped table. It panics only if the shipped
// definitions are inconsistent.
func DefaultTable() *Table {
	t, err := NewTable(DefaultPermissions(), DefaultGroups(), false)
	if err != nil {
		panic("permission: invalid default table: " + err.Error())
	}
	return t
}
