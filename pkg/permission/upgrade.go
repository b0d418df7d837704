package permission

import "toolgate/pkg/models"

// UpgradePathFor finds the cheapest plan above the user's current one that
// satisfies the plan requirement of every missing permission failing on plan.
// It returns nil when no missing permission fails on plan.
func UpgradePathFor(table *Table, user models.UserContext, missing []models.MissingPermission) *models.UpgradePath {
	var planBlocked []models.Permission
	onlyPlan := true
	names := make([]string, 0, len(missing))
	for _, m := range missing {
		names = append(names, m.Permission)
		if !m.OnlyPlan() {
			onlyPlan = false
		}
		if !m.FailsPlan() {
			continue
		}
		if perm, ok := table.Get(m.Permission); ok {
			planBlocked = append(planBlocked, perm)
		}
	}
	if len(planBlocked) == 0 {
		return nil
	}
	path := &models.UpgradePath{CurrentPlan: user.Plan, Permissions: names}
	for _, tier := range models.PlanOrder {
		if tier.Rank() <= user.Plan.Rank() {
			continue
		}
		ok := true
		for _, perm := range planBlocked {
			if !perm.AllowsPlan(tier) {
				ok = false
				break
			}
		}
		if ok {
			path.RequiredPlan = tier
			break
		}
	}
	path.Resolvable = path.RequiredPlan != "" && onlyPlan
	return path
}
