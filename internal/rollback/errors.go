package rollback

import "fmt"

// InvalidRollbackTargetError means no eligible prior successful
// deployment exists for the requested rollback.
type InvalidRollbackTargetError struct {
	ProjectPath string
	Environment string
	Target      string
}

func (e *InvalidRollbackTargetError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("invalid rollback target %q for %s/%s: no successful deployment record", e.Target, e.ProjectPath, e.Environment)
	}
	return fmt.Sprintf("no successful prior deployment to roll back to for %s/%s", e.ProjectPath, e.Environment)
}

// CompatibilityWarning flags a version/schema concern that does not by
// itself abort the rollback.
func CompatibilityWarning(serviceName, fromVersion, toVersion string) string {
	return fmt.Sprintf("compatibility: %s crosses a major version boundary (%s -> %s); schema or API changes may not be backward compatible", serviceName, fromVersion, toVersion)
}
