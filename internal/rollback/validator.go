package rollback

import (
	"context"
	"errors"
	"fmt"

	"release-coordinator/internal/registry"

	"golang.org/x/mod/semver"
)

// Policy tunes how strict pre-flight validation is. The zero value
// keeps major-version downgrades as warnings.
type Policy struct {
	// BlockMajorDowngrade turns a major-boundary crossing into a hard
	// failure unless the request carries force.
	BlockMajorDowngrade bool
}

// Validator resolves and checks the rollback target before any state
// is touched.
type Validator struct {
	registry registry.Registry
	policy   Policy
}

func NewValidator(reg registry.Registry, policy Policy) *Validator {
	return &Validator{registry: reg, policy: policy}
}

// Validate resolves source and target deployment records and collects
// non-fatal warnings. Only a missing or non-successful target is fatal.
func (v *Validator) Validate(ctx context.Context, req Request) (source, target *registry.DeploymentRecord, warnings []string, err error) {
	source, err = v.resolveSource(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}

	excludeID := ""
	if source != nil {
		excludeID = source.DeploymentID
	}

	target, err = v.resolveTarget(ctx, req, excludeID)
	if err != nil {
		return nil, nil, nil, err
	}

	if source != nil {
		warnings = append(warnings, v.versionWarnings(req, source, target)...)
		warnings = append(warnings, dependentWarnings(source, target)...)
	}

	if v.policy.BlockMajorDowngrade && !req.Force && containsMajorDowngrade(source, target) {
		return nil, nil, nil, fmt.Errorf("rollback to %s crosses a major version boundary and policy blocks it; pass force to override", target.DeploymentID)
	}

	return source, target, warnings, nil
}

// resolveSource finds the deployment being rolled back: the explicit
// id when given, otherwise the latest successful record. A missing
// source is tolerated (nothing recorded yet to compare against).
func (v *Validator) resolveSource(ctx context.Context, req Request) (*registry.DeploymentRecord, error) {
	if req.SourceDeploymentID != "" {
		rec, err := v.registry.GetDeployment(ctx, req.SourceDeploymentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve source deployment %s: %w", req.SourceDeploymentID, err)
		}
		return rec, nil
	}

	rec, err := v.registry.LatestSuccessfulDeployment(ctx, req.ProjectPath, req.Environment, "")
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current deployment: %w", err)
	}
	return rec, nil
}

// resolveTarget accepts a deployment id, a rollback id (resolved
// through the rollback's own target), or nothing (latest prior
// success). The resolved record must have status success.
func (v *Validator) resolveTarget(ctx context.Context, req Request, excludeID string) (*registry.DeploymentRecord, error) {
	if req.Target == "" {
		rec, err := v.registry.LatestSuccessfulDeployment(ctx, req.ProjectPath, req.Environment, excludeID)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &InvalidRollbackTargetError{ProjectPath: req.ProjectPath, Environment: req.Environment}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve rollback target: %w", err)
		}
		return rec, nil
	}

	rec, err := v.registry.GetDeployment(ctx, req.Target)
	if errors.Is(err, registry.ErrNotFound) {
		// A prior rollback is itself a valid target; follow it to the
		// deployment it restored.
		rb, rbErr := v.registry.GetRollback(ctx, req.Target)
		if rbErr != nil {
			return nil, &InvalidRollbackTargetError{ProjectPath: req.ProjectPath, Environment: req.Environment, Target: req.Target}
		}
		rec, err = v.registry.GetDeployment(ctx, rb.TargetDeploymentID)
		if err != nil {
			return nil, &InvalidRollbackTargetError{ProjectPath: req.ProjectPath, Environment: req.Environment, Target: req.Target}
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve rollback target: %w", err)
	}

	if rec.Status != registry.StatusSuccess {
		return nil, &InvalidRollbackTargetError{ProjectPath: req.ProjectPath, Environment: req.Environment, Target: req.Target}
	}
	return rec, nil
}

func (v *Validator) versionWarnings(req Request, source, target *registry.DeploymentRecord) []string {
	var warnings []string
	targetVersions := versionsByName(target)

	for _, svc := range source.Services {
		to, ok := targetVersions[svc.Name]
		if !ok {
			continue
		}
		if crossesMajor(svc.Version, to) {
			warnings = append(warnings, CompatibilityWarning(svc.Name, svc.Version, to))
		}
	}
	return warnings
}

// dependentWarnings flags currently deployed services the target no
// longer contains; anything depending on them keeps running against a
// service the rollback will take away.
func dependentWarnings(source, target *registry.DeploymentRecord) []string {
	targetVersions := versionsByName(target)

	var warnings []string
	for _, svc := range source.Services {
		if _, ok := targetVersions[svc.Name]; !ok {
			warnings = append(warnings,
				fmt.Sprintf("dependency: %s is deployed now but absent from target %s; services depending on it may degrade", svc.Name, target.DeploymentID))
		}
	}
	return warnings
}

func containsMajorDowngrade(source, target *registry.DeploymentRecord) bool {
	if source == nil {
		return false
	}
	targetVersions := versionsByName(target)
	for _, svc := range source.Services {
		if to, ok := targetVersions[svc.Name]; ok && crossesMajor(svc.Version, to) {
			return true
		}
	}
	return false
}

func crossesMajor(from, to string) bool {
	fromMajor := semver.Major(canonicalVersion(from))
	toMajor := semver.Major(canonicalVersion(to))
	if fromMajor == "" || toMajor == "" {
		return false
	}
	return fromMajor != toMajor
}

func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	return v
}

func versionsByName(rec *registry.DeploymentRecord) map[string]string {
	out := make(map[string]string, len(rec.Services))
	for _, svc := range rec.Services {
		out[svc.Name] = svc.Version
	}
	return out
}
