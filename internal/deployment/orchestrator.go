package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"release-coordinator/internal/graph"
	"release-coordinator/internal/health"
	"release-coordinator/internal/registry"
	"release-coordinator/internal/security"
	"release-coordinator/pkg/db"
	"release-coordinator/pkg/logger"

	"github.com/google/uuid"
)

type ReleaseRequest struct {
	ProjectPath       string                `json:"project_path"`
	Environment       string                `json:"environment"`
	ReleaseName       string                `json:"release_name"`
	Services          []graph.ServiceConfig `json:"services"`
	Strategy          string                `json:"strategy"`
	RollbackOnFailure bool                  `json:"rollback_on_failure"`
}

type ReleaseResult struct {
	DeploymentID string                     `json:"deployment_id"`
	Status       registry.DeploymentStatus  `json:"status"`
	Deployed     []string                   `json:"deployed"`
	Failed       []ServiceDeploymentFailure `json:"failed,omitempty"`
	NotAttempted []string                   `json:"not_attempted,omitempty"`
	RolledBack   []string                   `json:"rolled_back,omitempty"`
	Warnings     []string                   `json:"warnings,omitempty"`
	Health       health.Summary             `json:"health"`
	Batches      [][]string                 `json:"batches"`
}

// Orchestrator coordinates a release end to end: plan the dependency
// graph, deploy batch by batch, health check each service, and record
// the outcome exactly once in the registry.
// RollbackFunc reverts the already deployed services of a failed
// release and returns the names it actually rolled back. deploymentID
// identifies the failing release so the rollback resolves its target
// relative to it, not to the last successful record.
type RollbackFunc func(ctx context.Context, scope Scope, deploymentID string, deployed []string, reason string) []string

// SamplerFactory builds a resource sampler for a freshly deployed
// instance. A nil factory disables CPU/memory sampling.
type SamplerFactory func(inst *ServiceInstance) health.ResourceSampler

type Orchestrator struct {
	registry registry.Registry
	deployer Deployer
	checker  *health.Checker
	guard    *security.ReleaseGuard
	cache    *db.RedisClient
	rollback RollbackFunc
	sampler  SamplerFactory

	maxConcurrent int
	healthTimeout time.Duration
}

func NewOrchestrator(reg registry.Registry, deployer Deployer, checker *health.Checker, maxConcurrent int, healthTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		registry:      reg,
		deployer:      deployer,
		checker:       checker,
		maxConcurrent: maxConcurrent,
		healthTimeout: healthTimeout,
	}
}

// WithGuard enables the redis concurrency guard for release slots.
func (o *Orchestrator) WithGuard(guard *security.ReleaseGuard) *Orchestrator {
	o.guard = guard
	return o
}

// WithCache mirrors finished health summaries into redis for dashboards.
func (o *Orchestrator) WithCache(cache *db.RedisClient) *Orchestrator {
	o.cache = cache
	return o
}

// WithRollback installs the rollback manager hook used when a release
// with rollbackOnFailure fails mid-flight. Without it, failed releases
// fall back to stopping the already deployed services in reverse order.
func (o *Orchestrator) WithRollback(fn RollbackFunc) *Orchestrator {
	o.rollback = fn
	return o
}

// WithSampler installs the factory that supplies per-instance resource
// samplers for post-deploy health snapshots.
func (o *Orchestrator) WithSampler(fn SamplerFactory) *Orchestrator {
	o.sampler = fn
	return o
}

// CoordinateRelease runs the full release. Planning failures (unknown
// strategy, missing dependencies, cycles) surface before any service is
// touched and before any record is written.
func (o *Orchestrator) CoordinateRelease(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}
	if req.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if req.Environment == "" {
		return nil, fmt.Errorf("environment is required")
	}

	plan, err := graph.BuildPlan(req.Services)
	if err != nil {
		return nil, err
	}

	batches, warnings := o.planBatches(strategy, plan, req.Services)

	if o.guard != nil {
		if err := o.guard.Acquire(ctx, req.ProjectPath, req.Environment, o.maxConcurrent); err != nil {
			return nil, err
		}
		defer o.guard.Release(context.WithoutCancel(ctx), req.ProjectPath, req.Environment)
	}

	deploymentID := uuid.NewString()
	record := &registry.DeploymentRecord{
		DeploymentID: deploymentID,
		ProjectPath:  req.ProjectPath,
		Environment:  req.Environment,
		ReleaseName:  req.ReleaseName,
		Timestamp:    time.Now().UTC(),
		Services:     serviceVersions(req.Services),
		Status:       registry.StatusInProgress,
	}
	if err := o.registry.CreateDeployment(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record deployment: %w", err)
	}

	logger.Info("starting release",
		logger.String("deployment_id", deploymentID),
		logger.String("project", req.ProjectPath),
		logger.String("environment", req.Environment),
		logger.String("strategy", string(strategy)),
		logger.Int("services", len(req.Services)))

	result := &ReleaseResult{
		DeploymentID: deploymentID,
		Deployed:     []string{},
		Warnings:     warnings,
		Batches:      batches,
	}

	versions := make(map[string]string, len(req.Services))
	for _, svc := range req.Services {
		versions[svc.Name] = svc.Version
	}

	scope := Scope{ProjectPath: req.ProjectPath, Environment: req.Environment}
	aggregator := health.NewAggregator()

	failed := false
	for bi, batch := range batches {
		if failed {
			result.NotAttempted = append(result.NotAttempted, batch...)
			continue
		}

		failures := o.deployBatch(ctx, scope, batch, versions, result, aggregator)
		if len(failures) > 0 {
			failed = true
			result.Failed = append(result.Failed, failures...)
			logger.Error("release batch failed",
				logger.String("deployment_id", deploymentID),
				logger.Int("batch", bi),
				logger.Int("failures", len(failures)))
		}
	}

	if failed && req.RollbackOnFailure {
		if o.rollback != nil {
			reason := fmt.Sprintf("automatic rollback: release %s failed", deploymentID)
			result.RolledBack = o.rollback(ctx, scope, deploymentID, result.Deployed, reason)
		} else {
			result.RolledBack = o.revertDeployed(ctx, scope, result.Deployed)
		}
	}

	result.Status = releaseStatus(result)
	result.Health = aggregator.Summary()

	if err := o.registry.FinalizeDeployment(ctx, deploymentID, result.Status, result.Health); err != nil {
		logger.Error("failed to finalize deployment record",
			logger.String("deployment_id", deploymentID), logger.Err(err))
		result.Warnings = append(result.Warnings, fmt.Sprintf("deployment record not finalized: %v", err))
	}

	o.cacheHealthSummary(ctx, req, deploymentID, result.Health)

	logger.Info("release finished",
		logger.String("deployment_id", deploymentID),
		logger.String("status", string(result.Status)),
		logger.Int("deployed", len(result.Deployed)),
		logger.Int("failed", len(result.Failed)))

	return result, nil
}

// planBatches maps the chosen strategy onto the dependency plan.
func (o *Orchestrator) planBatches(strategy Strategy, plan *graph.DeploymentPlan, services []graph.ServiceConfig) ([][]string, []string) {
	var warnings []string

	switch strategy {
	case StrategySequential:
		batches := make([][]string, 0, len(plan.Order))
		for _, name := range plan.Order {
			batches = append(batches, []string{name})
		}
		return batches, nil

	case StrategyParallel:
		for _, svc := range services {
			if len(svc.Dependencies) > 0 {
				warnings = append(warnings,
					"parallel strategy ignores declared dependencies; services start in a single batch")
				break
			}
		}
		if len(plan.Order) == 0 {
			return nil, warnings
		}
		all := make([]string, len(plan.Order))
		copy(all, plan.Order)
		return [][]string{all}, warnings

	default:
		return plan.Batches, nil
	}
}

// deployBatch deploys every service of a batch concurrently and waits
// for all of them. Each service gets a deploy attempt plus one bounded
// health check; a failure in either counts the service as failed.
func (o *Orchestrator) deployBatch(ctx context.Context, scope Scope, batch []string, versions map[string]string, result *ReleaseResult, aggregator *health.Aggregator) []ServiceDeploymentFailure {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []ServiceDeploymentFailure
	)

	for _, name := range batch {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			version := versions[name]
			inst, err := o.deployer.Deploy(ctx, ServiceSpec{
				Scope:   scope,
				Name:    name,
				Version: version,
			})
			if err != nil {
				mu.Lock()
				failures = append(failures, ServiceDeploymentFailure{
					ServiceName: name,
					Version:     version,
					Phase:       "deploy",
					Err:         err,
				})
				mu.Unlock()
				return
			}

			snap, healthy := o.checkInstance(ctx, inst)

			mu.Lock()
			aggregator.Add(snap)
			if healthy {
				result.Deployed = append(result.Deployed, name)
			} else {
				failures = append(failures, ServiceDeploymentFailure{
					ServiceName: name,
					Version:     version,
					Phase:       "health",
					Err:         fmt.Errorf("service unhealthy after deploy"),
				})
			}
			mu.Unlock()
		}(name)
	}

	wg.Wait()
	return failures
}

func (o *Orchestrator) checkInstance(ctx context.Context, inst *ServiceInstance) (health.Snapshot, bool) {
	checkCtx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()

	var sampler health.ResourceSampler
	if o.sampler != nil {
		sampler = o.sampler(inst)
	}

	snap := o.checker.CollectSnapshot(checkCtx, inst.Endpoint, sampler)
	return snap, snap.ServiceHealthy
}

// revertDeployed stops already deployed services in reverse deploy
// order when the release asked for rollback on failure.
func (o *Orchestrator) revertDeployed(ctx context.Context, scope Scope, deployed []string) []string {
	reverted := make([]string, 0, len(deployed))
	for i := len(deployed) - 1; i >= 0; i-- {
		name := deployed[i]
		if err := o.deployer.Stop(ctx, scope, name); err != nil {
			logger.Error("failed to revert service after release failure",
				logger.String("service", name), logger.Err(err))
			continue
		}
		reverted = append(reverted, name)
	}
	return reverted
}

func (o *Orchestrator) cacheHealthSummary(ctx context.Context, req ReleaseRequest, deploymentID string, summary health.Summary) {
	if o.cache == nil {
		return
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}

	key := fmt.Sprintf("release:health:%s:%s", req.ProjectPath, req.Environment)
	if err := o.cache.HSet(ctx, key, deploymentID, payload).Err(); err != nil {
		logger.Warn("failed to cache health summary", logger.Err(err))
		return
	}
	o.cache.Expire(ctx, key, 24*time.Hour)
}

func releaseStatus(result *ReleaseResult) registry.DeploymentStatus {
	switch {
	case len(result.Failed) == 0 && len(result.NotAttempted) == 0:
		return registry.StatusSuccess
	case len(result.Deployed) > 0:
		return registry.StatusPartial
	default:
		return registry.StatusFailed
	}
}

func serviceVersions(services []graph.ServiceConfig) []registry.ServiceVersion {
	out := make([]registry.ServiceVersion, 0, len(services))
	for _, svc := range services {
		out = append(out, registry.ServiceVersion{Name: svc.Name, Version: svc.Version})
	}
	return out
}
