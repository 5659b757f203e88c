package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"release-coordinator/internal/deployment"
	"release-coordinator/internal/health"
	"release-coordinator/internal/registry"
	"release-coordinator/internal/storage"
	"release-coordinator/pkg/logger"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseRequested      Phase = "requested"
	PhaseValidatingPre  Phase = "validating_pre"
	PhaseSnapshotting   Phase = "snapshotting"
	PhaseStopping       Phase = "stopping"
	PhaseReverting      Phase = "reverting"
	PhaseRestoring      Phase = "restoring"
	PhaseStarting       Phase = "starting"
	PhaseValidatingPost Phase = "validating_post"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

type Request struct {
	ProjectPath        string `json:"project_path"`
	Environment        string `json:"environment"`
	SourceDeploymentID string `json:"source_deployment_id,omitempty"`

	// Target is a deployment id or a prior rollback id. Empty means
	// the most recent prior successful deployment.
	Target string `json:"target,omitempty"`

	PreserveData bool   `json:"preserve_data"`
	Reason       string `json:"reason"`
	Force        bool   `json:"force,omitempty"`
}

type RolledBackTo struct {
	DeploymentID string                    `json:"deployment_id"`
	Services     []registry.ServiceVersion `json:"services"`
	Timestamp    time.Time                 `json:"timestamp"`
}

type Summary struct {
	ServicesRolledBack int           `json:"services_rolled_back"`
	Duration           time.Duration `json:"duration_ms"`
	DataPreserved      bool          `json:"data_preserved"`
}

type Validation struct {
	HealthChecks      bool `json:"health_checks"`
	ServicesRunning   bool `json:"services_running"`
	DatabaseConnected bool `json:"database_connected"`
	ConfigValid       bool `json:"config_valid"`
}

type Result struct {
	Success      bool         `json:"success"`
	RollbackID   string       `json:"rollback_id"`
	Timestamp    time.Time    `json:"timestamp"`
	Phase        Phase        `json:"phase"`
	RolledBackTo RolledBackTo `json:"rolled_back_to"`
	Summary      Summary      `json:"summary"`
	Validation   Validation   `json:"validation"`
	Warnings     []string     `json:"warnings,omitempty"`
	Diagnostics  []string     `json:"diagnostics,omitempty"`

	// Deduplicated marks a request answered from an identical prior
	// successful rollback instead of re-executing it.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// DataManager is the external collaborator that owns service data. It
// performs the destructive action recorded in the snapshot marker and
// answers connectivity probes during post-validation.
type DataManager interface {
	CheckConnectivity(ctx context.Context, scope deployment.Scope) error
	ExecuteDataAction(ctx context.Context, scope deployment.Scope, action *storage.DataAction) error
}

// Manager drives a rollback through its phases. It owns sequencing and
// error propagation; the physical stop/revert/restore/start mechanism
// belongs to the Deployer and the data action to the DataManager.
type Manager struct {
	registry     registry.Registry
	deployer     deployment.Deployer
	checker      *health.Checker
	validator    *Validator
	preservation *StatePreservation
	data         DataManager
}

func NewManager(reg registry.Registry, deployer deployment.Deployer, checker *health.Checker, validator *Validator, preservation *StatePreservation) *Manager {
	return &Manager{
		registry:     reg,
		deployer:     deployer,
		checker:      checker,
		validator:    validator,
		preservation: preservation,
	}
}

func (m *Manager) WithDataManager(data DataManager) *Manager {
	m.data = data
	return m
}

// Execute runs one rollback attempt. Every attempt that gets past
// request validation appends exactly one RollbackRecord, whatever its
// outcome; a failed attempt is auditable and itself re-rollback-able.
func (m *Manager) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("rollback reason is required")
	}
	if req.ProjectPath == "" || req.Environment == "" {
		return nil, fmt.Errorf("project path and environment are required")
	}

	rollbackID := uuid.NewString()
	started := time.Now()
	scope := deployment.Scope{ProjectPath: req.ProjectPath, Environment: req.Environment}

	logger.Info("rollback requested",
		logger.String("rollback_id", rollbackID),
		logger.String("project", req.ProjectPath),
		logger.String("environment", req.Environment),
		logger.String("reason", req.Reason))

	source, target, warnings, err := m.validator.Validate(ctx, req)
	if err != nil {
		m.appendRecord(ctx, req, rollbackID, source, target, warnings, false, []string{err.Error()})
		return nil, err
	}

	if prior := m.deduplicate(ctx, req, source, target); prior != nil {
		logger.Info("rollback deduplicated against prior successful attempt",
			logger.String("rollback_id", prior.RollbackID))
		return m.resultFromRecord(prior, target), nil
	}

	result := &Result{
		RollbackID: rollbackID,
		Timestamp:  started.UTC(),
		Warnings:   warnings,
		RolledBackTo: RolledBackTo{
			DeploymentID: target.DeploymentID,
			Services:     target.Services,
			Timestamp:    target.Timestamp,
		},
	}

	meta, files, snapWarnings, err := m.preservation.Preserve(ctx, scope, req, source, target, rollbackID)
	result.Warnings = append(result.Warnings, snapWarnings...)
	if err != nil {
		return m.fail(ctx, req, result, source, target, PhaseSnapshotting, err)
	}

	if err := m.stopCurrent(ctx, scope, source); err != nil {
		return m.fail(ctx, req, result, source, target, PhaseStopping, err)
	}

	if err := m.revertVersions(ctx, scope, target); err != nil {
		return m.fail(ctx, req, result, source, target, PhaseReverting, err)
	}

	if err := m.restore(ctx, scope, target, meta, files); err != nil {
		return m.fail(ctx, req, result, source, target, PhaseRestoring, err)
	}

	instances, err := m.startTarget(ctx, scope, target)
	if err != nil {
		return m.fail(ctx, req, result, source, target, PhaseStarting, err)
	}

	result.Validation, result.Diagnostics = m.validatePost(ctx, scope, instances, files)
	result.Success = result.Validation.HealthChecks &&
		result.Validation.ServicesRunning &&
		result.Validation.DatabaseConnected &&
		result.Validation.ConfigValid

	if result.Success {
		result.Phase = PhaseCompleted
	} else {
		result.Phase = PhaseFailed
	}
	result.Summary = Summary{
		ServicesRolledBack: len(target.Services),
		Duration:           time.Since(started),
		DataPreserved:      req.PreserveData,
	}

	m.appendRecord(ctx, req, rollbackID, source, target, result.Warnings, result.Success, result.Diagnostics)

	logger.Info("rollback finished",
		logger.String("rollback_id", rollbackID),
		logger.Bool("success", result.Success),
		logger.Int("services", len(target.Services)))

	return result, nil
}

// deduplicate returns the latest successful rollback record when it
// matches this request's resolved source, target and reason. The
// destructive data action of a rollback key never runs twice.
func (m *Manager) deduplicate(ctx context.Context, req Request, source, target *registry.DeploymentRecord) *registry.RollbackRecord {
	prior, err := m.registry.LatestRollback(ctx, req.ProjectPath, req.Environment)
	if err != nil || prior == nil || !prior.Success {
		return nil
	}

	sourceID := ""
	if source != nil {
		sourceID = source.DeploymentID
	}
	if prior.TargetDeploymentID == target.DeploymentID &&
		prior.SourceDeploymentID == sourceID &&
		prior.Reason == req.Reason {
		return prior
	}
	return nil
}

func (m *Manager) resultFromRecord(rec *registry.RollbackRecord, target *registry.DeploymentRecord) *Result {
	return &Result{
		Success:      true,
		RollbackID:   rec.RollbackID,
		Timestamp:    rec.Timestamp,
		Phase:        PhaseCompleted,
		Deduplicated: true,
		Warnings:     rec.Warnings,
		RolledBackTo: RolledBackTo{
			DeploymentID: target.DeploymentID,
			Services:     target.Services,
			Timestamp:    target.Timestamp,
		},
		Summary: Summary{
			ServicesRolledBack: len(target.Services),
			DataPreserved:      rec.DataPreserved,
		},
		Validation: Validation{
			HealthChecks:      true,
			ServicesRunning:   true,
			DatabaseConnected: true,
			ConfigValid:       true,
		},
	}
}

// stopCurrent stops the currently running services in reverse of their
// recorded deploy order, dependents before dependencies.
func (m *Manager) stopCurrent(ctx context.Context, scope deployment.Scope, source *registry.DeploymentRecord) error {
	if source == nil {
		return nil
	}
	for i := len(source.Services) - 1; i >= 0; i-- {
		name := source.Services[i].Name
		if err := m.deployer.Stop(ctx, scope, name); err != nil {
			return fmt.Errorf("failed to stop %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) revertVersions(ctx context.Context, scope deployment.Scope, target *registry.DeploymentRecord) error {
	for _, svc := range target.Services {
		if err := m.deployer.SetVersion(ctx, scope, svc.Name, svc.Version); err != nil {
			return fmt.Errorf("failed to revert %s to %s: %w", svc.Name, svc.Version, err)
		}
	}
	return nil
}

func (m *Manager) restore(ctx context.Context, scope deployment.Scope, target *registry.DeploymentRecord, meta *storage.SnapshotMeta, files map[string][]byte) error {
	for _, svc := range target.Services {
		cfg := configFilesFor(files, svc.Name)
		if len(cfg) == 0 {
			continue
		}
		if err := m.deployer.RestoreConfig(ctx, scope, svc.Name, cfg); err != nil {
			return fmt.Errorf("failed to restore config for %s: %w", svc.Name, err)
		}
	}

	if meta.DataAction != nil && m.data != nil {
		if err := m.data.ExecuteDataAction(ctx, scope, meta.DataAction); err != nil {
			return fmt.Errorf("data action failed: %w", err)
		}
	}
	return nil
}

func (m *Manager) startTarget(ctx context.Context, scope deployment.Scope, target *registry.DeploymentRecord) ([]*deployment.ServiceInstance, error) {
	instances := make([]*deployment.ServiceInstance, 0, len(target.Services))
	for _, svc := range target.Services {
		inst, err := m.deployer.Start(ctx, scope, svc.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", svc.Name, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// validatePost checks, for every restarted service: health probe,
// process alive, database connectivity, and that restored config
// parses. All four must hold for the rollback to count as successful.
func (m *Manager) validatePost(ctx context.Context, scope deployment.Scope, instances []*deployment.ServiceInstance, files map[string][]byte) (Validation, []string) {
	v := Validation{
		HealthChecks:      true,
		ServicesRunning:   true,
		DatabaseConnected: true,
		ConfigValid:       true,
	}
	var diagnostics []string

	for _, inst := range instances {
		snap := m.checker.CollectSnapshot(ctx, inst.Endpoint, nil)
		if !snap.ServiceHealthy {
			v.HealthChecks = false
			diagnostics = append(diagnostics, fmt.Sprintf("%s failed post-rollback health check", inst.Name))
		}

		running, err := m.deployer.Running(ctx, inst)
		if err != nil || !running {
			v.ServicesRunning = false
			diagnostics = append(diagnostics, fmt.Sprintf("%s is not running after rollback", inst.Name))
		}
	}

	if m.data != nil {
		if err := m.data.CheckConnectivity(ctx, scope); err != nil {
			v.DatabaseConnected = false
			diagnostics = append(diagnostics, fmt.Sprintf("database connectivity check failed: %v", err))
		}
	}

	for name, data := range files {
		if !strings.HasPrefix(name, "config/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if !json.Valid(data) {
			v.ConfigValid = false
			diagnostics = append(diagnostics, fmt.Sprintf("restored config %s does not parse", name))
		}
	}

	return v, diagnostics
}

func (m *Manager) fail(ctx context.Context, req Request, result *Result, source, target *registry.DeploymentRecord, phase Phase, err error) (*Result, error) {
	logger.Error("rollback failed",
		logger.String("rollback_id", result.RollbackID),
		logger.String("phase", string(phase)),
		logger.Err(err))

	result.Success = false
	result.Phase = phase
	result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("%s: %v", phase, err))
	m.appendRecord(ctx, req, result.RollbackID, source, target, result.Warnings, false, result.Diagnostics)
	return result, err
}

func (m *Manager) appendRecord(ctx context.Context, req Request, rollbackID string, source, target *registry.DeploymentRecord, warnings []string, success bool, diagnostics []string) {
	sourceID := req.SourceDeploymentID
	if source != nil {
		sourceID = source.DeploymentID
	}
	targetID := req.Target
	if target != nil {
		targetID = target.DeploymentID
	}

	rec := &registry.RollbackRecord{
		RollbackID:         rollbackID,
		SourceDeploymentID: sourceID,
		TargetDeploymentID: targetID,
		ProjectPath:        req.ProjectPath,
		Environment:        req.Environment,
		Reason:             req.Reason,
		DataPreserved:      req.PreserveData,
		Warnings:           warnings,
		Success:            success,
		Diagnostics:        diagnostics,
		Timestamp:          time.Now().UTC(),
	}

	if err := m.registry.AppendRollback(ctx, rec); err != nil {
		logger.Error("failed to append rollback record",
			logger.String("rollback_id", rollbackID), logger.Err(err))
	}
}

// configFilesFor extracts the config backups belonging to one service,
// with the snapshot directory prefix stripped.
func configFilesFor(files map[string][]byte, serviceName string) map[string][]byte {
	out := make(map[string][]byte)
	for name, data := range files {
		if !strings.HasPrefix(name, "config/") {
			continue
		}
		base := strings.TrimPrefix(name, "config/")
		if strings.HasPrefix(base, serviceName+"-") {
			out[base] = data
		}
	}
	return out
}
