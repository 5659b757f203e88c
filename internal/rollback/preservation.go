package rollback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"release-coordinator/internal/deployment"
	"release-coordinator/internal/registry"
	"release-coordinator/internal/storage"
	"release-coordinator/pkg/logger"
)

const DefaultSnapshotRetention = 20

// StatePreservation writes the immutable pre-rollback snapshot:
// metadata, configuration backups, state/log backups, and the
// destructive-action marker when data is not preserved. Nothing is
// mutated until the snapshot is safely stored.
type StatePreservation struct {
	store     storage.SnapshotStore
	deployer  deployment.Deployer
	retention int
}

func NewStatePreservation(store storage.SnapshotStore, deployer deployment.Deployer, retention int) *StatePreservation {
	if retention <= 0 {
		retention = DefaultSnapshotRetention
	}
	return &StatePreservation{store: store, deployer: deployer, retention: retention}
}

// Preserve backs up config and state for every service of the current
// deployment and stores them under the rollback id. Per-service export
// failures degrade to warnings; the snapshot itself failing to store is
// fatal since the rollback must not proceed without it.
func (p *StatePreservation) Preserve(ctx context.Context, scope deployment.Scope, req Request, source, target *registry.DeploymentRecord, rollbackID string) (*storage.SnapshotMeta, map[string][]byte, []string, error) {
	files := make(map[string][]byte)
	var configNames, stateNames, warnings []string

	var services []registry.ServiceVersion
	if source != nil {
		services = source.Services
	}

	for _, svc := range services {
		cfg, err := p.deployer.ExportConfig(ctx, scope, svc.Name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("snapshot: could not back up config for %s: %v", svc.Name, err))
		}
		for name, data := range cfg {
			files["config/"+name] = data
			configNames = append(configNames, "config/"+name)
		}

		state, err := p.deployer.ExportState(ctx, scope, svc.Name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("snapshot: could not back up state for %s: %v", svc.Name, err))
		}
		for name, data := range state {
			files["state/"+name] = data
			stateNames = append(stateNames, "state/"+name)
		}
	}
	sort.Strings(configNames)
	sort.Strings(stateNames)

	sourceID := ""
	if source != nil {
		sourceID = source.DeploymentID
	}

	meta := &storage.SnapshotMeta{
		RollbackID:         rollbackID,
		SourceDeploymentID: sourceID,
		TargetDeploymentID: target.DeploymentID,
		Reason:             req.Reason,
		DataPreserved:      req.PreserveData,
		ConfigFiles:        configNames,
		StateFiles:         stateNames,
		CreatedAt:          time.Now().UTC(),
	}

	if !req.PreserveData {
		meta.DataAction = &storage.DataAction{
			Action:      "discard-service-data",
			Description: fmt.Sprintf("rollback %s reverts to %s without preserving service data written since", rollbackID, target.DeploymentID),
		}
	}

	if err := p.store.StoreSnapshot(ctx, scope.ProjectPath, scope.Environment, meta, files); err != nil {
		return nil, nil, warnings, fmt.Errorf("failed to store rollback snapshot: %w", err)
	}

	p.prune(ctx, scope)

	return meta, files, warnings, nil
}

// prune enforces keep-last-N retention, oldest snapshots first. Prune
// failures only log; the new snapshot is already safe.
func (p *StatePreservation) prune(ctx context.Context, scope deployment.Scope) {
	ids, err := p.store.ListSnapshots(ctx, scope.ProjectPath, scope.Environment)
	if err != nil {
		logger.Warn("failed to list snapshots for retention", logger.Err(err))
		return
	}

	for len(ids) > p.retention {
		oldest := ids[0]
		if err := p.store.DeleteSnapshot(ctx, scope.ProjectPath, scope.Environment, oldest); err != nil {
			logger.Warn("failed to prune snapshot",
				logger.String("rollback_id", oldest), logger.Err(err))
			return
		}
		ids = ids[1:]
	}
}
