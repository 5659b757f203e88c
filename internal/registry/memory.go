package registry

import (
	"context"
	"sync"
	"time"

	"release-coordinator/internal/health"
)

// MemoryRegistry keeps the append-only log in process memory. Used by
// tests and by local single-process runs where Postgres is not wired.
type MemoryRegistry struct {
	mu          sync.Mutex
	deployments []*DeploymentRecord
	rollbacks   []*RollbackRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (r *MemoryRegistry) CreateDeployment(_ context.Context, rec *DeploymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *rec
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	if clone.Status == "" {
		clone.Status = StatusInProgress
	}
	r.deployments = append(r.deployments, &clone)
	return nil
}

func (r *MemoryRegistry) FinalizeDeployment(_ context.Context, deploymentID string, status DeploymentStatus, summary health.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.deployments {
		if rec.DeploymentID == deploymentID {
			if rec.FinalizedAt != nil {
				return ErrAlreadyFinalized
			}
			now := time.Now()
			rec.Status = status
			rec.Health = summary
			rec.FinalizedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRegistry) GetDeployment(_ context.Context, deploymentID string) (*DeploymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.deployments {
		if rec.DeploymentID == deploymentID {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRegistry) LatestSuccessfulDeployment(_ context.Context, projectPath, environment, excludeID string) (*DeploymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.deployments) - 1; i >= 0; i-- {
		rec := r.deployments[i]
		if rec.ProjectPath == projectPath && rec.Environment == environment &&
			rec.Status == StatusSuccess && rec.DeploymentID != excludeID {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRegistry) ListDeployments(_ context.Context, projectPath, environment string, limit int) ([]*DeploymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var records []*DeploymentRecord
	for i := len(r.deployments) - 1; i >= 0 && len(records) < limit; i-- {
		rec := r.deployments[i]
		if rec.ProjectPath == projectPath && rec.Environment == environment {
			clone := *rec
			records = append(records, &clone)
		}
	}
	return records, nil
}

func (r *MemoryRegistry) AppendRollback(_ context.Context, rec *RollbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *rec
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	r.rollbacks = append(r.rollbacks, &clone)
	return nil
}

func (r *MemoryRegistry) GetRollback(_ context.Context, rollbackID string) (*RollbackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.rollbacks {
		if rec.RollbackID == rollbackID {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRegistry) LatestRollback(_ context.Context, projectPath, environment string) (*RollbackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.rollbacks) - 1; i >= 0; i-- {
		rec := r.rollbacks[i]
		if rec.ProjectPath == projectPath && rec.Environment == environment {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}
