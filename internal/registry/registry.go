package registry

import (
	"context"
	"errors"
	"time"

	"release-coordinator/internal/health"
)

type DeploymentStatus string

const (
	StatusInProgress DeploymentStatus = "in_progress"
	StatusSuccess    DeploymentStatus = "success"
	StatusPartial    DeploymentStatus = "partial"
	StatusFailed     DeploymentStatus = "failed"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyFinalized = errors.New("deployment record already finalized")
)

type ServiceVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DeploymentRecord is the persisted outcome of one release. It is
// created when the release starts and finalized exactly once when it
// terminates; superseding releases create new records.
type DeploymentRecord struct {
	DeploymentID string           `json:"deployment_id"`
	ProjectPath  string           `json:"project_path"`
	Environment  string           `json:"environment"`
	ReleaseName  string           `json:"release_name"`
	Timestamp    time.Time        `json:"timestamp"`
	Services     []ServiceVersion `json:"services"`
	Status       DeploymentStatus `json:"status"`
	Health       health.Summary   `json:"health"`
	FinalizedAt  *time.Time       `json:"finalized_at,omitempty"`
}

// RollbackRecord is appended once per rollback attempt, successful or not.
type RollbackRecord struct {
	RollbackID         string    `json:"rollback_id"`
	SourceDeploymentID string    `json:"source_deployment_id"`
	TargetDeploymentID string    `json:"target_deployment_id"`
	ProjectPath        string    `json:"project_path"`
	Environment        string    `json:"environment"`
	Reason             string    `json:"reason"`
	DataPreserved      bool      `json:"data_preserved"`
	Warnings           []string  `json:"warnings,omitempty"`
	Success            bool      `json:"success"`
	Diagnostics        []string  `json:"diagnostics,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Registry is the append-only store shared by the orchestrator and the
// rollback manager. Reads observe a total order consistent with append
// order. A single coordinator process is assumed to be the sole writer;
// concurrent writers from independent processes require an external
// locking discipline.
type Registry interface {
	CreateDeployment(ctx context.Context, rec *DeploymentRecord) error
	FinalizeDeployment(ctx context.Context, deploymentID string, status DeploymentStatus, summary health.Summary) error
	GetDeployment(ctx context.Context, deploymentID string) (*DeploymentRecord, error)

	// LatestSuccessfulDeployment returns the most recently appended
	// success record for the project/environment, skipping excludeID.
	LatestSuccessfulDeployment(ctx context.Context, projectPath, environment, excludeID string) (*DeploymentRecord, error)

	ListDeployments(ctx context.Context, projectPath, environment string, limit int) ([]*DeploymentRecord, error)

	AppendRollback(ctx context.Context, rec *RollbackRecord) error
	GetRollback(ctx context.Context, rollbackID string) (*RollbackRecord, error)
	LatestRollback(ctx context.Context, projectPath, environment string) (*RollbackRecord, error)
}
