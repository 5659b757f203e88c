package storage

import (
	"context"
	"errors"
	"time"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// DataAction is the structured marker recorded when a rollback does not
// preserve data. The action itself is executed by an external
// collaborator; the marker makes the intent auditable.
type DataAction struct {
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Databases   []string `json:"databases,omitempty"`
}

// SnapshotMeta describes one immutable rollback snapshot. The snapshot
// is written before any rollback mutation and never modified afterwards.
type SnapshotMeta struct {
	RollbackID         string      `json:"rollback_id"`
	SourceDeploymentID string      `json:"source_deployment_id"`
	TargetDeploymentID string      `json:"target_deployment_id"`
	Reason             string      `json:"reason"`
	DataPreserved      bool        `json:"data_preserved"`
	DataAction         *DataAction `json:"data_action,omitempty"`
	ConfigFiles        []string    `json:"config_files,omitempty"`
	StateFiles         []string    `json:"state_files,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// SnapshotStore persists rollback snapshots keyed by rollback id within
// a project/environment scope.
type SnapshotStore interface {
	StoreSnapshot(ctx context.Context, projectPath, environment string, meta *SnapshotMeta, files map[string][]byte) error
	GetSnapshotMeta(ctx context.Context, projectPath, environment, rollbackID string) (*SnapshotMeta, error)
	GetSnapshotFile(ctx context.Context, projectPath, environment, rollbackID, name string) ([]byte, error)

	// ListSnapshots returns rollback ids oldest first.
	ListSnapshots(ctx context.Context, projectPath, environment string) ([]string, error)
	DeleteSnapshot(ctx context.Context, projectPath, environment, rollbackID string) error
}
