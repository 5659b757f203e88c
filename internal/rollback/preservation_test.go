package rollback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"release-coordinator/internal/deployment"
	"release-coordinator/internal/registry"
	"release-coordinator/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preservationTarget(id string) *registry.DeploymentRecord {
	return &registry.DeploymentRecord{
		DeploymentID: id,
		ProjectPath:  "/srv/shop",
		Environment:  "production",
		Timestamp:    time.Now(),
		Services:     []registry.ServiceVersion{{Name: "api", Version: "1.0.0"}},
		Status:       registry.StatusSuccess,
	}
}

func TestPreserveWritesSnapshotBeforeMutation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	deployer := newRollbackFakeDeployer()
	scope := deployment.Scope{ProjectPath: "/srv/shop", Environment: "production"}

	source := preservationTarget("d2")
	source.Services = []registry.ServiceVersion{{Name: "api", Version: "1.1.0"}}

	p := NewStatePreservation(store, deployer, 20)
	meta, files, warnings, err := p.Preserve(ctx, scope, baseRequest(), source, preservationTarget("d1"), "r1")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "d2", meta.SourceDeploymentID)
	assert.Equal(t, "d1", meta.TargetDeploymentID)
	assert.Equal(t, []string{"config/api-env.json"}, meta.ConfigFiles)
	assert.Equal(t, []string{"state/api.log"}, meta.StateFiles)
	assert.Contains(t, files, "config/api-env.json")
	assert.Contains(t, files, "state/api.log")

	stored, err := store.GetSnapshotFile(ctx, "/srv/shop", "production", "r1", "state/api.log")
	require.NoError(t, err)
	assert.Equal(t, []byte("started ok"), stored)

	// The deployer was only read from, never mutated.
	assert.Empty(t, deployer.stopped)
	assert.Empty(t, deployer.started)
}

func TestPreserveDataActionMarker(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	scope := deployment.Scope{ProjectPath: "/srv/shop", Environment: "production"}

	req := baseRequest()
	req.PreserveData = false

	p := NewStatePreservation(store, newRollbackFakeDeployer(), 20)
	meta, _, _, err := p.Preserve(ctx, scope, req, preservationTarget("d2"), preservationTarget("d1"), "r1")
	require.NoError(t, err)

	require.NotNil(t, meta.DataAction)
	assert.Equal(t, "discard-service-data", meta.DataAction.Action)
	assert.False(t, meta.DataPreserved)
}

func TestPreserveRetentionKeepsLastN(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	scope := deployment.Scope{ProjectPath: "/srv/shop", Environment: "production"}

	p := NewStatePreservation(store, newRollbackFakeDeployer(), 3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		_, _, _, err := p.Preserve(ctx, scope, baseRequest(), preservationTarget("d2"), preservationTarget("d1"), id)
		require.NoError(t, err)
	}

	ids, err := store.ListSnapshots(ctx, "/srv/shop", "production")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3", "r4"}, ids, "oldest snapshots pruned first")
}

func TestPreserveNilSourceStillSnapshots(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	scope := deployment.Scope{ProjectPath: "/srv/shop", Environment: "production"}

	p := NewStatePreservation(store, newRollbackFakeDeployer(), 20)
	meta, files, _, err := p.Preserve(ctx, scope, baseRequest(), nil, preservationTarget("d1"), "r1")
	require.NoError(t, err)

	assert.Empty(t, meta.SourceDeploymentID)
	assert.Empty(t, files, "nothing deployed means nothing to back up")

	_, err = store.GetSnapshotMeta(ctx, "/srv/shop", "production", "r1")
	assert.NoError(t, err)
}
