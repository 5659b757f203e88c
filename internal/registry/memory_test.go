package registry

import (
	"context"
	"testing"

	"release-coordinator/internal/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deploymentRec(id string, status DeploymentStatus) *DeploymentRecord {
	return &DeploymentRecord{
		DeploymentID: id,
		ProjectPath:  "/srv/shop",
		Environment:  "production",
		ReleaseName:  "release-" + id,
		Services:     []ServiceVersion{{Name: "api", Version: "1.0.0"}},
		Status:       status,
	}
}

func TestMemoryRegistryFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.CreateDeployment(ctx, deploymentRec("d1", StatusInProgress)))

	summary := health.Summary{Healthy: true, Samples: 1}
	require.NoError(t, reg.FinalizeDeployment(ctx, "d1", StatusSuccess, summary))

	rec, err := reg.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.NotNil(t, rec.FinalizedAt)
	assert.Equal(t, summary, rec.Health)

	err = reg.FinalizeDeployment(ctx, "d1", StatusFailed, health.Summary{})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	rec, err = reg.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status, "finalized record never changes")
}

func TestMemoryRegistryFinalizeUnknown(t *testing.T) {
	err := NewMemoryRegistry().FinalizeDeployment(context.Background(), "nope", StatusSuccess, health.Summary{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryLatestSuccessful(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	for _, rec := range []*DeploymentRecord{
		deploymentRec("d1", StatusSuccess),
		deploymentRec("d2", StatusFailed),
		deploymentRec("d3", StatusSuccess),
		deploymentRec("d4", StatusInProgress),
	} {
		require.NoError(t, reg.CreateDeployment(ctx, rec))
	}

	latest, err := reg.LatestSuccessfulDeployment(ctx, "/srv/shop", "production", "")
	require.NoError(t, err)
	assert.Equal(t, "d3", latest.DeploymentID)

	prior, err := reg.LatestSuccessfulDeployment(ctx, "/srv/shop", "production", "d3")
	require.NoError(t, err)
	assert.Equal(t, "d1", prior.DeploymentID)

	_, err = reg.LatestSuccessfulDeployment(ctx, "/srv/shop", "staging", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.CreateDeployment(ctx, deploymentRec("d1", StatusSuccess)))
	require.NoError(t, reg.CreateDeployment(ctx, deploymentRec("d2", StatusSuccess)))
	require.NoError(t, reg.CreateDeployment(ctx, deploymentRec("d3", StatusSuccess)))

	records, err := reg.ListDeployments(ctx, "/srv/shop", "production", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "d3", records[0].DeploymentID)
	assert.Equal(t, "d2", records[1].DeploymentID)
}

func TestMemoryRegistryRollbackLog(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	first := &RollbackRecord{
		RollbackID:         "r1",
		SourceDeploymentID: "d2",
		TargetDeploymentID: "d1",
		ProjectPath:        "/srv/shop",
		Environment:        "production",
		Reason:             "bad release",
		Success:            false,
	}
	second := &RollbackRecord{
		RollbackID:         "r2",
		SourceDeploymentID: "d2",
		TargetDeploymentID: "d1",
		ProjectPath:        "/srv/shop",
		Environment:        "production",
		Reason:             "bad release",
		DataPreserved:      true,
		Success:            true,
	}

	require.NoError(t, reg.AppendRollback(ctx, first))
	require.NoError(t, reg.AppendRollback(ctx, second))

	got, err := reg.GetRollback(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.False(t, got.Timestamp.IsZero())

	latest, err := reg.LatestRollback(ctx, "/srv/shop", "production")
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.RollbackID, "latest follows append order")

	_, err = reg.LatestRollback(ctx, "/srv/other", "production")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.CreateDeployment(ctx, deploymentRec("d1", StatusSuccess)))

	rec, err := reg.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	rec.Status = StatusFailed

	again, err := reg.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, again.Status)
}
