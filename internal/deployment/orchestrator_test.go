package deployment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"release-coordinator/internal/graph"
	"release-coordinator/internal/health"
	"release-coordinator/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeployer struct {
	mu        sync.Mutex
	deployed  []string
	stopped   []string
	failOn    map[string]bool
	endpoints map[string]string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{failOn: map[string]bool{}, endpoints: map[string]string{}}
}

func (f *fakeDeployer) Deploy(_ context.Context, spec ServiceSpec) (*ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOn[spec.Name] {
		return nil, errors.New("image pull failed")
	}
	f.deployed = append(f.deployed, spec.Name)
	return &ServiceInstance{
		Name:       spec.Name,
		Version:    spec.Version,
		InstanceID: "inst-" + spec.Name,
		Endpoint:   f.endpoints[spec.Name],
	}, nil
}

func (f *fakeDeployer) Stop(_ context.Context, _ Scope, serviceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, serviceName)
	return nil
}

func (f *fakeDeployer) SetVersion(context.Context, Scope, string, string) error { return nil }

func (f *fakeDeployer) RestoreConfig(context.Context, Scope, string, map[string][]byte) error {
	return nil
}

func (f *fakeDeployer) Start(_ context.Context, _ Scope, serviceName string) (*ServiceInstance, error) {
	return &ServiceInstance{Name: serviceName, InstanceID: "inst-" + serviceName}, nil
}

func (f *fakeDeployer) Running(context.Context, *ServiceInstance) (bool, error) { return true, nil }

func (f *fakeDeployer) ExportConfig(context.Context, Scope, string) (map[string][]byte, error) {
	return nil, nil
}

func (f *fakeDeployer) ExportState(context.Context, Scope, string) (map[string][]byte, error) {
	return nil, nil
}

func (f *fakeDeployer) deployedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deployed))
	copy(out, f.deployed)
	return out
}

func webAppRequest(strategy string, rollbackOnFailure bool) ReleaseRequest {
	return ReleaseRequest{
		ProjectPath: "/srv/shop",
		Environment: "production",
		ReleaseName: "2026-08-31",
		Strategy:    strategy,
		Services: []graph.ServiceConfig{
			{Name: "web-app", Version: "2.1.0", Dependencies: []string{"api", "cache"}},
			{Name: "api", Version: "1.4.0", Dependencies: []string{"database"}},
			{Name: "cache", Version: "3.0.1", Dependencies: []string{"database"}},
			{Name: "database", Version: "1.0.0"},
		},
		RollbackOnFailure: rollbackOnFailure,
	}
}

func newTestOrchestrator(reg registry.Registry, deployer Deployer) *Orchestrator {
	return NewOrchestrator(reg, deployer, health.NewChecker(time.Second), 1, time.Second)
}

func TestCoordinateReleaseDependencyOrder(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(ctx, webAppRequest("dependency-order", false))
	require.NoError(t, err)

	assert.Equal(t, registry.StatusSuccess, result.Status)
	assert.ElementsMatch(t, []string{"database", "api", "cache", "web-app"}, result.Deployed)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.NotAttempted)
	assert.Equal(t, [][]string{{"database"}, {"api", "cache"}, {"web-app"}}, result.Batches)

	// Batch boundaries hold in the actual deploy sequence.
	order := deployer.deployedNames()
	require.Len(t, order, 4)
	assert.Equal(t, "database", order[0])
	assert.Equal(t, "web-app", order[3])

	rec, err := reg.GetDeployment(ctx, result.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuccess, rec.Status)
	assert.NotNil(t, rec.FinalizedAt)
	assert.True(t, rec.Health.Healthy)
}

func TestCoordinateReleaseSequentialBatchesOfOne(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(context.Background(), webAppRequest("sequential", false))
	require.NoError(t, err)

	require.Len(t, result.Batches, 4)
	for _, batch := range result.Batches {
		assert.Len(t, batch, 1)
	}
	assert.Equal(t, []string{"database", "api", "cache", "web-app"}, deployer.deployedNames())
}

func TestCoordinateReleaseParallelWarnsOnDependencies(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(context.Background(), webAppRequest("parallel", false))
	require.NoError(t, err)

	require.Len(t, result.Batches, 1)
	assert.Len(t, result.Batches[0], 4)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "parallel strategy ignores declared dependencies")
}

func TestCoordinateReleaseDefaultsToDependencyOrder(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	result, err := newTestOrchestrator(reg, newFakeDeployer()).CoordinateRelease(context.Background(), webAppRequest("", false))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"database"}, {"api", "cache"}, {"web-app"}}, result.Batches)
}

func TestCoordinateReleaseUnknownStrategy(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	_, err := newTestOrchestrator(reg, newFakeDeployer()).CoordinateRelease(context.Background(), webAppRequest("blue-green", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown deployment strategy")
}

func TestCoordinateReleasePartialWithoutRollback(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()
	deployer.failOn["api"] = true

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(ctx, webAppRequest("dependency-order", false))
	require.NoError(t, err)

	assert.Equal(t, registry.StatusPartial, result.Status)
	assert.ElementsMatch(t, []string{"database", "cache"}, result.Deployed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "api", result.Failed[0].ServiceName)
	assert.Equal(t, "deploy", result.Failed[0].Phase)
	assert.Equal(t, []string{"web-app"}, result.NotAttempted)
	assert.Empty(t, result.RolledBack, "no rollback without rollbackOnFailure")
	assert.Empty(t, deployer.stopped)

	rec, err := reg.GetDeployment(ctx, result.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPartial, rec.Status)
}

func TestCoordinateReleaseFailedWhenNothingDeployed(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()
	deployer.failOn["database"] = true

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(context.Background(), webAppRequest("dependency-order", false))
	require.NoError(t, err)

	assert.Equal(t, registry.StatusFailed, result.Status)
	assert.Empty(t, result.Deployed)
	assert.ElementsMatch(t, []string{"api", "cache", "web-app"}, result.NotAttempted)
}

func TestCoordinateReleaseRollbackOnFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()
	deployer.failOn["web-app"] = true

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(context.Background(), webAppRequest("dependency-order", true))
	require.NoError(t, err)

	assert.Equal(t, registry.StatusPartial, result.Status)
	assert.ElementsMatch(t, []string{"database", "api", "cache"}, result.RolledBack)

	// Reverse deploy order: the last service deployed stops first.
	deployedBefore := deployer.deployedNames()
	require.Len(t, deployer.stopped, 3)
	assert.Equal(t, deployedBefore[2], deployer.stopped[0])
	assert.Equal(t, deployedBefore[0], deployer.stopped[2])
}

func TestCoordinateReleaseRollbackHook(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()
	deployer.failOn["web-app"] = true

	var (
		hookDeployed     []string
		hookDeploymentID string
	)
	orch := newTestOrchestrator(reg, deployer).
		WithRollback(func(_ context.Context, _ Scope, deploymentID string, deployed []string, reason string) []string {
			hookDeploymentID = deploymentID
			hookDeployed = deployed
			assert.Contains(t, reason, "automatic rollback")
			return deployed
		})

	result, err := orch.CoordinateRelease(context.Background(), webAppRequest("dependency-order", true))
	require.NoError(t, err)

	assert.Equal(t, result.DeploymentID, hookDeploymentID, "hook receives the failing release's id")
	assert.ElementsMatch(t, []string{"database", "api", "cache"}, hookDeployed)
	assert.Equal(t, hookDeployed, result.RolledBack)
	assert.Empty(t, deployer.stopped, "hook replaces the built-in revert")
}

func TestCoordinateReleaseUnhealthyService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := registry.NewMemoryRegistry()
	deployer := newFakeDeployer()
	deployer.endpoints["database"] = srv.URL

	result, err := newTestOrchestrator(reg, deployer).CoordinateRelease(context.Background(), webAppRequest("dependency-order", false))
	require.NoError(t, err)

	assert.Equal(t, registry.StatusFailed, result.Status)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "database", result.Failed[0].ServiceName)
	assert.Equal(t, "health", result.Failed[0].Phase)
	assert.False(t, result.Health.Healthy)
}

func TestCoordinateReleaseGraphErrorsHaveNoSideEffects(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		services []graph.ServiceConfig
		matches  func(error) bool
	}{
		{
			name: "cycle",
			services: []graph.ServiceConfig{
				{Name: "A", Version: "1.0.0", Dependencies: []string{"B"}},
				{Name: "B", Version: "1.0.0", Dependencies: []string{"C"}},
				{Name: "C", Version: "1.0.0", Dependencies: []string{"A"}},
			},
			matches: func(err error) bool {
				var target *graph.CircularDependencyError
				return errors.As(err, &target)
			},
		},
		{
			name: "missing dependency",
			services: []graph.ServiceConfig{
				{Name: "A", Version: "1.0.0", Dependencies: []string{"ghost"}},
			},
			matches: func(err error) bool {
				var target *graph.MissingDependencyError
				return errors.As(err, &target)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := registry.NewMemoryRegistry()
			deployer := newFakeDeployer()

			req := webAppRequest("dependency-order", false)
			req.Services = tc.services

			_, err := newTestOrchestrator(reg, deployer).CoordinateRelease(ctx, req)
			require.Error(t, err)
			assert.True(t, tc.matches(err))

			assert.Empty(t, deployer.deployedNames(), "no deploys on pre-flight failure")
			records, err := reg.ListDeployments(ctx, "/srv/shop", "production", 10)
			require.NoError(t, err)
			assert.Empty(t, records, "no record on pre-flight failure")
		})
	}
}

func TestCoordinateReleaseWritesExactlyOneRecord(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()

	result, err := newTestOrchestrator(reg, newFakeDeployer()).CoordinateRelease(ctx, webAppRequest("dependency-order", false))
	require.NoError(t, err)

	records, err := reg.ListDeployments(ctx, "/srv/shop", "production", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.DeploymentID, records[0].DeploymentID)
	assert.Len(t, records[0].Services, 4)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyDependencyOrder, s)

	for _, name := range []string{"sequential", "parallel", "dependency-order"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	_, err = ParseStrategy("canary")
	assert.Error(t, err)
}
