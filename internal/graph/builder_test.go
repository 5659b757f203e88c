package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func svc(name string, deps ...string) ServiceConfig {
	return ServiceConfig{Name: name, Version: "1.0.0", Dependencies: deps}
}

func TestBuildPlanEmptyInput(t *testing.T) {
	plan, err := BuildPlan(nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Batches)
	assert.Empty(t, plan.Order)
}

func TestBuildPlanSingleService(t *testing.T) {
	plan, err := BuildPlan([]ServiceConfig{svc("api")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"api"}}, plan.Batches)
	assert.Equal(t, []string{"api"}, plan.Order)
}

func TestBuildPlanWebAppExample(t *testing.T) {
	plan, err := BuildPlan([]ServiceConfig{
		svc("web-app", "api", "cache"),
		svc("api", "database"),
		svc("cache", "database"),
		svc("database"),
	})
	require.NoError(t, err)

	assert.Equal(t, "database", plan.Order[0])

	pos := make(map[string]int)
	for i, name := range plan.Order {
		pos[name] = i
	}
	assert.Less(t, pos["database"], pos["api"])
	assert.Less(t, pos["database"], pos["cache"])
	assert.Less(t, pos["api"], pos["web-app"])
	assert.Less(t, pos["cache"], pos["web-app"])

	assert.Equal(t, [][]string{
		{"database"},
		{"api", "cache"},
		{"web-app"},
	}, plan.Batches)
}

func TestBuildPlanOrderRespectsEveryEdge(t *testing.T) {
	services := []ServiceConfig{
		svc("frontend", "auth", "search"),
		svc("auth", "db"),
		svc("search", "db", "index"),
		svc("db"),
		svc("index", "db"),
		svc("metrics"),
	}

	plan, err := BuildPlan(services)
	require.NoError(t, err)
	require.Len(t, plan.Order, len(services))

	pos := make(map[string]int)
	for i, name := range plan.Order {
		pos[name] = i
	}
	for _, s := range services {
		for _, dep := range s.Dependencies {
			assert.Less(t, pos[dep], pos[s.Name], "%s must come before %s", dep, s.Name)
		}
	}
}

func TestBuildPlanInputOrderTieBreak(t *testing.T) {
	plan, err := BuildPlan([]ServiceConfig{
		svc("c"),
		svc("a"),
		svc("b"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"c", "a", "b"}}, plan.Batches)
}

func TestBuildPlanCircular(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{
		svc("A", "B"),
		svc("B", "C"),
		svc("C", "A"),
	})
	require.Error(t, err)

	var cycleErr *CircularDependencyError
	require.True(t, errors.As(err, &cycleErr))
	require.Len(t, cycleErr.Cycles, 1)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, cycleErr.Cycles[0])
}

func TestBuildPlanReportsAllDisjointCycles(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{
		svc("a", "b"),
		svc("b", "a"),
		svc("c", "d"),
		svc("d", "c"),
		svc("e"),
	})
	require.Error(t, err)

	var cycleErr *CircularDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Cycles, 2)
}

func TestBuildPlanMissingDependency(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{
		svc("A", "B", "ghost"),
		svc("B"),
	})
	require.Error(t, err)

	var missingErr *MissingDependencyError
	require.True(t, errors.As(err, &missingErr))
	assert.Equal(t, []string{"ghost"}, missingErr.Missing)
}

func TestBuildPlanMissingDependencyDeduplicated(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{
		svc("A", "ghost"),
		svc("B", "ghost", "phantom"),
	})

	var missingErr *MissingDependencyError
	require.True(t, errors.As(err, &missingErr))
	assert.Equal(t, []string{"ghost", "phantom"}, missingErr.Missing)
}

func TestBuildPlanDuplicateName(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{svc("api"), svc("api")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate service name")
}

func TestBuildPlanUnnamedService(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{{Version: "1.0.0"}})
	require.Error(t, err)
}

func TestBuildPlanSelfDependency(t *testing.T) {
	_, err := BuildPlan([]ServiceConfig{svc("a", "a")})
	require.Error(t, err)

	var cycleErr *CircularDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, [][]string{{"a"}}, cycleErr.Cycles)
}
