package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSampler struct {
	cpu, mem float64
	err      error
}

func (s stubSampler) Sample(context.Context) (float64, float64, error) {
	return s.cpu, s.mem, s.err
}

func TestCollectSnapshotHealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	snap := checker.CollectSnapshot(context.Background(), srv.URL, stubSampler{cpu: 42.5, mem: 61.0})

	assert.True(t, snap.ServiceHealthy)
	assert.Zero(t, snap.ErrorRate)
	assert.Equal(t, 42.5, snap.CPUUsage)
	assert.Equal(t, 61.0, snap.MemoryUsage)
	assert.Equal(t, 1.0, snap.RequestRate)
	assert.Empty(t, snap.Errors)
}

func TestCollectSnapshotServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	snap := checker.CollectSnapshot(context.Background(), srv.URL, nil)

	assert.False(t, snap.ServiceHealthy)
	assert.Equal(t, 1.0, snap.ErrorRate)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "status 500")
}

func TestCollectSnapshotRedirectIsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	snap := checker.CollectSnapshot(context.Background(), srv.URL, nil)

	assert.True(t, snap.ServiceHealthy)
}

func TestCollectSnapshotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	checker := NewChecker(50 * time.Millisecond)
	snap := checker.CollectSnapshot(context.Background(), srv.URL, nil)

	assert.False(t, snap.ServiceHealthy)
	assert.Equal(t, 1.0, snap.ErrorRate)
	assert.NotEmpty(t, snap.Errors)
}

func TestCollectSnapshotUnreachableEndpoint(t *testing.T) {
	checker := NewChecker(100 * time.Millisecond)
	snap := checker.CollectSnapshot(context.Background(), "http://127.0.0.1:1/health", nil)

	assert.False(t, snap.ServiceHealthy)
	assert.NotEmpty(t, snap.Errors)
}

func TestCollectSnapshotNoEndpoint(t *testing.T) {
	checker := NewChecker(time.Second)
	snap := checker.CollectSnapshot(context.Background(), "", stubSampler{cpu: 10, mem: 20})

	assert.True(t, snap.ServiceHealthy)
	assert.Zero(t, snap.RequestRate)
	assert.Equal(t, 10.0, snap.CPUUsage)
}

func TestCollectSnapshotSamplerFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	snap := checker.CollectSnapshot(context.Background(), srv.URL, stubSampler{err: errors.New("stats unavailable")})

	assert.True(t, snap.ServiceHealthy, "probe still succeeds when sampling fails")
	assert.Zero(t, snap.CPUUsage)
	assert.Zero(t, snap.MemoryUsage)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "resource sampling failed")
}
