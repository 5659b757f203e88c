package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Snapshot is a point-in-time health/metrics measurement for one service.
// Individual metric sources degrade to neutral values on failure; the
// failure reason lands in Errors instead of aborting collection.
type Snapshot struct {
	ErrorRate       float64   `json:"error_rate"`
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	RequestRate     float64   `json:"request_rate"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	ServiceHealthy  bool      `json:"service_healthy"`
	Errors          []string  `json:"errors,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ResourceSampler supplies CPU and memory utilization percentages for
// one running service instance.
type ResourceSampler interface {
	Sample(ctx context.Context) (cpuUsage, memoryUsage float64, err error)
}

const DefaultProbeTimeout = 5 * time.Second

type Checker struct {
	httpClient *http.Client
	timeout    time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Checker{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// CollectSnapshot gathers resource metrics from sampler and, when an
// endpoint is given, probes it once within the checker timeout. A
// service with no endpoint is considered healthy since there is nothing
// to probe; a timed-out or non-2xx/3xx probe marks it unhealthy.
func (c *Checker) CollectSnapshot(ctx context.Context, endpoint string, sampler ResourceSampler) Snapshot {
	snap := Snapshot{
		ServiceHealthy: true,
		Timestamp:      time.Now(),
	}

	if sampler != nil {
		cpu, mem, err := sampler.Sample(ctx)
		if err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("resource sampling failed: %v", err))
		} else {
			snap.CPUUsage = cpu
			snap.MemoryUsage = mem
		}
	}

	if endpoint == "" {
		return snap
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap.RequestRate = 1

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		snap.ServiceHealthy = false
		snap.ErrorRate = 1
		snap.Errors = append(snap.Errors, fmt.Sprintf("invalid health endpoint %s: %v", endpoint, err))
		return snap
	}

	resp, err := c.httpClient.Do(req)
	snap.AvgResponseTime = float64(time.Since(start).Milliseconds())

	if err != nil {
		snap.ServiceHealthy = false
		snap.ErrorRate = 1
		snap.Errors = append(snap.Errors, fmt.Sprintf("health probe failed: %v", err))
		return snap
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snap.ServiceHealthy = false
		snap.ErrorRate = 1
		snap.Errors = append(snap.Errors, fmt.Sprintf("health probe returned status %d", resp.StatusCode))
	}

	return snap
}
