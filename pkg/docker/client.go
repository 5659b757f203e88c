package docker

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

type Client struct {
	cli *client.Client
}

type ContainerStats struct {
	State       string
	CPUStats    CPUStats
	PreCPUStats CPUStats
	MemoryStats MemoryStats
}

type CPUStats struct {
	TotalUsage  uint64
	PercpuUsage []uint64
	SystemUsage uint64
}

type MemoryStats struct {
	Usage int64
	Limit int64
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}

	return &Client{cli: cli}, nil
}

// Raw exposes the underlying SDK client for lifecycle operations.
func (c *Client) Raw() *client.Client {
	return c.cli
}

// GetContainerStats retrieves a single (non-streaming) stats sample
// together with the container state.
func (c *Client) GetContainerStats(ctx context.Context, containerID string) (*ContainerStats, error) {
	stats, err := c.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, err
	}
	defer stats.Body.Close()

	var v container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&v); err != nil {
		return nil, err
	}

	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return &ContainerStats{
		State: inspect.State.Status,
		CPUStats: CPUStats{
			TotalUsage:  v.CPUStats.CPUUsage.TotalUsage,
			PercpuUsage: v.CPUStats.CPUUsage.PercpuUsage,
			SystemUsage: v.CPUStats.SystemUsage,
		},
		PreCPUStats: CPUStats{
			TotalUsage:  v.PreCPUStats.CPUUsage.TotalUsage,
			PercpuUsage: v.PreCPUStats.CPUUsage.PercpuUsage,
			SystemUsage: v.PreCPUStats.SystemUsage,
		},
		MemoryStats: MemoryStats{
			Usage: int64(v.MemoryStats.Usage),
			Limit: int64(v.MemoryStats.Limit),
		},
	}, nil
}

// CalculateCPUPercentage derives a CPU utilization percentage from two
// consecutive cumulative samples.
func CalculateCPUPercentage(stats *ContainerStats) float64 {
	cpuDelta := float64(stats.CPUStats.TotalUsage - stats.PreCPUStats.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)

	if systemDelta > 0 && cpuDelta > 0 {
		return (cpuDelta / systemDelta) * float64(len(stats.CPUStats.PercpuUsage)) * 100.0
	}

	return 0.0
}

// InspectContainer inspects a container
func (c *Client) InspectContainer(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	return c.cli.ContainerInspect(ctx, containerID)
}

// IsContainerRunning reports whether the container exists and its state is "running".
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}
