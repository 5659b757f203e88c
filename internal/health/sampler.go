package health

import (
	"context"

	"release-coordinator/pkg/docker"
)

// DockerSampler reads CPU and memory utilization for one container from
// the Docker stats API.
type DockerSampler struct {
	client      *docker.Client
	containerID string
}

func NewDockerSampler(client *docker.Client, containerID string) *DockerSampler {
	return &DockerSampler{client: client, containerID: containerID}
}

func (s *DockerSampler) Sample(ctx context.Context) (float64, float64, error) {
	stats, err := s.client.GetContainerStats(ctx, s.containerID)
	if err != nil {
		return 0, 0, err
	}

	cpu := docker.CalculateCPUPercentage(stats)

	var mem float64
	if stats.MemoryStats.Limit > 0 {
		mem = float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100.0
	}

	return cpu, mem, nil
}
