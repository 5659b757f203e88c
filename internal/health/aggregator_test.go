package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregatorEmpty(t *testing.T) {
	s := NewAggregator().Summary()
	assert.True(t, s.Healthy)
	assert.Zero(t, s.Samples)
	assert.Zero(t, s.ErrorRate)
}

func TestAggregatorRunningAverages(t *testing.T) {
	agg := NewAggregator()
	agg.Add(Snapshot{CPUUsage: 10, MemoryUsage: 40, AvgResponseTime: 100, RequestRate: 1, ServiceHealthy: true})
	agg.Add(Snapshot{CPUUsage: 30, MemoryUsage: 20, AvgResponseTime: 300, RequestRate: 1, ServiceHealthy: true})

	s := agg.Summary()
	assert.Equal(t, 2, s.Samples)
	assert.InDelta(t, 20, s.CPUUsage, 1e-9)
	assert.InDelta(t, 30, s.MemoryUsage, 1e-9)
	assert.InDelta(t, 200, s.AvgResponseTime, 1e-9)
	assert.InDelta(t, 2, s.RequestRate, 1e-9, "request rate accumulates as a count")
	assert.True(t, s.Healthy)
}

func TestAggregatorErrorRateAverage(t *testing.T) {
	agg := NewAggregator()
	agg.Add(Snapshot{ErrorRate: 1, ServiceHealthy: false})
	agg.Add(Snapshot{ServiceHealthy: true})
	agg.Add(Snapshot{ServiceHealthy: true})
	agg.Add(Snapshot{ServiceHealthy: true})

	s := agg.Summary()
	assert.InDelta(t, 0.25, s.ErrorRate, 1e-9)
}

func TestAggregatorUnhealthyLatches(t *testing.T) {
	agg := NewAggregator()
	agg.Add(Snapshot{ServiceHealthy: true})
	agg.Add(Snapshot{ServiceHealthy: false, Errors: []string{"probe failed"}})
	agg.Add(Snapshot{ServiceHealthy: true})

	s := agg.Summary()
	assert.False(t, s.Healthy, "one unhealthy snapshot marks the window unhealthy")
	assert.Equal(t, []string{"probe failed"}, s.Errors)
}

func TestAggregatorManySamplesStaysExact(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < 1000; i++ {
		agg.Add(Snapshot{CPUUsage: float64(i), ServiceHealthy: true, RequestRate: 1})
	}

	s := agg.Summary()
	assert.Equal(t, 1000, s.Samples)
	assert.InDelta(t, 499.5, s.CPUUsage, 1e-6)
	assert.InDelta(t, 1000, s.RequestRate, 1e-9)
}
