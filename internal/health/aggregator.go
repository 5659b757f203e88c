package health

// Summary is the running aggregate over every snapshot collected in a
// release or monitoring window. Error rate, response time and resource
// usage are incremental averages; request rate accumulates as a count.
type Summary struct {
	ErrorRate       float64  `json:"error_rate"`
	AvgResponseTime float64  `json:"avg_response_time_ms"`
	RequestRate     float64  `json:"request_rate"`
	CPUUsage        float64  `json:"cpu_usage"`
	MemoryUsage     float64  `json:"memory_usage"`
	Healthy         bool     `json:"healthy"`
	Samples         int      `json:"samples"`
	Errors          []string `json:"errors,omitempty"`
}

// Aggregator folds snapshots into a Summary in O(1) per snapshot.
type Aggregator struct {
	summary Summary
}

func NewAggregator() *Aggregator {
	return &Aggregator{summary: Summary{Healthy: true}}
}

func (a *Aggregator) Add(snap Snapshot) {
	a.summary.Samples++
	n := float64(a.summary.Samples)

	a.summary.ErrorRate += (snap.ErrorRate - a.summary.ErrorRate) / n
	a.summary.AvgResponseTime += (snap.AvgResponseTime - a.summary.AvgResponseTime) / n
	a.summary.CPUUsage += (snap.CPUUsage - a.summary.CPUUsage) / n
	a.summary.MemoryUsage += (snap.MemoryUsage - a.summary.MemoryUsage) / n
	a.summary.RequestRate += snap.RequestRate

	if !snap.ServiceHealthy {
		a.summary.Healthy = false
	}
	a.summary.Errors = append(a.summary.Errors, snap.Errors...)
}

func (a *Aggregator) Summary() Summary {
	return a.summary
}
