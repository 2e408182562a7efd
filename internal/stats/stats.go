// Package stats aggregates request outcomes into per-backend counters and
// latency percentiles, and defines the load balancer stats snapshot.
package stats

import "time"

// RequestOutcome is a single completed request reported by the caller.
type RequestOutcome struct {
	BackendID string
	Latency   time.Duration
	Success   bool
	Timestamp time.Time
}

// BackendStats is the read-only per-backend view.
type BackendStats struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`

	Requests     uint64  `json:"requests"`
	Failures     uint64  `json:"failures"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	MinLatencyMs float64 `json:"minLatencyMs"`
	MaxLatencyMs float64 `json:"maxLatencyMs"`
	P50LatencyMs float64 `json:"p50LatencyMs"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
	InFlight     int64   `json:"inFlight"`

	Health               string    `json:"health"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	ProbeFailures        uint64    `json:"probeFailures"`
	ProbeSuccesses       uint64    `json:"probeSuccesses"`
	LastCheckedAt        time.Time `json:"lastCheckedAt,omitzero"`

	Circuit               string    `json:"circuit"`
	CircuitOpenedAt       time.Time `json:"circuitOpenedAt,omitzero"`
	WindowFailurePercent  int       `json:"windowFailurePercent"`
	CircuitTrialSuccesses int       `json:"circuitTrialSuccesses"`
}

// LoadBalancerStats is a derived snapshot of the whole load balancer.
// Totals and latency figures are computed from the per-backend entries at
// read time; the average is weighted by request count and min/max ignore
// backends without requests.
type LoadBalancerStats struct {
	Algorithm        string         `json:"algorithm"`
	TotalRequests    uint64         `json:"totalRequests"`
	TotalFailures    uint64         `json:"totalFailures"`
	AvgLatencyMs     float64        `json:"avgLatencyMs"`
	MinLatencyMs     float64        `json:"minLatencyMs"`
	MaxLatencyMs     float64        `json:"maxLatencyMs"`
	Unavailable      uint64         `json:"unavailable"`
	TotalBackends    int            `json:"totalBackends"`
	HealthyBackends  int            `json:"healthyBackends"`
	EligibleBackends int            `json:"eligibleBackends"`
	Backends         []BackendStats `json:"backends"`
	CollectedAt      time.Time      `json:"collectedAt"`
}

// Backend returns the entry for id.
func (s LoadBalancerStats) Backend(id string) (BackendStats, bool) {
	for _, b := range s.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendStats{}, false
}

// DurationToMs converts a duration to fractional milliseconds.
func DurationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
