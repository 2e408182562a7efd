package stats

import (
	"math"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
)

// Target quantiles and their allowed rank error.
var quantileTargets = map[float64]float64{
	0.50: 0.05,
	0.95: 0.01,
	0.99: 0.001,
}

// Counters is the aggregated view of one backend's reported outcomes.
type Counters struct {
	Requests   uint64
	Failures   uint64
	LatencySum time.Duration
	MinLatency time.Duration
	MaxLatency time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
}

// AvgLatency returns the mean latency, or zero with no requests.
func (c Counters) AvgLatency() time.Duration {
	if c.Requests == 0 {
		return 0
	}
	return c.LatencySum / time.Duration(c.Requests) //nolint:gosec // request counts fit in int64
}

// Snapshot is a point-in-time copy of the aggregator.
type Snapshot struct {
	Backends    map[string]Counters
	Unavailable uint64
}

type backendAggregate struct {
	counters Counters
	stream   *quantile.Stream
}

// Aggregator folds request outcomes into per-backend counters. All methods
// are safe for concurrent use; a single mutex guards ingestion, reads and
// resets so a reset never interleaves with a partial update.
type Aggregator struct {
	mu          sync.Mutex
	backends    map[string]*backendAggregate
	unavailable uint64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{backends: make(map[string]*backendAggregate)}
}

// Ingest folds one outcome into the backend's aggregate.
func (a *Aggregator) Ingest(o RequestOutcome) {
	latency := max(o.Latency, 0)

	a.mu.Lock()
	defer a.mu.Unlock()

	agg, ok := a.backends[o.BackendID]
	if !ok {
		agg = &backendAggregate{stream: quantile.NewTargeted(quantileTargets)}
		a.backends[o.BackendID] = agg
	}

	c := &agg.counters
	if c.Requests == 0 || latency < c.MinLatency {
		c.MinLatency = latency
	}
	if latency > c.MaxLatency {
		c.MaxLatency = latency
	}
	c.Requests++
	c.LatencySum += latency
	if !o.Success {
		c.Failures++
	}
	agg.stream.Insert(float64(latency))
}

// RecordUnavailable counts a selection that found no eligible backend.
func (a *Aggregator) RecordUnavailable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable++
}

// Snapshot returns a copy of every backend's counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Snapshot{
		Backends:    make(map[string]Counters, len(a.backends)),
		Unavailable: a.unavailable,
	}
	for id, agg := range a.backends {
		out.Backends[id] = agg.snapshot()
	}
	return out
}

// Backend returns the counters of one backend.
func (a *Aggregator) Backend(id string) (Counters, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	agg, ok := a.backends[id]
	if !ok {
		return Counters{}, false
	}
	return agg.snapshot(), true
}

// Forget drops a backend's aggregate.
func (a *Aggregator) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.backends, id)
}

// Reset clears every aggregate.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backends = make(map[string]*backendAggregate)
	a.unavailable = 0
}

// snapshot copies the counters and fills the percentiles. Query flushes the
// stream buffer, so callers hold the aggregator mutex.
func (b *backendAggregate) snapshot() Counters {
	c := b.counters
	c.P50 = queryDuration(b.stream, 0.50)
	c.P95 = queryDuration(b.stream, 0.95)
	c.P99 = queryDuration(b.stream, 0.99)
	return c
}

func queryDuration(s *quantile.Stream, q float64) time.Duration {
	if s.Count() == 0 {
		return 0
	}
	v := s.Query(q)
	if math.IsNaN(v) {
		return 0
	}
	return time.Duration(v)
}
