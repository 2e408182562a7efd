package loadbalancer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/balancer"
	"github.com/vyrodovalexey/avalb/internal/circuitbreaker"
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/health"
	"github.com/vyrodovalexey/avalb/internal/metrics"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/stats"
)

// Selection is the routing decision returned by Select.
type Selection struct {
	BackendID string `json:"backendId"`
	Address   string `json:"address"`
}

// LoadBalancer is the health-aware load-balancing core.
type LoadBalancer struct {
	algorithm  string
	breakerCfg circuitbreaker.Config
	healthCfg  config.HealthCheckConfig

	registry   *backend.Registry
	policy     balancer.Policy
	aggregator *stats.Aggregator
	monitor    *health.Monitor

	logger         observability.Logger
	metrics        *metrics.Metrics
	prober         health.Prober
	balancerOpts   []balancer.Option
	onHealthChange health.TransitionFunc
	now            func() time.Time

	// mu serializes registry mutations so Reconcile sees a stable set.
	mu sync.Mutex
}

// Option is a functional option for configuring the load balancer.
type Option func(*LoadBalancer)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(lb *LoadBalancer) {
		lb.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lb *LoadBalancer) {
		lb.metrics = m
	}
}

// WithProber replaces the prober built from the health check config.
func WithProber(p health.Prober) Option {
	return func(lb *LoadBalancer) {
		lb.prober = p
	}
}

// WithBalancerOptions passes options to the routing policy.
func WithBalancerOptions(opts ...balancer.Option) Option {
	return func(lb *LoadBalancer) {
		lb.balancerOpts = append(lb.balancerOpts, opts...)
	}
}

// WithHealthTransitionCallback is called after a backend changes health status.
func WithHealthTransitionCallback(fn health.TransitionFunc) Option {
	return func(lb *LoadBalancer) {
		lb.onHealthChange = fn
	}
}

// WithClock replaces time.Now for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(lb *LoadBalancer) {
		lb.now = now
	}
}

// New builds a load balancer from a configuration with defaults applied and
// registers its backends. Health checks are not started.
func New(cfg *config.Config, opts ...Option) (*LoadBalancer, error) {
	lb := &LoadBalancer{
		algorithm:  cfg.Spec.Algorithm,
		breakerCfg: circuitbreaker.FromConfig(cfg.Spec.CircuitBreaker),
		healthCfg:  cfg.Spec.HealthCheck,
		aggregator: stats.NewAggregator(),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(lb)
	}

	if err := lb.breakerCfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := balancer.New(lb.algorithm, lb.balancerOpts...)
	if err != nil {
		return nil, err
	}
	lb.policy = policy

	if lb.prober == nil {
		lb.prober, err = health.NewProber(lb.healthCfg, lb.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create health prober: %w", err)
		}
	}

	lb.registry = backend.NewRegistry(lb.logger)
	lb.monitor = health.NewMonitor(lb.registry, lb.prober, lb.healthCfg,
		health.WithLogger(lb.logger),
		health.WithMetrics(lb.metrics),
		health.WithTransitionCallback(lb.onHealthChange),
	)

	for _, bc := range cfg.Spec.Backends {
		if err := lb.RegisterBackend(bc); err != nil {
			return nil, fmt.Errorf("failed to register backend %s: %w", bc.ID, err)
		}
	}

	lb.logger.Info("load balancer created",
		observability.String("algorithm", lb.algorithm),
		observability.Int("backends", lb.registry.Len()),
	)

	return lb, nil
}

// Algorithm returns the configured routing algorithm.
func (lb *LoadBalancer) Algorithm() string {
	return lb.policy.Name()
}

// RegisterBackend adds a backend. It starts healthy with a closed circuit.
func (lb *LoadBalancer) RegisterBackend(bc config.BackendConfig) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.register(bc)
}

func (lb *LoadBalancer) register(bc config.BackendConfig) error {
	cb, err := circuitbreaker.New(bc.ID, lb.breakerCfg,
		circuitbreaker.WithLogger(lb.logger),
		circuitbreaker.WithStateChangeListener(lb.onBreakerStateChange),
	)
	if err != nil {
		return err
	}

	b, err := backend.New(bc, cb)
	if err != nil {
		return err
	}

	if err := lb.registry.Register(b); err != nil {
		return err
	}

	lb.metrics.SetBackendHealth(b.ID(), true)
	lb.metrics.SetCircuitBreakerState(b.ID(), int(circuitbreaker.StateClosed))
	return nil
}

// DeregisterBackend removes a backend and drops its stats. Requests already
// routed to it may still report outcomes; those are rejected.
func (lb *LoadBalancer) DeregisterBackend(id string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.deregister(id)
}

func (lb *LoadBalancer) deregister(id string) error {
	if _, err := lb.registry.Deregister(id); err != nil {
		return err
	}
	lb.aggregator.Forget(id)
	lb.metrics.DeleteBackend(id)
	return nil
}

// Backends returns the configuration of every registered backend in
// registration order.
func (lb *LoadBalancer) Backends() []config.BackendConfig {
	all := lb.registry.All()
	out := make([]config.BackendConfig, 0, len(all))
	for _, b := range all {
		out = append(out, b.Config())
	}
	return out
}

// Select picks an eligible backend for clientKey. A half-open backend is
// returned only if its trial slot could be taken; otherwise the pick is
// repeated without it. ErrNoBackendAvailable is returned when nothing is
// eligible.
func (lb *LoadBalancer) Select(clientKey string) (*Selection, error) {
	candidates := lb.registry.Eligible()

	for len(candidates) > 0 {
		b := lb.policy.Select(candidates, clientKey)
		if b == nil {
			break
		}
		if b.Breaker().AcquireTrial() {
			b.Acquire()
			lb.metrics.RecordSelection(b.ID(), lb.policy.Name())
			lb.metrics.SetInFlight(b.ID(), b.InFlight())
			return &Selection{BackendID: b.ID(), Address: b.Address()}, nil
		}
		candidates = slices.DeleteFunc(candidates, func(x *backend.Backend) bool { return x == b })
	}

	lb.aggregator.RecordUnavailable()
	lb.metrics.RecordUnavailable()
	lb.logger.Debug("no backend available",
		observability.String("client", clientKey),
	)
	return nil, ErrNoBackendAvailable
}

// ReportOutcome folds the outcome of a request routed by Select into the
// backend's circuit breaker and the stats. It also ends the request for
// least-connections accounting.
func (lb *LoadBalancer) ReportOutcome(backendID string, latency time.Duration, success bool) error {
	b, ok := lb.registry.Get(backendID)
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrBackendNotFound, backendID)
	}

	now := lb.now()
	b.Release()
	b.Breaker().Record(success, now)
	lb.aggregator.Ingest(stats.RequestOutcome{
		BackendID: backendID,
		Latency:   latency,
		Success:   success,
		Timestamp: now,
	})

	lb.metrics.RecordOutcome(backendID, latency, success)
	lb.metrics.SetInFlight(backendID, b.InFlight())
	return nil
}

// Release ends a request without an outcome, e.g. when the client went
// away before dispatch.
func (lb *LoadBalancer) Release(backendID string) error {
	b, ok := lb.registry.Get(backendID)
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrBackendNotFound, backendID)
	}
	b.Release()
	lb.metrics.SetInFlight(backendID, b.InFlight())
	return nil
}

// EligibleCount returns the number of backends currently eligible.
func (lb *LoadBalancer) EligibleCount() int {
	return len(lb.registry.Eligible())
}

// GetStats returns a snapshot of every backend and the global totals.
func (lb *LoadBalancer) GetStats() stats.LoadBalancerStats {
	all := lb.registry.All()
	snap := lb.aggregator.Snapshot()

	out := stats.LoadBalancerStats{
		Algorithm:     lb.policy.Name(),
		Unavailable:   snap.Unavailable,
		TotalBackends: len(all),
		Backends:      make([]stats.BackendStats, 0, len(all)),
		CollectedAt:   lb.now(),
	}

	var (
		latencySum, minLatency, maxLatency time.Duration
		sampled                            bool
	)
	for _, b := range all {
		c := snap.Backends[b.ID()]
		bs := backendStats(b, c)
		out.TotalRequests += bs.Requests
		out.TotalFailures += bs.Failures
		if c.Requests > 0 {
			latencySum += c.LatencySum
			if !sampled || c.MinLatency < minLatency {
				minLatency = c.MinLatency
			}
			sampled = true
			maxLatency = max(maxLatency, c.MaxLatency)
		}
		if b.IsHealthy() {
			out.HealthyBackends++
		}
		if b.Eligible() {
			out.EligibleBackends++
		}
		out.Backends = append(out.Backends, bs)
	}

	if out.TotalRequests > 0 {
		avg := latencySum / time.Duration(out.TotalRequests) //nolint:gosec // request counts fit in int64
		out.AvgLatencyMs = stats.DurationToMs(avg)
		out.MinLatencyMs = stats.DurationToMs(minLatency)
		out.MaxLatencyMs = stats.DurationToMs(maxLatency)
	}
	return out
}

func backendStats(b *backend.Backend, c stats.Counters) stats.BackendStats {
	h := b.Health()
	cb := b.Breaker().Stats()

	return stats.BackendStats{
		ID:      b.ID(),
		Address: b.Address(),
		Weight:  b.Weight(),

		Requests:     c.Requests,
		Failures:     c.Failures,
		AvgLatencyMs: stats.DurationToMs(c.AvgLatency()),
		MinLatencyMs: stats.DurationToMs(c.MinLatency),
		MaxLatencyMs: stats.DurationToMs(c.MaxLatency),
		P50LatencyMs: stats.DurationToMs(c.P50),
		P95LatencyMs: stats.DurationToMs(c.P95),
		P99LatencyMs: stats.DurationToMs(c.P99),
		InFlight:     b.InFlight(),

		Health:               h.Status.String(),
		ConsecutiveFailures:  h.ConsecutiveFailures,
		ConsecutiveSuccesses: h.ConsecutiveSuccesses,
		ProbeFailures:        h.ProbeFailures,
		ProbeSuccesses:       h.ProbeSuccesses,
		LastCheckedAt:        h.LastCheckedAt,

		Circuit:               cb.State.String(),
		CircuitOpenedAt:       cb.OpenedAt,
		WindowFailurePercent:  cb.FailureRatePercent,
		CircuitTrialSuccesses: cb.TrialSuccesses,
	}
}

// ResetStats clears the request counters and latency estimates. Health and
// circuit state are not affected.
func (lb *LoadBalancer) ResetStats() {
	lb.aggregator.Reset()
	lb.logger.Info("stats reset")
}

// StartHealthChecks starts the health monitor. It runs until ctx is
// cancelled or StopHealthChecks is called.
func (lb *LoadBalancer) StartHealthChecks(ctx context.Context) {
	lb.monitor.Start(ctx)
}

// StopHealthChecks stops the health monitor and waits for the current tick.
func (lb *LoadBalancer) StopHealthChecks() {
	lb.monitor.Stop()
}

// CheckHealth runs one health tick synchronously.
func (lb *LoadBalancer) CheckHealth(ctx context.Context) {
	lb.monitor.CheckAll(ctx)
}

// Close stops health checks and releases prober connections.
func (lb *LoadBalancer) Close() error {
	return lb.monitor.Close()
}

func (lb *LoadBalancer) onBreakerStateChange(name string, from, to circuitbreaker.State) {
	lb.metrics.RecordCircuitBreakerTransition(name, from.String(), to.String(), int(to))
}
