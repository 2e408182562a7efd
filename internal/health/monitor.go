// Package health runs active health checks against registered backends and
// drives their Healthy/Unhealthy hysteresis.
package health

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/metrics"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

var healthTracer = otel.Tracer("avalb/health")

// Source lists the backends to probe on each tick.
type Source interface {
	All() []*backend.Backend
}

// TransitionFunc is called after a backend changes health status.
type TransitionFunc func(b *backend.Backend, from, to backend.Status)

// Monitor probes every backend of its source once per interval.
type Monitor struct {
	source       Source
	prober       Prober
	cfg          config.HealthCheckConfig
	logger       observability.Logger
	metrics      *metrics.Metrics
	onTransition TransitionFunc
	now          func() time.Time

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mm *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mm
	}
}

// WithTransitionCallback sets a callback for health status changes.
func WithTransitionCallback(fn TransitionFunc) Option {
	return func(m *Monitor) {
		m.onTransition = fn
	}
}

// WithClock replaces time.Now for LastCheckedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor. cfg is expected to have defaults applied.
func NewMonitor(source Source, prober Prober, cfg config.HealthCheckConfig, opts ...Option) *Monitor {
	m := &Monitor{
		source: source,
		prober: prober,
		cfg:    cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs an immediate check and then one per interval until ctx is
// cancelled or Stop is called. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx, m.stopCh, m.stoppedCh)
}

// Stop stops the ticker loop, cancels the in-progress tick and waits for it
// to return. Checks cut short by Stop record nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, stoppedCh, cancel := m.stopCh, m.stoppedCh, m.cancel
	m.mu.Unlock()

	close(stopCh)
	cancel()
	<-stoppedCh
}

// Close stops the monitor and releases prober resources.
func (m *Monitor) Close() error {
	m.Stop()
	if c, ok := m.prober.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// IsRunning returns true if the ticker loop is running.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.cfg.Interval.Duration())
	defer ticker.Stop()

	m.CheckAll(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			m.markStopped(stopCh)
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// markStopped clears the running flag when the loop exits on its own.
func (m *Monitor) markStopped(stopCh <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh == stopCh && m.running {
		m.running = false
		m.cancel()
	}
}

// CheckAll probes every backend concurrently and waits for all probes to
// finish or time out.
func (m *Monitor) CheckAll(ctx context.Context) {
	backends := m.source.All()

	ctx, span := healthTracer.Start(ctx, "health.check_all",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("backends", len(backends))),
	)
	defer span.End()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			m.check(ctx, b)
		}(b)
	}
	wg.Wait()

	healthy, eligible := 0, 0
	for _, b := range backends {
		if b.IsHealthy() {
			healthy++
		}
		if b.Eligible() {
			eligible++
		}
	}
	m.metrics.SetEligibleBackends(eligible)
	span.SetAttributes(
		attribute.Int("backends.healthy", healthy),
		attribute.Int("backends.eligible", eligible),
	)
	if healthy == 0 && len(backends) > 0 {
		span.SetStatus(codes.Error, "no healthy backends")
	}
}

func (m *Monitor) check(ctx context.Context, b *backend.Backend) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := m.probe(ctx, Target{ID: b.ID(), Host: b.Host(), Port: b.Port()})
	duration := time.Since(start)

	// Shutdown cancelled the tick; the result says nothing about the backend.
	if ctx.Err() != nil {
		return
	}

	success := err == nil
	m.metrics.RecordHealthCheck(b.ID(), success, duration)
	if !success {
		m.logger.Debug("health probe failed",
			observability.String("backend", b.ID()),
			observability.Error(err),
		)
	}

	from, to, changed := b.RecordProbe(success, m.now(),
		m.cfg.HealthyThreshold, m.cfg.UnhealthyThreshold)
	if !changed {
		return
	}

	h := b.Health()
	if to == backend.StatusHealthy {
		m.logger.Info("backend recovered",
			observability.String("backend", b.ID()),
			observability.String("address", b.Address()),
			observability.Int("consecutive_successes", h.ConsecutiveSuccesses),
		)
	} else {
		m.logger.Warn("backend degraded",
			observability.String("backend", b.ID()),
			observability.String("address", b.Address()),
			observability.Int("consecutive_failures", h.ConsecutiveFailures),
			observability.Error(err),
		)
	}
	m.metrics.SetBackendHealth(b.ID(), to == backend.StatusHealthy)

	if m.onTransition != nil {
		m.onTransition(b, from, to)
	}
}

// probe runs one probe bounded by the configured timeout. A panicking or
// hung prober is reported as a failure; its goroutine exits on its own once
// the prober returns.
func (m *Monitor) probe(ctx context.Context, t Target) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout.Duration())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrProbePanic, r)
			}
		}()
		done <- m.prober.Probe(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
