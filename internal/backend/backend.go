package backend

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avalb/internal/circuitbreaker"
	"github.com/vyrodovalexey/avalb/internal/config"
)

// Registry and construction errors.
var (
	ErrBackendExists   = errors.New("backend already registered")
	ErrBackendNotFound = errors.New("backend not found")
	ErrInvalidWeight   = errors.New("invalid backend weight")
	ErrInvalidBackend  = errors.New("invalid backend")
)

// Status represents the health status of a backend.
type Status int32

const (
	// StatusHealthy indicates the backend passes health checks.
	StatusHealthy Status = iota
	// StatusUnhealthy indicates the backend failed enough consecutive checks.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Health is a snapshot of a backend's health fields.
type Health struct {
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	ProbeFailures        uint64
	ProbeSuccesses       uint64
	LastCheckedAt        time.Time
}

// Backend is a single registered backend server.
type Backend struct {
	cfg     config.BackendConfig
	address string
	breaker *circuitbreaker.Breaker

	status   atomic.Int32
	inFlight atomic.Int64

	mu     sync.Mutex
	health Health
}

// New creates a backend that starts healthy with zero counters.
func New(cfg config.BackendConfig, breaker *circuitbreaker.Breaker) (*Backend, error) {
	if cfg.Weight < config.MinBackendWeight || cfg.Weight > config.MaxBackendWeight {
		return nil, fmt.Errorf("%w: %s has weight %d, must be between %d and %d",
			ErrInvalidWeight, cfg.ID, cfg.Weight, config.MinBackendWeight, config.MaxBackendWeight)
	}
	if cfg.ID == "" || cfg.Host == "" || cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: id, host and a valid port are required", ErrInvalidBackend)
	}
	if breaker == nil {
		return nil, fmt.Errorf("%w: %s has no circuit breaker", ErrInvalidBackend, cfg.ID)
	}

	b := &Backend{
		cfg:     cfg,
		address: cfg.Address(),
		breaker: breaker,
		health:  Health{Status: StatusHealthy},
	}
	b.status.Store(int32(StatusHealthy))
	return b, nil
}

// ID returns the stable backend identifier.
func (b *Backend) ID() string { return b.cfg.ID }

// Host returns the backend host.
func (b *Backend) Host() string { return b.cfg.Host }

// Port returns the backend port.
func (b *Backend) Port() int { return b.cfg.Port }

// Address returns host:port.
func (b *Backend) Address() string { return b.address }

// Weight returns the routing weight.
func (b *Backend) Weight() int { return b.cfg.Weight }

// Config returns the configuration the backend was created from.
func (b *Backend) Config() config.BackendConfig { return b.cfg }

// Breaker returns the backend's circuit breaker.
func (b *Backend) Breaker() *circuitbreaker.Breaker { return b.breaker }

// Status returns the health status.
func (b *Backend) Status() Status {
	return Status(b.status.Load())
}

// IsHealthy reports whether the backend is healthy.
func (b *Backend) IsHealthy() bool {
	return b.Status() == StatusHealthy
}

// Eligible reports whether the backend may be offered to a routing policy.
// It does not consume a half-open trial slot.
func (b *Backend) Eligible() bool {
	return b.IsHealthy() && b.breaker.Available()
}

// InFlight returns the number of requests started and not yet finished.
func (b *Backend) InFlight() int64 {
	return b.inFlight.Load()
}

// Acquire marks the start of a request.
func (b *Backend) Acquire() {
	b.inFlight.Add(1)
}

// Release marks the end of a request. The count never drops below zero.
func (b *Backend) Release() {
	for {
		cur := b.inFlight.Load()
		if cur <= 0 {
			return
		}
		if b.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// RecordProbe folds one health probe result into the hysteresis counters and
// reports the transition it caused, if any.
func (b *Backend) RecordProbe(
	success bool,
	at time.Time,
	healthyThreshold, unhealthyThreshold int,
) (from, to Status, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := &b.health
	from = h.Status
	h.LastCheckedAt = at

	if success {
		h.ProbeSuccesses++
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		if h.Status == StatusUnhealthy && h.ConsecutiveSuccesses >= healthyThreshold {
			h.Status = StatusHealthy
		}
	} else {
		h.ProbeFailures++
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		if h.Status == StatusHealthy && h.ConsecutiveFailures >= unhealthyThreshold {
			h.Status = StatusUnhealthy
		}
	}

	b.status.Store(int32(h.Status))
	return from, h.Status, from != h.Status
}

// Health returns a snapshot of the health fields.
func (b *Backend) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}
