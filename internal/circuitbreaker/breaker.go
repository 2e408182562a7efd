package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

var cbTracer = otel.Tracer("avalb/circuitbreaker")

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed admits all requests.
	StateClosed State = iota

	// StateOpen rejects all requests until the open duration elapses.
	StateOpen

	// StateHalfOpen admits one trial request per trial interval.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateChangeFunc is notified after every state transition.
type StateChangeFunc func(name string, from, to State)

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State              State
	WindowSamples      int
	WindowFailures     int
	FailureRatePercent int
	OpenedAt           time.Time
	TrialSuccesses     int
	Transitions        uint64
}

// Breaker is a failure-ratio circuit breaker over a rolling window of
// outcomes. State transitions are driven by a two-step gobreaker whose trip
// decision reads the window; half-open trials are paced by a token bucket.
//
// Listener callbacks run synchronously on the goroutine that caused the
// transition and must not call back into the Breaker.
type Breaker struct {
	name     string
	cfg      Config
	logger   observability.Logger
	listener StateChangeFunc

	// mu serializes Record, Reset and Stats so the window and the gobreaker
	// counts are updated together.
	mu     sync.Mutex
	window *Window

	cb          atomic.Pointer[gobreaker.TwoStepCircuitBreaker]
	trials      atomic.Pointer[rate.Limiter]
	openedAt    atomic.Int64
	transitions atomic.Uint64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithStateChangeListener registers a transition listener.
func WithStateChangeListener(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.listener = fn
	}
}

// New creates a closed breaker. The config is validated eagerly.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: observability.NopLogger(),
		window: NewWindow(cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.trials.Store(b.newTrialLimiter())
	b.cb.Store(b.newGobreaker())
	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the breaker policy.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the current state, moving Open to HalfOpen once the open
// duration has elapsed.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.Load().State())
}

// Available reports whether a request may be routed to the backend without
// consuming a half-open trial slot.
func (b *Breaker) Available() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.trials.Load().Tokens() >= 1
	default:
		return false
	}
}

// AcquireTrial consumes the half-open trial slot. It always succeeds when
// the circuit is closed and never when it is open.
func (b *Breaker) AcquireTrial() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.trials.Load().Allow()
	default:
		return false
	}
}

// Record folds a request outcome into the breaker. It returns false when the
// outcome was ignored because the circuit is open or the half-open trial
// budget of the current generation is spent.
func (b *Breaker) Record(success bool, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.cb.Load()
	done, err := cb.Allow()
	if err != nil {
		return false
	}

	b.window.Add(success, at)
	done(success)

	// gobreaker consults ReadyToTrip only on failure, so a success that
	// completes the minimum sample count is evaluated here.
	if success && cb.State() == gobreaker.StateClosed && b.shouldTrip() {
		if fail, err := cb.Allow(); err == nil {
			fail(false)
		}
	}
	return true
}

// shouldTrip reports whether the window warrants opening. b.mu must be held.
func (b *Breaker) shouldTrip() bool {
	return b.window.Len() >= b.cfg.MinSamples && b.window.FailurePercent() >= b.cfg.FailureThresholdPercent
}

// OpenedAt returns when the circuit last opened, or the zero time.
func (b *Breaker) OpenedAt() time.Time {
	ns := b.openedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.cb.Load()
	state := fromGobreaker(cb.State())
	s := Stats{
		State:              state,
		WindowSamples:      b.window.Len(),
		WindowFailures:     b.window.Failures(),
		FailureRatePercent: b.window.FailurePercent(),
		OpenedAt:           b.OpenedAt(),
		Transitions:        b.transitions.Load(),
	}
	if state == StateHalfOpen {
		s.TrialSuccesses = int(cb.Counts().ConsecutiveSuccesses)
	}
	return s
}

// Reset returns the breaker to a fresh closed state with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.State()
	b.window.Reset()
	b.trials.Store(b.newTrialLimiter())
	b.cb.Store(b.newGobreaker())
	b.openedAt.Store(0)
	b.mu.Unlock()

	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

func (b *Breaker) newTrialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(b.cfg.TrialInterval), 1)
}

func (b *Breaker) newGobreaker() *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: safeIntToUint32(b.cfg.SuccessThresholdToClose),
		Interval:    0,
		Timeout:     b.cfg.OpenDuration,
		// Called from done() inside Record, so b.mu is held.
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.shouldTrip()
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(fromGobreaker(from), fromGobreaker(to))
		},
	})
}

func (b *Breaker) onStateChange(from, to State) {
	switch to {
	case StateOpen:
		b.openedAt.Store(time.Now().UnixNano())
	case StateHalfOpen:
		b.trials.Store(b.newTrialLimiter())
	case StateClosed:
		// Closing only happens inside done() in Record, under b.mu.
		b.window.Reset()
	}
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	b.transitions.Add(1)

	b.logger.Info("circuit breaker state change",
		observability.String("backend", b.name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	_, span := cbTracer.Start(context.Background(),
		"circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("backend.id", b.name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()

	if b.listener != nil {
		b.listener(b.name, from, to)
	}
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
