package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	from, to State
}

type recorder struct {
	mu  sync.Mutex
	got []transition
}

func (r *recorder) listen(_ string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transition{from, to})
}

func (r *recorder) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.got...)
}

func testConfig() Config {
	return Config{
		FailureThresholdPercent: 50,
		MinSamples:              10,
		WindowSize:              20,
		SuccessThresholdToClose: 3,
		OpenDuration:            30 * time.Millisecond,
		TrialInterval:           80 * time.Millisecond,
	}
}

func newTestBreaker(t *testing.T, cfg Config, opts ...Option) *Breaker {
	t.Helper()
	b, err := New("backend-b", cfg, opts...)
	require.NoError(t, err)
	return b
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < b.Config().MinSamples; i++ {
		b.Record(false, time.Now())
	}
	require.Equal(t, StateOpen, b.State())
}

func waitHalfOpen(t *testing.T, b *Breaker) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.WindowSize = 5

	b, err := New("x", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, b)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreaker_MinSampleGuard(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, testConfig())

	// 100% failures but below minSamples keeps the circuit closed.
	for i := 0; i < 9; i++ {
		assert.True(t, b.Record(false, time.Now()))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Available())

	assert.True(t, b.Record(false, time.Now()))
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Available())
	assert.False(t, b.AcquireTrial())
	assert.False(t, b.OpenedAt().IsZero())
}

func TestBreaker_BelowThresholdStaysClosed(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, testConfig())

	for i := 0; i < 6; i++ {
		b.Record(true, time.Now())
	}
	for i := 0; i < 4; i++ {
		b.Record(false, time.Now())
	}

	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 10, stats.WindowSamples)
	assert.Equal(t, 4, stats.WindowFailures)
	assert.Equal(t, 40, stats.FailureRatePercent)

	// A fifth failure brings the ratio to 5/11 = 45%, still below 50.
	b.Record(false, time.Now())
	assert.Equal(t, StateClosed, b.State())

	// Sixth: 6/12 = 50%, opens.
	b.Record(false, time.Now())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessCompletingSamplesTrips(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	cfg := testConfig()
	cfg.OpenDuration = time.Hour
	b := newTestBreaker(t, cfg, WithStateChangeListener(rec.listen))

	for i := 0; i < 9; i++ {
		b.Record(false, time.Now())
	}
	require.Equal(t, StateClosed, b.State())

	// 9 failures out of 10 samples is 90%, above the threshold.
	assert.True(t, b.Record(true, time.Now()))
	stats := b.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, 10, stats.WindowSamples, "the trip does not add a sample")
	assert.Equal(t, 9, stats.WindowFailures)
	assert.False(t, b.OpenedAt().IsZero())
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, rec.transitions())
}

func TestBreaker_SuccessBelowThresholdStaysClosed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinSamples = 2
	cfg.WindowSize = 4
	b := newTestBreaker(t, cfg)

	b.Record(true, time.Now())
	b.Record(true, time.Now())
	b.Record(false, time.Now())
	// 1/4 failures after this success.
	b.Record(true, time.Now())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenIgnoresOutcomes(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, testConfig())
	trip(t, b)

	assert.False(t, b.Record(true, time.Now()))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := newTestBreaker(t, testConfig(), WithStateChangeListener(rec.listen))
	trip(t, b)
	waitHalfOpen(t, b)

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
	}, rec.transitions())
}

func TestBreaker_OneTrialPerTick(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, testConfig())
	trip(t, b)
	waitHalfOpen(t, b)

	assert.True(t, b.Available())
	assert.True(t, b.AcquireTrial())

	// Same tick: slot consumed.
	assert.False(t, b.Available())
	assert.False(t, b.AcquireTrial())

	require.Eventually(t, b.Available, time.Second, 5*time.Millisecond)
	assert.True(t, b.AcquireTrial())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := newTestBreaker(t, testConfig(), WithStateChangeListener(rec.listen))
	trip(t, b)
	firstOpen := b.OpenedAt()
	waitHalfOpen(t, b)

	require.True(t, b.AcquireTrial())
	assert.True(t, b.Record(false, time.Now()))

	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.OpenedAt().After(firstOpen))
	assert.Equal(t, transition{StateHalfOpen, StateOpen}, rec.transitions()[2])
}

func TestBreaker_TrialSuccessesClose(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, testConfig())
	trip(t, b)
	waitHalfOpen(t, b)

	for i := 1; i <= 2; i++ {
		assert.True(t, b.Record(true, time.Now()))
		stats := b.Stats()
		assert.Equal(t, StateHalfOpen, stats.State)
		assert.Equal(t, i, stats.TrialSuccesses)
	}

	assert.True(t, b.Record(true, time.Now()))
	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.WindowSamples, "window is cleared on close")
	assert.Zero(t, stats.TrialSuccesses)
	assert.Equal(t, uint64(3), stats.Transitions)
}

func TestBreaker_ClosedAlwaysGrantsTrial(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, testConfig())
	for i := 0; i < 5; i++ {
		assert.True(t, b.AcquireTrial())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := newTestBreaker(t, testConfig(), WithStateChangeListener(rec.listen))
	trip(t, b)

	b.Reset()

	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.WindowSamples)
	assert.True(t, stats.OpenedAt.IsZero())
	assert.Equal(t, transition{StateOpen, StateClosed}, rec.transitions()[1])

	// Resetting a closed breaker emits nothing.
	b.Reset()
	assert.Len(t, rec.transitions(), 2)
}

func TestBreaker_ConcurrentRecord(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.WindowSize = 1000
	cfg.MinSamples = 1000
	b := newTestBreaker(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Record(i%2 == 0, time.Now())
				_ = b.Available()
			}
		}()
	}
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, 800, stats.WindowSamples)
	assert.Equal(t, 400, stats.WindowFailures)
}
