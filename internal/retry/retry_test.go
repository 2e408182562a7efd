package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(retries int) *Config {
	return &Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, &Options{OnRetry: func(attempt int, err error, _ time.Duration) {
		assert.ErrorIs(t, err, errTransient)
		retried = append(retried, attempt)
	}})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_NegativeRetriesMeansSingleAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(-1), func() error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_ShouldRetryStops(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	}, &Options{ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) }})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(3), func() error {
		calls++
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, &Config{MaxRetries: 10, InitialBackoff: time.Second}, func() error {
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first", 0, 10 * time.Millisecond},
		{"second", 1, 20 * time.Millisecond},
		{"third", 2, 40 * time.Millisecond},
		{"capped", 10, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := CalculateBackoff(tt.attempt, 10*time.Millisecond, 100*time.Millisecond, 0)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateBackoff_JitterBounds(t *testing.T) {
	t.Parallel()

	for range 100 {
		got := CalculateBackoff(1, 10*time.Millisecond, time.Second, 0.5)
		assert.GreaterOrEqual(t, got, 20*time.Millisecond)
		assert.LessOrEqual(t, got, 30*time.Millisecond)
	}
}
