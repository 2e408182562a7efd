// Package circuitbreaker implements the per-backend circuit breaker used to
// take failing backends out of rotation based on a rolling failure ratio.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avalb/internal/config"
)

// ErrInvalidConfig is returned when a breaker policy is rejected.
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config holds the policy of a circuit breaker.
type Config struct {
	// FailureThresholdPercent opens the circuit once the failure ratio of the
	// rolling window reaches it (1..100).
	FailureThresholdPercent int

	// MinSamples is the number of window samples required before the ratio
	// is evaluated.
	MinSamples int

	// WindowSize is the capacity of the rolling window.
	WindowSize int

	// SuccessThresholdToClose is the number of consecutive trial successes
	// that close a half-open circuit.
	SuccessThresholdToClose int

	// OpenDuration is how long the circuit stays open before half-open.
	OpenDuration time.Duration

	// TrialInterval is the half-open evaluation tick; one trial request is
	// admitted per tick.
	TrialInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FailureThresholdPercent: config.DefaultFailureThresholdPercent,
		MinSamples:              config.DefaultMinSamples,
		WindowSize:              config.DefaultWindowSize,
		SuccessThresholdToClose: config.DefaultSuccessThresholdToClose,
		OpenDuration:            config.DefaultOpenDuration,
		TrialInterval:           config.DefaultTrialInterval,
	}
}

// FromConfig converts the YAML policy into a Config.
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{
		FailureThresholdPercent: c.FailureThresholdPercent,
		MinSamples:              c.MinSamples,
		WindowSize:              c.WindowSize,
		SuccessThresholdToClose: c.SuccessThresholdToClose,
		OpenDuration:            c.OpenDuration.Duration(),
		TrialInterval:           c.TrialInterval.Duration(),
	}
}

// Validate reports the first invalid field wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.FailureThresholdPercent < 1 || c.FailureThresholdPercent > 100:
		return fmt.Errorf("%w: failureThresholdPercent %d out of range 1..100",
			ErrInvalidConfig, c.FailureThresholdPercent)
	case c.MinSamples < 1:
		return fmt.Errorf("%w: minSamples must be at least 1", ErrInvalidConfig)
	case c.WindowSize < c.MinSamples:
		return fmt.Errorf("%w: windowSize %d smaller than minSamples %d",
			ErrInvalidConfig, c.WindowSize, c.MinSamples)
	case c.SuccessThresholdToClose < 1:
		return fmt.Errorf("%w: successThresholdToClose must be at least 1", ErrInvalidConfig)
	case c.OpenDuration <= 0:
		return fmt.Errorf("%w: openDuration must be positive", ErrInvalidConfig)
	case c.TrialInterval <= 0:
		return fmt.Errorf("%w: trialInterval must be positive", ErrInvalidConfig)
	}
	return nil
}
