package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // geometric growth factor
	Jitter       bool          // randomize delays up to +30%
}

// DefaultConfig suits short cache and database operations.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Func is one attempt of the operation being retried.
type Func func(ctx context.Context) error

// Retryable decides whether a failure is worth another attempt.
type Retryable func(error) bool

// Any retries every failure. Used where the operation is idempotent and the
// caller has nothing better than the attempt budget, like cache refunds.
func Any(err error) bool {
	return err != nil
}

// Do runs fn until it succeeds, the attempt budget runs out, the error is
// ruled non-retryable, or the context ends. A nil retryable defaults to Any.
func Do(ctx context.Context, config *Config, fn Func, retryable Retryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if retryable == nil {
		retryable = Any
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := Backoff(attempt, config)
		if config.Jitter {
			delay += time.Duration(rand.Float64() * float64(delay) * 0.3)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Backoff returns the delay after the given zero-based failed attempt.
func Backoff(attempt int, config *Config) time.Duration {
	if config == nil {
		config = DefaultConfig()
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt)))
	if delay > config.MaxDelay || delay <= 0 {
		return config.MaxDelay
	}
	return delay
}
