package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config contains retry configuration.
type Config struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// InitialInterval is the wait before the second attempt (default: 1s).
	InitialInterval time.Duration
	// MaxInterval caps the backoff interval (default: 30s).
	MaxInterval time.Duration
	// Multiplier grows the interval after each retry (default: 2.0).
	Multiplier float64
	// JitterFactor adds +/- random jitter as a fraction of the interval.
	JitterFactor float64
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns 3 attempts with 1s, 2s backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Operation is the function to be retried. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// RetryableError wraps an error indicating it should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable marks an error as retryable
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// PermanentError wraps an error indicating it should NOT be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as permanent (not retryable)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// Result contains the result of a retry operation
type Result struct {
	// Err is the final error with retry markers removed (nil if successful).
	Err error
	// Attempts is the total number of attempts made.
	Attempts int
	// Waits holds every backoff interval that was slept.
	Waits         []time.Duration
	TotalDuration time.Duration
}

// RetryCallback is called before each backoff wait.
type RetryCallback func(attempt int, err error, nextInterval time.Duration)

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config Config
}

// New creates a Retrier, filling zero values with defaults.
func New(config *Config) *Retrier {
	cfg := *DefaultConfig()
	if config != nil {
		cfg = *config
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 1 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	return &Retrier{config: cfg}
}

// Do executes the operation with retry logic.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	return r.DoWithCallback(ctx, op, nil)
}

// DoWithCallback runs op until it succeeds, returns a permanent error, or
// attempts run out. The error of the last attempt is what Result.Err carries.
func (r *Retrier) DoWithCallback(ctx context.Context, op Operation, callback RetryCallback) *Result {
	startTime := time.Now()
	result := &Result{}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := op(ctx, attempt)
		if err == nil {
			result.Err = nil
			result.TotalDuration = time.Since(startTime)
			return result
		}
		result.Err = unwrapMarkers(err)

		if IsPermanent(err) || attempt == r.config.MaxAttempts {
			break
		}

		interval := r.Interval(attempt)
		if callback != nil {
			callback(attempt, result.Err, interval)
		}

		if sleepErr := r.config.Sleep(ctx, interval); sleepErr != nil {
			break
		}
		result.Waits = append(result.Waits, interval)
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// Interval returns the wait after the given (1-based) failed attempt.
func (r *Retrier) Interval(attempt int) time.Duration {
	interval := float64(r.config.InitialInterval) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if r.config.JitterFactor > 0 {
		jitter := interval * r.config.JitterFactor
		interval = interval + (rand.Float64()*2-1)*jitter
	}

	if interval > float64(r.config.MaxInterval) {
		interval = float64(r.config.MaxInterval)
	}
	if interval < 0 {
		interval = float64(r.config.InitialInterval)
	}

	return time.Duration(interval)
}

// Do is a convenience function that creates a retrier and executes the operation
func Do(ctx context.Context, config *Config, op Operation) *Result {
	return New(config).Do(ctx, op)
}

func unwrapMarkers(err error) error {
	for {
		switch e := err.(type) {
		case *PermanentError:
			err = e.Err
		case *RetryableError:
			err = e.Err
		default:
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
