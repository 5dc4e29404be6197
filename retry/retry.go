// Package retry runs an operation again after transient failures, backing
// off exponentially with jitter between attempts.
//
// Whether an error is worth retrying is decided by Config.IsRetryable; the
// default honours a Retryable() bool method anywhere in the error chain, so
// callers mark permanent failures with MarkNotRetryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Default configuration values.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitter         = 0.1
)

// Config configures retry behavior. Zero fields take the defaults above;
// MaxRetries of zero means a single attempt.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter in [0,1] spreads each wait by +/- that fraction.
	Jitter float64

	IsRetryable func(error) bool

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
		Jitter:         DefaultJitter,
		IsRetryable:    DefaultIsRetryable,
	}
}

// Sentinel errors carried by RetryError.Err.
var (
	ErrNotRetryable    = errors.New("retry: error is not retryable")
	ErrMaxRetries      = errors.New("retry: max retries exceeded")
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Func is an operation that may be retried.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx ends. Any failure is returned as *RetryError.
func Do(ctx context.Context, cfg Config, fn Func) error {
	cfg = cfg.withDefaults()

	var last error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &RetryError{Cause: last, Attempts: attempt, Err: ErrContextCanceled}
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !cfg.IsRetryable(last) {
			return &RetryError{Cause: last, Attempts: attempt + 1, Err: ErrNotRetryable}
		}
		if attempt >= cfg.MaxRetries {
			return &RetryError{Cause: last, Attempts: attempt + 1, Err: ErrMaxRetries}
		}

		wait := cfg.backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, last, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Cause: last, Attempts: attempt + 1, Err: ErrContextCanceled}
		case <-timer.C:
		}
	}
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// RetryError describes why Do gave up.
type RetryError struct {
	// Cause is the last error fn returned.
	Cause error

	Attempts int

	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s) (%v): %v", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// Is matches both the stop reason and anything in the cause chain.
func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// backoff returns initial * multiplier^attempt, capped and jittered.
func (cfg Config) backoff(attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	d = min(d, float64(cfg.MaxBackoff))
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(d)
}

// DefaultIsRetryable retries everything except context errors, errors
// wrapped by MarkNotRetryable, and errors whose Retryable() reports false.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// MarkNotRetryable stops Do from retrying err.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: false}
}

// MarkRetryable forces Do to retry err.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: true}
}

type marked struct {
	cause     error
	retryable bool
}

func (e *marked) Error() string   { return e.cause.Error() }
func (e *marked) Unwrap() error   { return e.cause }
func (e *marked) Retryable() bool { return e.retryable }
