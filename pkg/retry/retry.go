// Package retry holds the backoff policy shared by the HTTP client and the
// live update channel.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config is an exponential backoff policy. Attempts are counted from 1.
type Config struct {
	MaxAttempts int // 0 retries forever
	InitialWait time.Duration
	MaxWait     time.Duration // 0 leaves the wait uncapped
	Multiplier  float64       // <= 0 means 2
	Jitter      float64       // fraction of the wait, 0-1
}

// DefaultConfig is used for one-shot API requests.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// ReconnectConfig is used for the live channel: 1s doubling to 30s,
// giving up after 10 consecutive failures.
func ReconnectConfig() Config {
	return Config{
		MaxAttempts: 10,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2,
	}
}

// Backoff is the wait after the given failed attempt.
func (cfg Config) Backoff(attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	wait := float64(cfg.InitialWait)
	for i := 1; i < attempt; i++ {
		wait *= mult
		if cfg.MaxWait > 0 && wait >= float64(cfg.MaxWait) {
			wait = float64(cfg.MaxWait)
			break
		}
	}
	if cfg.Jitter > 0 {
		wait *= 1 + cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(wait)
}

// Exhausted reports whether no attempt may follow the given one.
func (cfg Config) Exhausted(attempt int) bool {
	return cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts
}

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable marks err as worth another attempt. Do and DoWithResult retry
// nothing else.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err}
}

// IsRetryable reports whether err, or anything it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r)
}

// Do calls fn until it succeeds, returns an unmarked error, ctx is done or
// the attempts run out. The returned error has the retryable mark removed.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var r retryable
		if !errors.As(err, &r) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", ctx.Err(), r.err)
		}
		if cfg.Exhausted(attempt) {
			return zero, r.err
		}

		t := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("%w: %w", ctx.Err(), r.err)
		case <-t.C:
		}
	}
}
