// Package retry runs an operation again with exponential backoff. It serves
// template fetches, flow document writes and the NATS dial.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// NonRetryable marks err as final: Do returns it at once.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Config shapes the backoff. Zero delays and multiplier take the defaults.
type Config struct {
	MaxAttempts  int // including the first; <=0 runs once
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool // up to a quarter of the delay on top

	// RetryIf narrows which errors are retried. Nil retries every error
	// not marked NonRetryable.
	RetryIf func(error) bool
}

// DefaultConfig is short: a user is usually waiting on the result.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

func (c Config) normalized() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: negative delay or multiplier")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 50 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay < c.InitialDelay {
		return c, fmt.Errorf("retry: max delay %v below initial delay %v", c.MaxDelay, c.InitialDelay)
	}
	return c, nil
}

// backoff returns the pause after the given failed attempt, counted from 1.
func (c Config) backoff(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt && d < float64(c.MaxDelay); i++ {
		d *= c.Multiplier
	}
	pause := time.Duration(d)
	if pause > c.MaxDelay || pause <= 0 {
		pause = c.MaxDelay
	}
	if c.AddJitter && pause >= 4 {
		pause += rand.N(pause / 4)
	}
	return pause
}

func (c Config) retryable(err error) bool {
	if IsNonRetryable(err) {
		return false
	}
	return c.RetryIf == nil || c.RetryIf(err)
}

// Do calls fn until it succeeds, returns a final error, the attempts run out
// or ctx ends.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}
	var last error
	for attempt := 1; ; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		if !cfg.retryable(last) {
			return last
		}
		if attempt == cfg.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, last)
		}
		timer := time.NewTimer(cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("stopped after %d attempts: %w", attempt, errors.Join(ctx.Err(), last))
		case <-timer.C:
		}
	}
}

// DoWithResult is Do for operations that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
