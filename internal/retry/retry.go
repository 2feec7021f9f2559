// Package retry runs operations against external backends with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/svcfields"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Policy executes operations with retries.
type Policy struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a policy; unset fields fall back to defaults.
func New(cfg Config, clk clock.Clock, logger pslog.Logger) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &Policy{cfg: cfg, clock: clock.Ensure(clk), logger: svcfields.EnsureLogger(logger)}
}

// Attempts returns the configured attempt budget.
func (p *Policy) Attempts() int { return p.cfg.MaxAttempts }

// MaxDelay returns the longest pause between attempts.
func (p *Policy) MaxDelay() time.Duration { return p.cfg.MaxDelay }

// ErrExhausted wraps the last error once every attempt has failed transiently.
var ErrExhausted = errors.New("retry: attempts exhausted")

type exhaustedError struct {
	last error
}

func (e exhaustedError) Error() string { return ErrExhausted.Error() + ": " + e.last.Error() }
func (e exhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.last}
}

// Do runs fn until it succeeds, returns a non-transient error, the context
// ends, or the attempt budget is spent. Exhaustion is reported as an error
// matching ErrExhausted and the last failure.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := p.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return exhaustedError{last: lastErr}
			}
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == p.cfg.MaxAttempts {
			break
		}
		p.logger.Warn("relayd.retry.transient",
			"operation", op,
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return exhaustedError{last: lastErr}
		case <-p.clock.After(delay):
		}
		next := time.Duration(float64(delay) * p.cfg.Multiplier)
		if next > p.cfg.MaxDelay {
			next = p.cfg.MaxDelay
		}
		delay = next
	}
	return exhaustedError{last: lastErr}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
