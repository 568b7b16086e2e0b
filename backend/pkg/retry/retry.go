// Package retry runs an operation under a bounded, deterministic exponential
// backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an exponential backoff without jitter.
type Policy struct {
	// InitialInterval is the wait after the first failed attempt.
	InitialInterval time.Duration
	// MaxInterval caps every wait.
	MaxInterval time.Duration
	// Multiplier grows the wait after each failed attempt.
	Multiplier float64
	// MaxAttempts is the total number of attempts, the first one included.
	// Zero or less means retry until the context is done.
	MaxAttempts int
}

// Validate reports whether the policy can be used.
func (p Policy) Validate() error {
	if p.InitialInterval <= 0 {
		return errors.New("initial interval must be positive")
	}

	if p.MaxInterval < p.InitialInterval {
		return errors.New("max interval must not be lower than the initial interval")
	}

	if p.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}

	return nil
}

// BackOff returns a fresh cenkalti backoff implementing the policy.
func (p Policy) BackOff() backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	if p.MaxAttempts <= 0 {
		return eb
	}

	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// Delays lists the waits between attempts of a bounded policy.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}

	b := p.BackOff()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)

	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return delays
		}

		delays = append(delays, next)
	}
}

// NotifyFunc is called after a failed attempt, before waiting next.
type NotifyFunc func(err error, attempt int, next time.Duration)

type settings struct {
	timer  backoff.Timer
	notify NotifyFunc
}

// Option configures Do.
type Option func(*settings)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(s *settings) { s.timer = t }
}

// WithNotify registers a callback invoked after each failed attempt that
// will be retried.
func WithNotify(fn NotifyFunc) Option {
	return func(s *settings) { s.notify = fn }
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. It returns the number of attempts made and the
// last error (ctx.Err() when the context ended the loop).
func Do(ctx context.Context, p Policy, op func(attempt int) error, opts ...Option) (int, error) {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	attempts := 0
	operation := func() error {
		attempts++

		return op(attempts)
	}

	var notify backoff.Notify
	if s.notify != nil {
		notify = func(err error, next time.Duration) {
			s.notify(err, attempts, next)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.BackOff(), ctx), notify, s.timer)

	return attempts, err
}
