package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff
type Policy struct {
	MaxAttempts int           // Total attempts including the first one (>= 1)
	BaseDelay   time.Duration // Delay before the second attempt, doubled for each further attempt
	MaxDelay    time.Duration // Upper bound for a single delay (0 = uncapped)
}

// Jitter returns a random duration in [0, base)
type Jitter func(base time.Duration) time.Duration

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// RandomJitter is the default Jitter, uniform in [0, base)
func RandomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}

// ContextSleep is the default Sleeper
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delay computes the wait before retry number attempt (attempt 1 is the wait after the first failure):
// BaseDelay*2^(attempt-1) plus jitter in [0, BaseDelay), capped at MaxDelay.
// The result is non-decreasing in attempt for any jitter in range.
func (p Policy) Delay(attempt int, jitter Jitter) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	if jitter == nil {
		jitter = RandomJitter
	}

	backoff := p.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff <= 0 || (p.MaxDelay > 0 && backoff >= p.MaxDelay) { // Overflow or already past the cap
			return p.MaxDelay
		}
	}

	j := jitter(p.BaseDelay)
	if j < 0 {
		j = 0
	} else if j >= p.BaseDelay {
		j = p.BaseDelay - 1
	}

	delay := backoff + j
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// MaxTotalWait is the upper bound of the summed delays for a fully exhausted policy
func (p Policy) MaxTotalWait() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += p.Delay(attempt, func(base time.Duration) time.Duration { return base - 1 })
	}
	return total
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the driver stops retrying and returns it unchanged
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Option customizes a single Do call
type Option func(*options)

type options struct {
	jitter  Jitter
	sleep   Sleeper
	onRetry func(attempt int, delay time.Duration, err error)
}

// WithJitter overrides the jitter source
func WithJitter(j Jitter) Option { return func(o *options) { o.jitter = j } }

// WithSleeper overrides how the driver waits between attempts
func WithSleeper(s Sleeper) Option { return func(o *options) { o.sleep = s } }

// WithOnRetry registers a hook called before each wait
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends or MaxAttempts is reached.
// It returns the number of attempts made and the last error (Permanent wrappers removed).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	o := options{jitter: RandomJitter, sleep: ContextSleep}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return attempt, perm.err
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt, o.jitter)
		if o.onRetry != nil {
			o.onRetry(attempt, delay, lastErr)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%w (last error: %w)", err, lastErr)
		}
	}
	return maxAttempts, lastErr
}
