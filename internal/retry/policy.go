// Package retry holds the bounded exponential backoff policy shared by every
// retried step of payment confirmation.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
)

// Policy bounds a retried operation. MaxAttempts counts every try, the first
// included.
type Policy struct {
	MaxAttempts uint          `usage:"Maximum attempts including the first"`
	BaseDelay   time.Duration `usage:"Delay before the first retry"`
	MaxDelay    time.Duration `usage:"Upper bound for a single delay"`
	Jitter      float64       `usage:"Randomization factor applied to each delay"`
}

// Or fills the zero fields of p from def.
func (p Policy) Or(def Policy) Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter == 0 {
		p.Jitter = def.Jitter
	}
	return p
}

// Budget is the longest Do can take when every attempt runs for perAttempt
// and every delay lands at the top of its jitter range.
func (p Policy) Budget(perAttempt time.Duration) time.Duration {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	total := time.Duration(attempts) * perAttempt
	delay := p.BaseDelay
	for range attempts - 1 {
		d := delay
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		total += time.Duration(float64(d) * (1 + p.Jitter))
		delay *= 2
	}
	return total
}

// Notify is called before each sleep with the failed attempt number.
type Notify func(attempt uint, err error, next time.Duration)

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	return b
}

// Do runs op until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	var attempt uint
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(attempt, err, next)
		}))
	}

	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	}, opts...)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
