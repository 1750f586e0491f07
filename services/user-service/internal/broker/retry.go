package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAttempts  = 3
	DefaultRetryStep = 100 * time.Millisecond
)

// RetryPolicy runs a publish up to Attempts times, waiting Step×n after the
// n-th failure. Every error is retried.
type RetryPolicy struct {
	Attempts uint
	Step     time.Duration
	// OnAttempt, if set, observes every attempt's result.
	OnAttempt func(attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultAttempts, Step: DefaultRetryStep}
}

// linearBackOff yields step, 2×step, 3×step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Do returns nil on the first successful attempt or the last attempt's error.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	step := p.Step
	if step <= 0 {
		step = DefaultRetryStep
	}

	n := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		n++
		err := op(ctx)
		if p.OnAttempt != nil {
			p.OnAttempt(n, err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&linearBackOff{step: step}),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
