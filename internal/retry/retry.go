// Package retry holds the bounded retry policies used for outbound publishing,
// remote calls and task execution.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff returns the delay before retry n (n starts at 1).
type Backoff func(n int) time.Duration

// Linear grows the delay by step on every retry: start, start+step, start+2*step...
func Linear(start, step time.Duration) Backoff {
	return func(n int) time.Duration {
		return start + time.Duration(n-1)*step
	}
}

func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential doubles from base up to max and applies full jitter.
func Exponential(base, max time.Duration) Backoff {
	return func(n int) time.Duration {
		d := base << uint(n-1)
		if d <= 0 || d > max {
			d = max
		}
		return time.Duration(rand.Int63n(int64(d) + 1))
	}
}

type Policy struct {
	Attempts  int
	Backoff   Backoff
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of retry n.
	OnRetry func(n int, err error)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. It returns the last error fn produced.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || (p.Retryable != nil && !p.Retryable(err)) || i == attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(i, err)
		}
		var d time.Duration
		if p.Backoff != nil {
			d = p.Backoff(i)
		}
		if serr := Sleep(ctx, d); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so that no policy retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
