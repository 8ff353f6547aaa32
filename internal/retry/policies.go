package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Publish is the outbound event policy: 5 attempts, linear backoff starting
// at zero.
func Publish(attempts int, step time.Duration) Policy {
	if attempts < 1 {
		attempts = 5
	}
	return Policy{Attempts: attempts, Backoff: Linear(0, step)}
}

// Remote is for idempotent reads (PIN/card verification): network errors and
// 5xx are retried, everything else fails fast.
func Remote() Policy {
	return Policy{Attempts: 3, Backoff: Constant(200 * time.Millisecond), Retryable: IsTransient}
}

// RemoteMutation is for debit/credit calls. Only failures where the request
// never reached the server are retried, so a lost response cannot turn into
// a second debit.
func RemoteMutation() Policy {
	return Policy{Attempts: 3, Backoff: Constant(200 * time.Millisecond), Retryable: NotDelivered}
}

// StatusError is a non-2xx answer from a downstream HTTP service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports network-class failures: dial/connection errors,
// timeouts and 5xx answers. 4xx answers are never transient.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return NotDelivered(err)
}

// NotDelivered reports errors raised before the request was written: refused
// or failed dials.
func NotDelivered(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns)
}
