package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearBackoff(t *testing.T) {
	b := Linear(0, 2*time.Second)
	assert.Equal(t, time.Duration(0), b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 6*time.Second, b(4))
}

func TestExponentialBackoffIsBounded(t *testing.T) {
	b := Exponential(10*time.Millisecond, 50*time.Millisecond)
	for n := 1; n < 40; n++ {
		assert.LessOrEqual(t, b(n), 50*time.Millisecond)
	}
}

func TestDoStopsAfterAttempts(t *testing.T) {
	var calls, retries int
	p := Policy{Attempts: 5, Backoff: Constant(0), OnRetry: func(int, error) { retries++ }}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("broker down")
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 4, retries)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Publish(5, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("channel closed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursRetryableAndPermanent(t *testing.T) {
	calls := 0
	err := Remote().Do(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 403, Body: `{"data":{"validity":false}}`}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Policy{Attempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("invalid payload"))
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Attempts: 10, Backoff: Constant(time.Hour)}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestClassification(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}

	assert.True(t, IsTransient(refused))
	assert.True(t, IsTransient(fmt.Errorf("post: %w", reset)))
	assert.True(t, IsTransient(&StatusError{StatusCode: 502}))
	assert.False(t, IsTransient(&StatusError{StatusCode: 400}))
	assert.False(t, IsTransient(errors.New("invalid pin")))

	assert.True(t, NotDelivered(refused))
	assert.False(t, NotDelivered(reset))
	assert.False(t, NotDelivered(&StatusError{StatusCode: 503}))
}
