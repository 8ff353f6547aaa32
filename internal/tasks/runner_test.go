package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/retry"
)

func fastRunner(attempts int) *Runner {
	return NewRunner(attempts, zap.NewNop()).WithPolicy(retry.Policy{Attempts: attempts})
}

func TestProcessRetriesUntilSuccess(t *testing.T) {
	r := fastRunner(5)
	calls := 0
	r.Register("consume.ledger.payment.completed", func(_ context.Context, task Task) error {
		calls++
		if task.Attempt < 3 {
			return errors.New("ledger account missing")
		}
		return nil
	})

	err := r.Process(context.Background(), New("consume.ledger.payment.completed", "p-1", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestProcessStopsOnPermanent(t *testing.T) {
	r := fastRunner(5)
	calls := 0
	r.Register("x", func(context.Context, Task) error {
		calls++
		return retry.Permanent(errors.New("bad payload"))
	})
	require.Error(t, r.Process(context.Background(), New("x", "", nil)))
	assert.Equal(t, 1, calls)
}

func TestProcessRecoversPanic(t *testing.T) {
	r := fastRunner(3)
	calls := 0
	r.Register("boom", func(context.Context, Task) error {
		calls++
		panic("nil map")
	})
	err := r.Process(context.Background(), New("boom", "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 1, calls)
}

func TestProcessUnknownTask(t *testing.T) {
	err := fastRunner(1).Process(context.Background(), New("nope", "", nil))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRunConsumesMemoryQueue(t *testing.T) {
	q := NewMemory()
	r := fastRunner(1)
	var done atomic.Int32
	r.Register("work", func(context.Context, Task) error {
		done.Add(1)
		return nil
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), New("work", "", nil)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx, 3, func() Source { return q }) }()

	require.Eventually(t, func() bool { return done.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
	assert.Len(t, q.Enqueued("work"), 10)
}

func TestDrainIncludesTasksEnqueuedWhileDraining(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, New("first", "", nil)))

	n := q.Drain(ctx, func(ctx context.Context, task Task) error {
		if task.Name == "first" {
			return q.Enqueue(ctx, New("second", "", nil))
		}
		return nil
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, q.Len())
}
