package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/payflow/internal/retry"
)

type HandlerFunc func(ctx context.Context, t Task) error

var ErrUnknownTask = errors.New("unknown task")

// Runner executes registered handlers. A failing handler is retried in place
// according to the policy; after that the task is logged as dead and acked.
type Runner struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	policy   retry.Policy
	logger   *zap.Logger
}

func NewRunner(maxAttempts int, logger *zap.Logger) *Runner {
	return &Runner{
		handlers: make(map[string]HandlerFunc),
		policy: retry.Policy{
			Attempts: maxAttempts,
			Backoff:  retry.Exponential(500*time.Millisecond, 30*time.Second),
		},
		logger: logger,
	}
}

// WithPolicy replaces the retry policy; tests use it to drop backoff.
func (r *Runner) WithPolicy(p retry.Policy) *Runner {
	r.policy = p
	return r
}

func (r *Runner) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	return out
}

// Process runs one task to completion or exhaustion.
func (r *Runner) Process(ctx context.Context, t Task) error {
	r.mu.RLock()
	h, ok := r.handlers[t.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no handler for task, dropping", zap.String("task", t.Name), zap.String("task_id", t.ID))
		return fmt.Errorf("%w: %s", ErrUnknownTask, t.Name)
	}

	policy := r.policy
	policy.OnRetry = func(n int, err error) {
		r.logger.Warn("task retry",
			zap.String("task", t.Name), zap.String("task_id", t.ID), zap.Int("attempt", n), zap.Error(err))
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		t.Attempt++
		return safeCall(ctx, h, t)
	})
	if err != nil {
		r.logger.Error("task failed",
			zap.String("task", t.Name), zap.String("task_id", t.ID), zap.String("key", t.Key),
			zap.Int("attempts", t.Attempt), zap.Error(err))
	}
	return err
}

func safeCall(ctx context.Context, h HandlerFunc, t Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = retry.Permanent(fmt.Errorf("task %s panicked: %v\n%s", t.Name, rec, debug.Stack()))
		}
	}()
	return h(ctx, t)
}

// Run starts concurrency workers, each with its own source, until ctx is done.
func (r *Runner) Run(ctx context.Context, concurrency int, newSource func() Source) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			src := newSource()
			defer src.Close()
			for {
				d, err := src.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("worker %d: %w", worker, err)
				}
				_ = r.Process(ctx, d.Task)
				if err := d.Ack(ctx); err != nil {
					r.logger.Error("task ack failed", zap.String("task_id", d.Task.ID), zap.Error(err))
				}
			}
		})
	}
	return g.Wait()
}
