// Package lease runs background jobs on at most one replica at a time.
package lease

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker runs fn only when the named lease could be taken. ran is false when
// another holder owns it.
type Locker interface {
	RunExclusive(ctx context.Context, name string, fn func(context.Context) error) (ran bool, err error)
}

// Redis is a redsync-backed Locker. Acquisition is tried once per call;
// callers run on a ticker and simply try again next tick.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.Logger
}

func NewRedis(client goredislib.UniversalClient, expiry time.Duration, logger *zap.Logger) *Redis {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: logger,
	}
}

func (r *Redis) RunExclusive(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	mutex := r.rs.NewMutex("payflow:lease:"+name,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		r.logger.Debug("lease busy", zap.String("lease", name), zap.Error(err))
		return false, nil
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			r.logger.Warn("lease release failed", zap.String("lease", name), zap.Error(err))
		}
	}()
	return true, fn(ctx)
}

// Local always runs fn. It serves single-replica setups and tests.
type Local struct{}

func (Local) RunExclusive(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	return true, fn(ctx)
}
