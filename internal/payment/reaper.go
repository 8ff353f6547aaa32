package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/payflow/internal/lease"
	m "github.com/example/payflow/pkg/metrics"
)

// Reaper finalizes PENDING requests whose step has not moved for longer than
// the TTL and republishes completions that were never published.
//
// A request stuck before any debit was sent fails with reason "expired". One
// stuck at AUTHORIZED or DEBITED may have moved money, so it goes to
// FAILED_NEEDS_REFUND and raises a refund alert.
type Reaper struct {
	saga   *Orchestrator
	ttl    time.Duration
	batch  int
	logger *zap.Logger
	now    func() time.Time
}

func NewReaper(saga *Orchestrator, ttl time.Duration, logger *zap.Logger) *Reaper {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Reaper{
		saga:   saga,
		ttl:    ttl,
		batch:  500,
		logger: logger.With(zap.String("component", "reaper")),
		now:    time.Now,
	}
}

type SweepResult struct {
	Failed      int `json:"failed"`
	NeedsRefund int `json:"needs_refund"`
	Republished int `json:"republished"`
}

// Sweep makes one pass. Per-request errors are logged and joined; the pass
// continues.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)
	store := r.saga.Store()
	cutoff := r.now().Add(-r.ttl)

	stale, err := store.ListStale(ctx, cutoff, r.batch)
	if err != nil {
		return res, fmt.Errorf("list stale: %w", err)
	}
	for _, p := range stale {
		status, reason := StatusFailed, ReasonExpired
		if p.Step.FundsMayHaveMoved() {
			status, reason = StatusNeedsRefund, ReasonExpiredDebit
		}
		plan, _ := PlanFor(p.Kind)
		meta := map[string]string{MetaReason: reason}
		if plan.Type != "" {
			meta[MetaType] = plan.Type
		}
		done, finished, err := store.Finish(ctx, p.ID, status, meta, r.now().UTC())
		if err != nil {
			errs = append(errs, fmt.Errorf("reap %s: %w", p.ID, err))
			continue
		}
		if !finished {
			continue
		}
		m.ReapedPayments.WithLabelValues(string(status)).Inc()
		m.SagaOutcomes.WithLabelValues(string(done.Kind), string(status)).Inc()
		r.logger.Warn("reaped stale payment",
			zap.String("payment_id", p.ID.String()), zap.String("step", string(p.Step)),
			zap.String("status", string(status)), zap.String("reason", reason))
		if status == StatusNeedsRefund {
			res.NeedsRefund++
			r.saga.alertRefund(ctx, done, reason)
		} else {
			res.Failed++
		}
	}

	unpublished, err := store.ListUnpublished(ctx, cutoff, r.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unpublished: %w", err))
		return res, errors.Join(errs...)
	}
	for _, p := range unpublished {
		if err := r.saga.Republish(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("republish %s: %w", p.ID, err))
			continue
		}
		res.Republished++
		m.ReapedPayments.WithLabelValues("REPUBLISHED").Inc()
	}
	return res, errors.Join(errs...)
}

// Run sweeps every interval while holding the "reaper" lease.
func (r *Reaper) Run(ctx context.Context, interval time.Duration, locker lease.Locker) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		ran, err := locker.RunExclusive(ctx, "reaper", func(ctx context.Context) error {
			res, err := r.Sweep(ctx)
			if res != (SweepResult{}) {
				r.logger.Info("sweep done",
					zap.Int("failed", res.Failed), zap.Int("needs_refund", res.NeedsRefund),
					zap.Int("republished", res.Republished))
			}
			return err
		})
		if err != nil {
			r.logger.Error("sweep failed", zap.Error(err))
		} else if !ran {
			r.logger.Debug("reaper lease held elsewhere")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
