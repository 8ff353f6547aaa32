package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/lease"
)

func (f fixture) atStep(t *testing.T, step Step) PaymentRequest {
	t.Helper()
	ctx := context.Background()
	p := f.pending(t, KindInternal, "100")
	path := []Step{StepCreated, StepClaimed, StepAuthorized, StepDebited}
	for i := 1; i < len(path) && path[i-1] != step; i++ {
		if path[i] == StepClaimed {
			_, ok, err := f.store.Claim(ctx, p.ID)
			require.NoError(t, err)
			require.True(t, ok)
			continue
		}
		require.NoError(t, f.store.Advance(ctx, p.ID, path[i-1], path[i]))
	}
	p, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, step, p.Step)
	return p
}

func TestReaperExpiresStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.saga, 15*time.Minute, zap.NewNop())

	created := f.atStep(t, StepCreated)
	claimed := f.atStep(t, StepClaimed)
	authorized := f.atStep(t, StepAuthorized)
	debited := f.atStep(t, StepDebited)
	fresh := f.atStep(t, StepAuthorized)
	for _, p := range []PaymentRequest{created, claimed, authorized, debited} {
		f.store.Backdate(p.ID, time.Hour)
	}

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Failed: 2, NeedsRefund: 2}, res)

	for _, c := range []struct {
		p      PaymentRequest
		status Status
		reason string
	}{
		{created, StatusFailed, ReasonExpired},
		{claimed, StatusFailed, ReasonExpired},
		{authorized, StatusNeedsRefund, ReasonExpiredDebit},
		{debited, StatusNeedsRefund, ReasonExpiredDebit},
	} {
		got, err := f.store.Get(ctx, c.p.ID)
		require.NoError(t, err)
		assert.Equal(t, c.status, got.Status, c.p.Step)
		assert.Equal(t, c.reason, got.Metadata[MetaReason])
		assert.Equal(t, "USER INTERNAL TRANSFER", got.Metadata[MetaType])
	}

	got, err := f.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, f.pub.count(events.PaymentRefundRequired))

	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestReaperRepublishesUnpublishedCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, KindInternal, "100")

	f.pub.fail(errors.New("broker down"))
	_, err := f.saga.Run(ctx, p.ID, creds())
	require.Error(t, err)
	f.pub.fail(nil)
	f.store.Backdate(p.ID, time.Hour)

	res, err := NewReaper(f.saga, 15*time.Minute, zap.NewNop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)
	assert.Equal(t, 1, f.pub.count(events.PaymentCompleted))

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.PublishedAt)
}

func TestReaperRunHoldsLease(t *testing.T) {
	f := newFixture(t)
	p := f.atStep(t, StepCreated)
	f.store.Backdate(p.ID, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, NewReaper(f.saga, time.Minute, zap.NewNop()).Run(ctx, 10*time.Millisecond, lease.Local{}))

	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestReaperSkipsRequestsStillMakingProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pending(t, KindInternal, "100")
	f.store.Backdate(p.ID, time.Hour)

	_, ok, err := f.store.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.Advance(ctx, p.ID, StepClaimed, StepAuthorized))

	res, err := NewReaper(f.saga, 15*time.Minute, zap.NewNop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, StepAuthorized, got.Step)
}

func TestReaperSweepDuringCreditLeavesTransferCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.saga, 15*time.Minute, zap.NewNop())

	// Queued long before a worker picked it up.
	p := f.pending(t, KindInternal, "200")
	f.store.Backdate(p.ID, time.Hour)

	var swept SweepResult
	saga := f.withCreditHook(func(ctx context.Context) {
		res, err := r.Sweep(ctx)
		require.NoError(t, err)
		swept = res
	})

	done, err := saga.Run(ctx, p.ID, creds())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, swept)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "800.00", f.balance(t, payerAcct))
	assert.Equal(t, "700.00", f.balance(t, payeeAcct))
	assert.Equal(t, 1, f.pub.count(events.PaymentCompleted))
	assert.Equal(t, 0, f.pub.count(events.PaymentRefundRequired))
}
