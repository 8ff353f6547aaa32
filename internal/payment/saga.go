package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/accountclient"
	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/retry"
	perr "github.com/example/payflow/pkg/errors"
	m "github.com/example/payflow/pkg/metrics"
)

// Orchestrator runs transfer sagas:
//
//	CREATED -> CLAIMED -> AUTHORIZED -> DEBITED -> COMPLETED
//
// Authorization or debit failures end in FAILED, a credit failure after a
// successful debit ends in FAILED_NEEDS_REFUND. Business steps are never
// retried; only the completion publish is.
type Orchestrator struct {
	store    Store
	accounts Accounts
	pub      events.Publisher
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithTracer(t trace.Tracer) Option      { return func(o *Orchestrator) { o.tracer = t } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(store Store, accounts Accounts, pub events.Publisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		accounts: accounts,
		pub:      pub,
		logger:   logger.With(zap.String("component", "saga")),
		tracer:   otel.Tracer("payflow/payment"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Store() Store { return o.store }

// Run executes the saga for id. It is safe to call any number of times for
// the same id: only the caller that claims the request moves money, and a
// completed request whose event was lost gets it republished.
//
// The returned error is non-nil only for infrastructure failures that the
// task runner should retry; business failures are recorded on the request.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID, creds Credentials) (p PaymentRequest, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.Run", trace.WithAttributes(attribute.String("payment.id", id.String())))
	defer func() {
		span.SetAttributes(attribute.String("payment.status", string(p.Status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := o.logger.With(zap.String("payment_id", id.String()))

	p, err = o.store.Get(ctx, id)
	if err != nil {
		return p, fmt.Errorf("load %s: %w", id, err)
	}
	plan, ok := PlanFor(p.Kind)
	if !ok {
		return p, retry.Permanent(perr.Validation("unknown payment kind " + string(p.Kind)))
	}

	if p.Status == StatusCompleted && p.PublishedAt == nil {
		log.Info("completed but unpublished, republishing")
		return p, o.publishCompletion(ctx, plan, p)
	}
	if p.Status.Terminal() {
		log.Info("saga no-op", zap.String("status", string(p.Status)))
		return p, nil
	}

	p, ok, err = o.store.Claim(ctx, id)
	if err != nil {
		return p, fmt.Errorf("claim %s: %w", id, err)
	}
	if !ok {
		log.Info("saga no-op, already claimed", zap.String("step", string(p.Step)))
		return p, nil
	}
	log.Info("saga step", zap.String("step", string(StepClaimed)), zap.String("kind", string(p.Kind)))

	if plan.Authorize != nil {
		if err := o.step(ctx, "authorize", func(ctx context.Context) error {
			return plan.Authorize(ctx, o.accounts, p, creds)
		}); err != nil {
			return o.fail(ctx, plan, p, StatusFailed, ReasonAuthorization, err)
		}
	}
	if err := o.advance(ctx, log, id, StepClaimed, StepAuthorized); err != nil {
		return o.aborted(ctx, log, p, err)
	}

	if err := o.step(ctx, "debit", func(ctx context.Context) error {
		return o.move(ctx, p, plan.Debit, true)
	}); err != nil {
		return o.fail(ctx, plan, p, StatusFailed, ReasonDebit, err)
	}
	if err := o.advance(ctx, log, id, StepAuthorized, StepDebited); err != nil {
		return o.aborted(ctx, log, p, err)
	}

	if err := o.step(ctx, "credit", func(ctx context.Context) error {
		return o.move(ctx, p, plan.Credit, false)
	}); err != nil {
		return o.fail(ctx, plan, p, StatusNeedsRefund, ReasonCredit, err)
	}

	done, finished, err := o.store.Finish(ctx, id, StatusCompleted, map[string]string{MetaType: plan.Type}, o.now().UTC())
	if err != nil {
		// Funds moved; the reaper sees step DEBITED and flags the request.
		return p, fmt.Errorf("finish %s: %w", id, err)
	}
	if !finished {
		// Debit and credit both landed, so a refund here would pay twice.
		log.Error("integrity alert: funds moved but request was finalized elsewhere",
			zap.String("status", string(done.Status)),
			zap.String("reason", done.Metadata[MetaReason]))
		note := map[string]string{MetaCreditApplied: "true", MetaType: plan.Type}
		if err := o.store.Annotate(ctx, id, note); err != nil {
			log.Error("annotate finalized request", zap.Error(err))
			return done, fmt.Errorf("annotate %s: %w", id, err)
		}
		done.Metadata = cloneMeta(done.Metadata)
		for k, v := range note {
			done.Metadata[k] = v
		}
		return done, nil
	}
	m.SagaOutcomes.WithLabelValues(string(done.Kind), string(done.Status)).Inc()
	log.Info("saga step", zap.String("step", string(StatusCompleted)))
	return done, o.publishCompletion(ctx, plan, done)
}

func (o *Orchestrator) advance(ctx context.Context, log *zap.Logger, id uuid.UUID, from, to Step) error {
	if err := o.store.Advance(ctx, id, from, to); err != nil {
		return err
	}
	log.Info("saga step", zap.String("step", string(to)))
	return nil
}

// aborted stops a saga whose request left the expected step, usually because
// the reaper finalized it. Other store errors are returned for retry; the
// redelivered task is then a no-op and the reaper settles the request.
func (o *Orchestrator) aborted(ctx context.Context, log *zap.Logger, p PaymentRequest, err error) (PaymentRequest, error) {
	if !errors.Is(err, ErrStepConflict) {
		return p, fmt.Errorf("advance %s: %w", p.ID, err)
	}
	log.Warn("saga aborted, request moved on", zap.String("step", string(p.Step)))
	if cur, gerr := o.store.Get(ctx, p.ID); gerr == nil {
		return cur, nil
	}
	return p, nil
}

// step times one remote step and records it as a span.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "saga."+name)
	defer span.End()
	start := o.now()
	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.SagaStepDuration.WithLabelValues(name, result).Observe(o.now().Sub(start).Seconds())
	return err
}

func (o *Orchestrator) move(ctx context.Context, p PaymentRequest, s side, debit bool) error {
	step := "credit"
	if debit {
		step = "debit"
	}
	key := p.ID.String() + ":" + step
	var (
		res accountclient.Result
		err error
	)
	switch {
	case s == pool && debit:
		res, err = o.accounts.DebitBankPool(ctx, p.Amount, key)
	case s == pool:
		res, err = o.accounts.CreditBankPool(ctx, p.Amount, key)
	default:
		req := accountclient.FundsRequest{Amount: p.Amount, IdempotencyKey: key}
		if s == payer {
			req.UserID, req.AccountNumber = p.PayerUserID, p.PayerAccount
		} else {
			req.UserID, req.AccountNumber = p.PayeeUserID, p.PayeeAccount
		}
		if debit {
			res, err = o.accounts.Debit(ctx, req)
		} else {
			res, err = o.accounts.Credit(ctx, req)
		}
	}
	if err != nil {
		return err
	}
	if res.Status != "success" {
		return perr.Validation(step + " not confirmed: " + res.Message)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, plan Plan, p PaymentRequest, status Status, reason string, cause error) (PaymentRequest, error) {
	log := o.logger.With(zap.String("payment_id", p.ID.String()))
	meta := map[string]string{MetaType: plan.Type, MetaReason: reason, MetaError: cause.Error()}
	done, finished, err := o.store.Finish(ctx, p.ID, status, meta, o.now().UTC())
	if err != nil {
		return p, fmt.Errorf("record %s for %s: %w", status, p.ID, err)
	}
	if !finished {
		log.Warn("failure not recorded, request already terminal", zap.String("status", string(done.Status)))
		return done, nil
	}
	m.SagaOutcomes.WithLabelValues(string(done.Kind), string(done.Status)).Inc()
	log.Warn("saga failed",
		zap.String("status", string(status)), zap.String("reason", reason),
		zap.String("code", perr.CodeOf(cause)), zap.Error(cause))
	if status == StatusNeedsRefund {
		o.alertRefund(ctx, done, reason)
	}
	return done, nil
}

// alertRefund feeds the manual reconciliation queue. The status is already
// recorded and listed by the reconciliation endpoint, so a publish failure
// is only logged.
func (o *Orchestrator) alertRefund(ctx context.Context, p PaymentRequest, reason string) {
	if o.pub == nil {
		return
	}
	err := o.pub.Publish(ctx, events.PaymentRefundRequired, events.RefundRequired{
		PaymentID:    p.ID.String(),
		PayerAccount: p.PayerAccount,
		PayeeAccount: p.PayeeAccount,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Reason:       reason,
	})
	if err != nil {
		o.logger.Error("refund alert not published", zap.String("payment_id", p.ID.String()), zap.Error(err))
	}
}

// publishCompletion emits the plan's completion event and records
// published_at. A publish failure is returned so the task is retried; the
// retry takes the republish-only path.
func (o *Orchestrator) publishCompletion(ctx context.Context, plan Plan, p PaymentRequest) error {
	if o.pub == nil {
		return nil
	}
	if err := o.pub.Publish(ctx, plan.EventKey, plan.Event(p)); err != nil {
		return err
	}
	if err := o.store.MarkPublished(ctx, p.ID, o.now().UTC()); err != nil {
		o.logger.Warn("published but not marked", zap.String("payment_id", p.ID.String()), zap.Error(err))
	}
	o.logger.Info("completion published",
		zap.String("payment_id", p.ID.String()), zap.String("routing_key", plan.EventKey))
	return nil
}

// Republish re-emits the completion event of a COMPLETED request.
func (o *Orchestrator) Republish(ctx context.Context, p PaymentRequest) error {
	plan, ok := PlanFor(p.Kind)
	if !ok {
		return perr.Validation("unknown payment kind " + string(p.Kind))
	}
	if p.Status != StatusCompleted {
		return perr.New(perr.CodeConflict, "payment "+p.ID.String()+" is "+string(p.Status))
	}
	return o.publishCompletion(ctx, plan, p)
}
