package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/events"
	perr "github.com/example/payflow/pkg/errors"
	m "github.com/example/payflow/pkg/metrics"
)

type PostRequest struct {
	Reference   string
	Description string
	Debit       Account
	Credit      Account
	Amount      decimal.Decimal
}

type Engine struct {
	store  Store
	pub    events.Publisher
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*Engine)

func WithTracer(t trace.Tracer) Option      { return func(e *Engine) { e.tracer = t } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, pub events.Publisher, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		pub:    pub,
		logger: logger,
		tracer: otel.Tracer("payflow/ledger"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Store() Store { return e.store }

// Post records a balanced debit/credit pair under req.Reference. When the
// reference already exists the stored transaction is returned and created is
// false; nothing is written.
func (e *Engine) Post(ctx context.Context, req PostRequest) (txn Transaction, created bool, err error) {
	ctx, span := e.tracer.Start(ctx, "ledger.Post", trace.WithAttributes(
		attribute.String("ledger.reference", req.Reference),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("ledger.created", created))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.LedgerPostings.WithLabelValues("error").Inc()
		}
		span.End()
	}()

	if err := validate(req); err != nil {
		return Transaction{}, false, err
	}

	existing, err := e.store.TransactionByReference(ctx, req.Reference)
	switch {
	case err == nil:
		e.skip(existing)
		return existing, false, nil
	case !errors.Is(err, ErrTransactionNotFound):
		return Transaction{}, false, fmt.Errorf("lookup %s: %w", req.Reference, err)
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	txn = Transaction{
		ID:          uuid.New(),
		Reference:   req.Reference,
		Description: req.Description,
		CreatedAt:   now,
	}
	txn.Entries = []Entry{
		newEntry(txn.ID, req.Debit, Debit, req.Amount, now),
		newEntry(txn.ID, req.Credit, Credit, req.Amount, now),
	}

	stored, created, err := e.store.CreateTransaction(ctx, txn)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("post %s: %w", req.Reference, err)
	}
	if !created {
		e.skip(stored)
		return stored, false, nil
	}

	m.LedgerPostings.WithLabelValues("created").Inc()
	e.logger.Info("transaction posted",
		zap.String("reference", stored.Reference),
		zap.String("transaction_id", stored.ID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", req.Debit.Currency))

	e.announce(ctx, stored, req)
	return stored, true, nil
}

func (e *Engine) skip(txn Transaction) {
	m.LedgerPostings.WithLabelValues("idempotent_skip").Inc()
	e.logger.Info("idempotent-skip",
		zap.String("reference", txn.Reference), zap.String("transaction_id", txn.ID.String()))
}

// announce publishes ledger.transaction.created. The posting is already
// committed, so a publish failure is logged and not returned.
func (e *Engine) announce(ctx context.Context, txn Transaction, req PostRequest) {
	if e.pub == nil {
		return
	}
	err := e.pub.Publish(ctx, events.LedgerTransactionCreated, events.TransactionCreated{
		TransactionID: txn.ID.String(),
		Reference:     txn.Reference,
		Description:   txn.Description,
		DebitAccount:  req.Debit.AccountNumber,
		CreditAccount: req.Credit.AccountNumber,
		Amount:        req.Amount,
		Currency:      req.Debit.Currency,
		CreatedAt:     txn.CreatedAt,
	})
	if err != nil {
		e.logger.Error("transaction created but not announced",
			zap.String("reference", txn.Reference), zap.Error(err))
	}
}

func validate(req PostRequest) error {
	switch {
	case req.Reference == "":
		return perr.Validation("reference is required")
	case !req.Amount.IsPositive():
		return perr.Validation(fmt.Sprintf("amount must be positive, got %s", req.Amount))
	case !req.Amount.Equal(req.Amount.Round(2)):
		return perr.Validation(fmt.Sprintf("amount has more than two decimal places: %s", req.Amount))
	case req.Debit.ID == uuid.Nil || req.Credit.ID == uuid.Nil:
		return perr.Validation("debit and credit accounts are required")
	case req.Debit.ID == req.Credit.ID:
		return perr.Validation("debit and credit accounts must differ")
	case req.Debit.Currency != req.Credit.Currency:
		return perr.Validation(fmt.Sprintf("currency mismatch: %s vs %s", req.Debit.Currency, req.Credit.Currency))
	}
	return nil
}

func newEntry(txnID uuid.UUID, acct Account, typ EntryType, amount decimal.Decimal, at time.Time) Entry {
	e := Entry{
		ID:            uuid.New(),
		TransactionID: txnID,
		AccountID:     acct.ID,
		Type:          typ,
		Amount:        amount,
		Currency:      acct.Currency,
		CreatedAt:     at,
	}
	e.Hash = Hash(e)
	return e
}
