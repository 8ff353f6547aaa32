package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/dispatcher"
	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
	perr "github.com/example/payflow/pkg/errors"
	m "github.com/example/payflow/pkg/metrics"
)

// Task names consumed by the ledger worker.
const (
	TaskAccountCreated   = "consume.ledger.account.created"
	TaskPaymentCompleted = "consume.ledger.payment.completed"
	TaskCardCharge       = "consume.ledger.card.charge"
	TaskLoanUpdated      = "consume.ledger.loan.updated"
	TaskLoanRepayment    = "consume.ledger.loan.repayment"
	TaskCustomerCreated  = "consume.ledger.customer.created"
	TaskUserLoggedIn     = "consume.ledger.user.logged_in"
)

// Routes is the ledger service's static routing table.
var Routes = dispatcher.Routes{
	events.IdentityCustomerCreated: TaskCustomerCreated,
	events.IdentityUserLoggedIn:    TaskUserLoggedIn,
	events.BankAccountCreated:      TaskAccountCreated,
	events.SavingsAccountCreated:   TaskAccountCreated,
	events.CurrentAccountCreated:   TaskAccountCreated,
	events.PaymentCompleted:        TaskPaymentCompleted,
	events.CardCharge:              TaskCardCharge,
	events.LoanUpdated:             TaskLoanUpdated,
	events.LoanRepayment:           TaskLoanRepayment,
}

// BankPoolUser owns the bank pool ledger account.
const BankPoolUser = "bank_pool"

// Handlers turns inbound payment-service events into ledger postings.
type Handlers struct {
	engine          *Engine
	pub             events.Publisher
	logger          *zap.Logger
	bankPool        string
	defaultCurrency string
	now             func() time.Time
}

func NewHandlers(engine *Engine, pub events.Publisher, bankPool, defaultCurrency string, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine:          engine,
		pub:             pub,
		logger:          logger.With(zap.String("component", "ledger-consumer")),
		bankPool:        bankPool,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
	}
}

func (h *Handlers) Register(r *tasks.Runner) {
	r.Register(TaskAccountCreated, h.AccountCreated)
	r.Register(TaskPaymentCompleted, h.PaymentCompleted)
	r.Register(TaskCardCharge, h.PaymentCompleted)
	r.Register(TaskLoanUpdated, h.LoanDisbursed)
	r.Register(TaskLoanRepayment, h.LoanRepaid)
	r.Register(TaskCustomerCreated, h.logOnly("customer created"))
	r.Register(TaskUserLoggedIn, h.logOnly("user logged in"))
}

func bind(t tasks.Task, v any) error {
	if err := events.Bind(t.Payload, v); err != nil {
		return retry.Permanent(err)
	}
	return nil
}

// AccountCreated get-or-creates the shadow ledger account keyed by account
// number and announces new ones.
func (h *Handlers) AccountCreated(ctx context.Context, t tasks.Task) error {
	var in events.AccountCreated
	if err := bind(t, &in); err != nil {
		return err
	}
	if in.AccountNumber == "" || in.UserID == "" {
		return retry.Permanent(perr.Validation("account event without account_number or user_id"))
	}
	acct, created, err := h.engine.Store().GetOrCreateAccount(ctx, Account{
		ID:            uuid.New(),
		UserID:        in.UserID,
		AccountNumber: in.AccountNumber,
		Currency:      h.currency(in.Currency),
		CreatedAt:     h.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return err
	}
	if !created {
		h.logger.Info("idempotent-skip", zap.String("account_number", in.AccountNumber))
		return nil
	}
	h.logger.Info("ledger account created",
		zap.String("account_number", acct.AccountNumber), zap.String("user_id", acct.UserID))
	if h.pub != nil {
		if err := h.pub.Publish(ctx, events.LedgerAccountCreated, events.LedgerAccount{
			ID:            acct.ID.String(),
			UserID:        acct.UserID,
			AccountNumber: acct.AccountNumber,
			Currency:      acct.Currency,
			CreatedAt:     acct.CreatedAt,
		}); err != nil {
			h.logger.Error("ledger account created but not announced",
				zap.String("account_number", acct.AccountNumber), zap.Error(err))
		}
	}
	return nil
}

// PaymentCompleted posts payer DEBIT / payee CREDIT under the payment
// reference. It serves both payment.payment.completed and payment.card.charge.
func (h *Handlers) PaymentCompleted(ctx context.Context, t tasks.Task) error {
	var in events.Completed
	if err := bind(t, &in); err != nil {
		return err
	}
	if in.Reference == "" {
		in.Reference = in.PaymentID
	}
	payer, err := h.resolve(ctx, in.PayerAccount, in.PayerUserID)
	if err != nil {
		return fmt.Errorf("payer: %w", err)
	}
	payee, err := h.resolve(ctx, in.PayeeAccount, in.PayeeUserID)
	if err != nil {
		return fmt.Errorf("payee: %w", err)
	}
	if err := h.sameCurrency(in.Reference, in.Currency, payer); err != nil {
		return err
	}
	desc := in.Description
	if desc == "" {
		desc = fmt.Sprintf("%s payment %s", strings.ToLower(in.Kind), in.Reference)
	}
	_, created, err := h.engine.Post(ctx, PostRequest{
		Reference:   in.Reference,
		Description: desc,
		Debit:       payer,
		Credit:      payee,
		Amount:      in.Amount,
	})
	if err != nil {
		return permanentIfValidation(err)
	}
	if created {
		h.observeLatency(t.Name, in.Reference, in.InitiatedAt)
	}
	return nil
}

// LoanDisbursed posts bank pool DEBIT / borrower CREDIT.
func (h *Handlers) LoanDisbursed(ctx context.Context, t tasks.Task) error {
	var in events.Loan
	if err := bind(t, &in); err != nil {
		return err
	}
	if in.LoanID == "" {
		return retry.Permanent(perr.Validation("loan event without loan_id"))
	}
	pool, err := h.bankPoolAccount(ctx, in.Currency)
	if err != nil {
		return err
	}
	borrower, err := h.resolve(ctx, in.AccountNumber, in.UserID)
	if err != nil {
		return fmt.Errorf("borrower: %w", err)
	}
	_, created, err := h.engine.Post(ctx, PostRequest{
		Reference:   "loan_disbursement_" + in.LoanID,
		Description: "loan disbursement " + in.LoanID,
		Debit:       pool,
		Credit:      borrower,
		Amount:      in.Amount,
	})
	if err != nil {
		return permanentIfValidation(err)
	}
	if created {
		h.observeLatency(t.Name, in.LoanID, in.InitiatedAt)
	}
	return nil
}

// LoanRepaid posts borrower DEBIT / bank pool CREDIT.
func (h *Handlers) LoanRepaid(ctx context.Context, t tasks.Task) error {
	var in events.Loan
	if err := bind(t, &in); err != nil {
		return err
	}
	ref := in.Reference
	if ref == "" {
		ref = in.PaymentID
	}
	if ref == "" {
		return retry.Permanent(perr.Validation("loan repayment without reference"))
	}
	borrower, err := h.resolve(ctx, in.AccountNumber, in.UserID)
	if err != nil {
		return fmt.Errorf("borrower: %w", err)
	}
	if err := h.sameCurrency(ref, in.Currency, borrower); err != nil {
		return err
	}
	pool, err := h.bankPoolAccount(ctx, borrower.Currency)
	if err != nil {
		return err
	}
	_, created, err := h.engine.Post(ctx, PostRequest{
		Reference:   ref,
		Description: "loan repayment " + in.LoanID,
		Debit:       borrower,
		Credit:      pool,
		Amount:      in.Amount,
	})
	if err != nil {
		return permanentIfValidation(err)
	}
	if created {
		h.observeLatency(t.Name, ref, in.InitiatedAt)
	}
	return nil
}

// sameCurrency rejects an event whose currency differs from the account it
// debits. An empty event currency means the account's own.
func (h *Handlers) sameCurrency(ref, currency string, acct Account) error {
	if currency == "" || strings.EqualFold(currency, acct.Currency) {
		return nil
	}
	h.logger.Error("event currency does not match ledger account",
		zap.String("reference", ref),
		zap.String("event_currency", currency),
		zap.String("account_currency", acct.Currency),
		zap.String("account_number", acct.AccountNumber))
	return retry.Permanent(perr.Validation(fmt.Sprintf("currency mismatch: event %s, account %s %s",
		currency, acct.AccountNumber, acct.Currency)))
}

func (h *Handlers) logOnly(what string) tasks.HandlerFunc {
	return func(_ context.Context, t tasks.Task) error {
		h.logger.Info(what, zap.String("task", t.Name), zap.Any("payload", t.Payload))
		return nil
	}
}

// resolve prefers the account number and falls back to the user's account.
// A missing account is retryable: the account-created event may still be in
// flight.
func (h *Handlers) resolve(ctx context.Context, number, userID string) (Account, error) {
	store := h.engine.Store()
	if number != "" {
		a, err := store.AccountByNumber(ctx, number)
		if err == nil || !errors.Is(err, ErrAccountNotFound) || userID == "" {
			return a, err
		}
	}
	if userID == "" {
		return Account{}, retry.Permanent(perr.Validation("event names neither account number nor user"))
	}
	return store.AccountByUser(ctx, userID)
}

func (h *Handlers) bankPoolAccount(ctx context.Context, currency string) (Account, error) {
	a, _, err := h.engine.Store().GetOrCreateAccount(ctx, Account{
		ID:            uuid.New(),
		UserID:        BankPoolUser,
		AccountNumber: h.bankPool,
		Currency:      h.currency(currency),
		CreatedAt:     h.now().UTC().Truncate(time.Microsecond),
	})
	return a, err
}

func (h *Handlers) currency(c string) string {
	if c == "" {
		return h.defaultCurrency
	}
	return strings.ToUpper(c)
}

func (h *Handlers) observeLatency(task, ref string, initiatedAt float64) {
	if initiatedAt <= 0 {
		return
	}
	lat := h.now().Sub(events.Timestamp(initiatedAt))
	m.EndToEndLatency.WithLabelValues(task).Observe(lat.Seconds())
	h.logger.Info("e2e latency", zap.String("task", task), zap.String("reference", ref), zap.Duration("latency", lat))
}

func permanentIfValidation(err error) error {
	if perr.Is(err, perr.CodeValidation) {
		return retry.Permanent(err)
	}
	return err
}
