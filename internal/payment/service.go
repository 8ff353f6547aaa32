package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/tasks"
	perr "github.com/example/payflow/pkg/errors"
)

// BankPoolUser owns the bank pool account on loan transfers.
const BankPoolUser = "bank_pool"

var (
	requestNamespace = uuid.MustParse("6f1c3a52-6d0b-4bd8-9a3e-2b8f0f6c1e11")
	loanNamespace    = uuid.MustParse("b0a5d0f2-1c7e-4e57-8b6a-0f3c9e2d4a77")
)

type ServiceConfig struct {
	BankPoolAccount string
	DefaultCurrency string
}

// Service is the payment application layer: it persists requests and hands
// them to the saga through the task queue.
type Service struct {
	store  Store
	saga   *Orchestrator
	queue  tasks.Queue
	cfg    ServiceConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewService(saga *Orchestrator, q tasks.Queue, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "NGN"
	}
	if cfg.BankPoolAccount == "" {
		cfg.BankPoolAccount = "BANKPOOL"
	}
	return &Service{
		store:  saga.Store(),
		saga:   saga,
		queue:  q,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "payment-service")),
		now:    time.Now,
	}
}

func (s *Service) Saga() *Orchestrator { return s.saga }

type InitiateRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           Kind            `json:"kind"`
	PayerUserID    string          `json:"payer_user_id"`
	PayerAccount   string          `json:"payer_account"`
	PayeeUserID    string          `json:"payee_user_id"`
	PayeeAccount   string          `json:"payee_account"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	Credentials
}

func (s *Service) validate(in InitiateRequest) error {
	switch {
	case !in.Kind.Customer():
		return perr.Validation(fmt.Sprintf("kind must be one of %s, %s, %s", KindInternal, KindCard, KindBankExternal))
	case in.PayerAccount == "" || in.PayeeAccount == "":
		return perr.Validation("payer_account and payee_account are required")
	case in.PayerAccount == in.PayeeAccount:
		return perr.Validation("payer and payee must differ")
	case !in.Amount.IsPositive():
		return perr.Validation("amount must be positive")
	case !in.Amount.Equal(in.Amount.Round(2)):
		return perr.Validation("amount has more than two decimal places")
	case in.PIN == "":
		return perr.Validation("pin is required")
	case in.Kind == KindCard && (in.CardNumber == "" || in.CVV == ""):
		return perr.Validation("card_number and cvv are required for card payments")
	}
	return nil
}

// Initiate validates and persists a PENDING request, then enqueues its saga.
// The same idempotency key from the same payer maps to the same request; a
// repeated call re-enqueues the saga, which is a no-op once it has started.
func (s *Service) Initiate(ctx context.Context, in InitiateRequest) (PaymentRequest, bool, error) {
	in.Kind = Kind(strings.ToUpper(string(in.Kind)))
	if err := s.validate(in); err != nil {
		return PaymentRequest{}, false, err
	}

	id := uuid.New()
	if in.IdempotencyKey != "" {
		id = uuid.NewSHA1(requestNamespace, []byte(in.PayerUserID+":"+in.IdempotencyKey))
	}
	if in.PayeeUserID == "" {
		if a, err := s.store.AccountByNumber(ctx, in.PayeeAccount); err == nil {
			in.PayeeUserID = a.UserID
		}
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	meta := map[string]string{}
	if in.Description != "" {
		meta[MetaDescription] = in.Description
	}
	p, created, err := s.store.Create(ctx, PaymentRequest{
		ID:           id,
		PayerUserID:  in.PayerUserID,
		PayerAccount: in.PayerAccount,
		PayeeUserID:  in.PayeeUserID,
		PayeeAccount: in.PayeeAccount,
		Amount:       in.Amount,
		Currency:     s.currency(in.Currency),
		Kind:         in.Kind,
		Status:       StatusPending,
		Step:         StepCreated,
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return PaymentRequest{}, false, err
	}
	if !created {
		if !p.Amount.Equal(in.Amount) || p.PayerAccount != in.PayerAccount || p.PayeeAccount != in.PayeeAccount {
			return p, false, perr.New(perr.CodeConflict, "idempotency key reused with a different payment")
		}
		s.logger.Info("idempotent-skip", zap.String("payment_id", p.ID.String()))
	}
	if p.Status == StatusPending && p.Step == StepCreated {
		if err := s.enqueue(ctx, p, in.Credentials); err != nil {
			return p, created, err
		}
	}
	return p, created, nil
}

func (s *Service) enqueue(ctx context.Context, p PaymentRequest, c Credentials) error {
	payload := map[string]any{"payment_id": p.ID.String()}
	for k, v := range map[string]string{
		"pin": c.PIN, "card_number": c.CardNumber, "cvv": c.CVV, "account_type": c.AccountType,
	} {
		if v != "" {
			payload[k] = v
		}
	}
	if err := s.queue.Enqueue(ctx, tasks.New(TaskTransfer, p.ID.String(), payload)); err != nil {
		return fmt.Errorf("enqueue saga %s: %w", p.ID, err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (PaymentRequest, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return p, perr.Wrap(perr.CodeNotFound, "payment "+id.String()+" not found", err)
	}
	return p, err
}

func (s *Service) History(ctx context.Context, account string, limit int) ([]PaymentRequest, error) {
	if account == "" {
		return nil, perr.Validation("account is required")
	}
	return s.store.History(ctx, account, limit)
}

// NeedsRefund lists the manual reconciliation queue.
func (s *Service) NeedsRefund(ctx context.Context, limit int) ([]PaymentRequest, error) {
	return s.store.ListByStatus(ctx, StatusNeedsRefund, limit)
}

// RegisterAccount records a shadow account; existing numbers are skipped.
func (s *Service) RegisterAccount(ctx context.Context, a PaymentAccount) (bool, error) {
	if a.AccountNumber == "" || a.UserID == "" {
		return false, perr.Validation("account_number and user_id are required")
	}
	a.Currency = s.currency(a.Currency)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	return s.store.UpsertAccount(ctx, a)
}

// LoanApproved is account_service.loan.updated.
type LoanApproved struct {
	LoanID        events.ID       `json:"loan_id"`
	UserID        events.ID       `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	PayeeAccount  events.ID       `json:"payee_account_id"`
	AccountNumber events.ID       `json:"account_number"`
	Currency      string          `json:"currency"`
}

// LoanRepaid is account_service.loan.repayment.
type LoanRepaid struct {
	LoanID        events.ID       `json:"loan_id"`
	RepaymentID   events.ID       `json:"repayment_id"`
	Reference     string          `json:"reference"`
	UserID        events.ID       `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	AmountToRepay decimal.Decimal `json:"amount_to_repay"`
	Status        string          `json:"status"`
	PayerAccount  events.ID       `json:"payer_account_id"`
	AccountNumber events.ID       `json:"account_number"`
	Currency      string          `json:"currency"`
}

// ErrLoanNotApproved marks loan events that move no money.
var ErrLoanNotApproved = errors.New("loan is not approved")

// DisburseLoan moves an approved loan from the bank pool to the borrower.
// The request id derives from the loan id, so redelivery reuses it.
func (s *Service) DisburseLoan(ctx context.Context, in LoanApproved) (PaymentRequest, error) {
	if !strings.EqualFold(in.Status, "approved") {
		return PaymentRequest{}, ErrLoanNotApproved
	}
	borrower := firstNonEmpty(in.PayeeAccount.String(), in.AccountNumber.String())
	if in.LoanID == "" || borrower == "" {
		return PaymentRequest{}, perr.Validation("loan event without loan_id or borrower account")
	}
	id := uuid.NewSHA1(loanNamespace, []byte("disbursement:"+in.LoanID.String()))
	return s.runLoan(ctx, PaymentRequest{
		ID:           id,
		PayerUserID:  BankPoolUser,
		PayerAccount: s.cfg.BankPoolAccount,
		PayeeUserID:  in.UserID.String(),
		PayeeAccount: borrower,
		Amount:       in.Amount,
		Currency:     s.currency(in.Currency),
		Kind:         KindLoanDisbursement,
		Metadata:     map[string]string{MetaLoanID: in.LoanID.String()},
	})
}

// RepayLoan moves a repayment from the borrower to the bank pool. The
// request id derives from the repayment id or reference; without either,
// from the loan id and amount.
func (s *Service) RepayLoan(ctx context.Context, in LoanRepaid) (PaymentRequest, error) {
	if in.Status != "" && !strings.EqualFold(in.Status, "approved") {
		return PaymentRequest{}, ErrLoanNotApproved
	}
	amount := in.AmountToRepay
	if amount.IsZero() {
		amount = in.Amount
	}
	borrower := firstNonEmpty(in.PayerAccount.String(), in.AccountNumber.String())
	if in.LoanID == "" || borrower == "" {
		return PaymentRequest{}, perr.Validation("repayment event without loan_id or borrower account")
	}
	key := firstNonEmpty(in.RepaymentID.String(), in.Reference)
	if key == "" {
		key = in.LoanID.String() + ":" + amount.String()
	}
	id := uuid.NewSHA1(loanNamespace, []byte("repayment:"+key))
	return s.runLoan(ctx, PaymentRequest{
		ID:           id,
		PayerUserID:  in.UserID.String(),
		PayerAccount: borrower,
		PayeeUserID:  BankPoolUser,
		PayeeAccount: s.cfg.BankPoolAccount,
		Amount:       amount,
		Currency:     s.currency(in.Currency),
		Kind:         KindLoanRepayment,
		Metadata:     map[string]string{MetaLoanID: in.LoanID.String()},
	})
}

// runLoan persists a loan request and runs its saga inline; the loan event
// task is already the unit of retry.
func (s *Service) runLoan(ctx context.Context, p PaymentRequest) (PaymentRequest, error) {
	if !p.Amount.IsPositive() {
		return PaymentRequest{}, perr.Validation("loan amount must be positive")
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	p.Status, p.Step, p.CreatedAt, p.UpdatedAt = StatusPending, StepCreated, now, now
	stored, created, err := s.store.Create(ctx, p)
	if err != nil {
		return PaymentRequest{}, err
	}
	if !created {
		s.logger.Info("idempotent-skip", zap.String("payment_id", stored.ID.String()), zap.String("kind", string(stored.Kind)))
	}
	return s.saga.Run(ctx, stored.ID, Credentials{})
}

func (s *Service) currency(c string) string {
	if c == "" {
		return s.cfg.DefaultCurrency
	}
	return strings.ToUpper(c)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
