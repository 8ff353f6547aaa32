package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/dispatcher"
	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
	perr "github.com/example/payflow/pkg/errors"
)

// Task names run by the payment worker.
const (
	TaskTransfer        = "saga.payment.transfer"
	TaskAccountCreated  = "consume.payment.BankAccount.created"
	TaskLoanUpdated     = "consume.payment.loan.updated"
	TaskLoanRepayment   = "consume.payment.loan.repayment"
	TaskCustomerCreated = "consume.payment.customer.created"
	TaskStaffCreated    = "consume.payment.staff.created"
	TaskUserLoggedIn    = "consume.payment.user.logged_in"
)

// Routes is the payment service's static routing table.
var Routes = dispatcher.Routes{
	events.IdentityCustomerCreated: TaskCustomerCreated,
	events.IdentityStaffCreated:    TaskStaffCreated,
	events.IdentityUserLoggedIn:    TaskUserLoggedIn,
	events.BankAccountCreated:      TaskAccountCreated,
	events.SavingsAccountCreated:   TaskAccountCreated,
	events.CurrentAccountCreated:   TaskAccountCreated,
	events.AccountLoanUpdated:      TaskLoanUpdated,
	events.AccountLoanRepayment:    TaskLoanRepayment,
}

type Handlers struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandlers(svc *Service, logger *zap.Logger) *Handlers {
	return &Handlers{svc: svc, logger: logger.With(zap.String("component", "payment-consumer"))}
}

func (h *Handlers) Register(r *tasks.Runner) {
	r.Register(TaskTransfer, h.Transfer)
	r.Register(TaskAccountCreated, h.AccountCreated)
	r.Register(TaskLoanUpdated, h.LoanUpdated)
	r.Register(TaskLoanRepayment, h.LoanRepayment)
	r.Register(TaskCustomerCreated, h.logOnly("customer created"))
	r.Register(TaskStaffCreated, h.logOnly("staff created"))
	r.Register(TaskUserLoggedIn, h.logOnly("user logged in"))
}

func bind(t tasks.Task, v any) error {
	if err := events.Bind(t.Payload, v); err != nil {
		return retry.Permanent(err)
	}
	return nil
}

type transferTask struct {
	PaymentID string `json:"payment_id"`
	Credentials
}

// Transfer runs the saga for a request created by Service.Initiate.
func (h *Handlers) Transfer(ctx context.Context, t tasks.Task) error {
	var in transferTask
	if err := bind(t, &in); err != nil {
		return err
	}
	id, err := uuid.Parse(in.PaymentID)
	if err != nil {
		return retry.Permanent(perr.Validation("bad payment_id " + in.PaymentID))
	}
	_, err = h.svc.saga.Run(ctx, id, in.Credentials)
	return err
}

// AccountCreated keeps the shadow account table used to fill in user ids.
func (h *Handlers) AccountCreated(ctx context.Context, t tasks.Task) error {
	var in struct {
		AccountNumber events.ID `json:"account_number"`
		UserID        events.ID `json:"user_id"`
		Currency      string    `json:"currency"`
		AccountType   string    `json:"account_type"`
	}
	if err := bind(t, &in); err != nil {
		return err
	}
	created, err := h.svc.RegisterAccount(ctx, PaymentAccount{
		AccountNumber: in.AccountNumber.String(),
		UserID:        in.UserID.String(),
		Currency:      in.Currency,
		AccountType:   in.AccountType,
	})
	if err != nil {
		return permanentIfValidation(err)
	}
	if !created {
		h.logger.Info("idempotent-skip", zap.String("account_number", in.AccountNumber.String()))
		return nil
	}
	h.logger.Info("payment account created", zap.String("account_number", in.AccountNumber.String()))
	return nil
}

func (h *Handlers) LoanUpdated(ctx context.Context, t tasks.Task) error {
	var in LoanApproved
	if err := bind(t, &in); err != nil {
		return err
	}
	_, err := h.svc.DisburseLoan(ctx, in)
	return h.loanResult(in.LoanID.String(), in.Status, err)
}

func (h *Handlers) LoanRepayment(ctx context.Context, t tasks.Task) error {
	var in LoanRepaid
	if err := bind(t, &in); err != nil {
		return err
	}
	_, err := h.svc.RepayLoan(ctx, in)
	return h.loanResult(in.LoanID.String(), in.Status, err)
}

func (h *Handlers) loanResult(loanID, status string, err error) error {
	if errors.Is(err, ErrLoanNotApproved) {
		h.logger.Info("loan not approved, skipping", zap.String("loan_id", loanID), zap.String("status", status))
		return nil
	}
	return permanentIfValidation(err)
}

func (h *Handlers) logOnly(what string) tasks.HandlerFunc {
	return func(_ context.Context, t tasks.Task) error {
		h.logger.Info(what, zap.String("task", t.Name), zap.Any("payload", t.Payload))
		return nil
	}
}

func permanentIfValidation(err error) error {
	if perr.Is(err, perr.CodeValidation) {
		return retry.Permanent(err)
	}
	return err
}
