// Package payment owns PaymentRequest records and the saga that moves funds
// between accounts held by the account service.
package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending     Status = "PENDING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusNeedsRefund Status = "FAILED_NEEDS_REFUND"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool { return s != StatusPending }

type Kind string

const (
	KindInternal         Kind = "INTERNAL"
	KindCard             Kind = "CARD"
	KindBankExternal     Kind = "BANK_EXTERNAL"
	KindLoanDisbursement Kind = "LOAN_DISBURSEMENT"
	KindLoanRepayment    Kind = "LOAN_REPAYMENT"
)

// Customer kinds can be initiated over the API; loan kinds only come from
// account service events.
func (k Kind) Customer() bool {
	return k == KindInternal || k == KindCard || k == KindBankExternal
}

// Step is the persisted saga progress marker of a PENDING request.
// StepAuthorized is written before the debit is sent and StepDebited before
// the credit, so a crash leaves a marker that tells whether money may have
// moved.
type Step string

const (
	StepCreated    Step = "CREATED"
	StepClaimed    Step = "CLAIMED"
	StepAuthorized Step = "AUTHORIZED"
	StepDebited    Step = "DEBITED"
)

// FundsMayHaveMoved reports whether a debit may have been issued.
func (s Step) FundsMayHaveMoved() bool { return s == StepAuthorized || s == StepDebited }

type PaymentRequest struct {
	ID           uuid.UUID         `json:"id"`
	PayerUserID  string            `json:"payer_user_id"`
	PayerAccount string            `json:"payer_account"`
	PayeeUserID  string            `json:"payee_user_id"`
	PayeeAccount string            `json:"payee_account"`
	Amount       decimal.Decimal   `json:"amount"`
	Currency     string            `json:"currency"`
	Kind         Kind              `json:"kind"`
	Status       Status            `json:"status"`
	Step         Step              `json:"step"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
}

// Reference correlates the request with its ledger transaction.
func (p PaymentRequest) Reference() string { return p.ID.String() }

// PaymentAccount is the payment service's shadow of an account service
// account, used to fill in user ids on outbound events.
type PaymentAccount struct {
	AccountNumber string    `json:"account_number"`
	UserID        string    `json:"user_id"`
	Currency      string    `json:"currency"`
	AccountType   string    `json:"account_type,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

var (
	ErrNotFound        = errors.New("payment request not found")
	ErrAccountNotFound = errors.New("payment account not found")
	// ErrStepConflict means the request left the expected state, usually
	// because the reaper finalized it.
	ErrStepConflict = errors.New("payment request is not at the expected step")
)

// Metadata keys.
const (
	MetaType        = "TYPE"
	MetaReason      = "reason"
	MetaDescription = "description"
	MetaLoanID      = "loan_id"
	MetaError       = "error"
	// MetaCreditApplied marks a request finalized by someone else after the
	// saga had already moved the funds.
	MetaCreditApplied = "credit_applied"
)

// Failure reasons stored under MetaReason.
const (
	ReasonAuthorization = "authorization_failed"
	ReasonDebit         = "debit_failed"
	ReasonCredit        = "credit_failed"
	ReasonExpired       = "expired"
	ReasonExpiredDebit  = "expired_after_debit_attempt"
)

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
