package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys. The first segment names the producing service and selects the
// exchange.
const (
	PaymentCompleted      = "payment.payment.completed"
	PaymentRefundRequired = "payment.payment.refund_required"
	CardCharge            = "payment.card.charge"
	LoanUpdated           = "payment.loan.updated"
	LoanRepayment         = "payment.loan.repayment"

	LedgerTransactionCreated = "ledger.transaction.created"
	LedgerAccountCreated     = "ledger.account.created"

	AccountLoanUpdated      = "account_service.loan.updated"
	AccountLoanRepayment    = "account_service.loan.repayment"
	BankAccountCreated      = "account_service.BankAccount.created"
	SavingsAccountCreated   = "account_service.SavingsAccount.created"
	CurrentAccountCreated   = "account_service.currentAccount.created"
	IdentityCustomerCreated = "Identity_service.customer.created"
	IdentityStaffCreated    = "Identity_service.staff.created"
	IdentityUserLoggedIn    = "Identity_service.user.logged_in"
)

// Completed is published by the payment service when a transfer saga
// finishes. The ledger posts it under Reference.
type Completed struct {
	PaymentID    string          `json:"payment_id"`
	Reference    string          `json:"reference"`
	Kind         string          `json:"kind"`
	PayerUserID  string          `json:"payer_user_id"`
	PayeeUserID  string          `json:"payee_user_id"`
	PayerAccount string          `json:"payer_account"`
	PayeeAccount string          `json:"payee_account"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description,omitempty"`
	InitiatedAt  float64         `json:"initiated_at_ts"`
}

// Loan covers both account_service.loan.updated and the payment service's
// payment.loan.updated / payment.loan.repayment notifications.
type Loan struct {
	LoanID        string          `json:"loan_id"`
	UserID        string          `json:"user_id"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Status        string          `json:"status,omitempty"`

	PaymentID   string  `json:"payment_id,omitempty"`
	Reference   string  `json:"reference,omitempty"`
	BankAccount string  `json:"bank_account,omitempty"`
	InitiatedAt float64 `json:"initiated_at_ts,omitempty"`
}

// AccountCreated is the account service's notification for a new bank,
// savings or current account.
type AccountCreated struct {
	AccountNumber string `json:"account_number"`
	UserID        string `json:"user_id"`
	Currency      string `json:"currency"`
	AccountType   string `json:"account_type,omitempty"`
}

type TransactionCreated struct {
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Description   string          `json:"description"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

type LedgerAccount struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

// RefundRequired feeds the manual reconciliation queue: the payer was debited
// but the payee credit did not happen.
type RefundRequired struct {
	PaymentID    string          `json:"payment_id"`
	PayerAccount string          `json:"payer_account"`
	PayeeAccount string          `json:"payee_account"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Reason       string          `json:"reason"`
}

// Timestamp converts an initiated_at_ts value back to a time.
func Timestamp(ts float64) time.Time {
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
}

// Stamp is the inverse of Timestamp.
func Stamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ID is an identifier that producers send either as a JSON string or as a
// number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
