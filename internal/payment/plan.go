package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/example/payflow/internal/accountclient"
	"github.com/example/payflow/internal/events"
)

// Accounts is the part of the account service the saga calls.
type Accounts interface {
	VerifyPin(ctx context.Context, r accountclient.PinRequest) error
	VerifyCard(ctx context.Context, r accountclient.CardRequest) error
	Debit(ctx context.Context, r accountclient.FundsRequest) (accountclient.Result, error)
	Credit(ctx context.Context, r accountclient.FundsRequest) (accountclient.Result, error)
	DebitBankPool(ctx context.Context, amount decimal.Decimal, key string) (accountclient.Result, error)
	CreditBankPool(ctx context.Context, amount decimal.Decimal, key string) (accountclient.Result, error)
}

// Credentials travel with the saga task only and are never written to the
// payment database. The task topic keeps them until its retention expires.
type Credentials struct {
	PIN         string `json:"pin,omitempty"`
	CardNumber  string `json:"card_number,omitempty"`
	CVV         string `json:"cvv,omitempty"`
	AccountType string `json:"account_type,omitempty"`
}

type side int

const (
	payer side = iota
	payee
	pool
)

// Plan is the per-kind shape of a transfer saga.
type Plan struct {
	Kind Kind
	// Authorize is nil for transfers that need no customer credentials.
	Authorize func(ctx context.Context, a Accounts, p PaymentRequest, c Credentials) error
	Debit     side
	Credit    side
	EventKey  string
	Type      string
	Event     func(p PaymentRequest) any
}

func verifyPin(ctx context.Context, a Accounts, p PaymentRequest, c Credentials) error {
	return a.VerifyPin(ctx, accountclient.PinRequest{
		UserID:        p.PayerUserID,
		AccountNumber: p.PayerAccount,
		AccountType:   c.AccountType,
		PIN:           c.PIN,
	})
}

func verifyCard(ctx context.Context, a Accounts, p PaymentRequest, c Credentials) error {
	return a.VerifyCard(ctx, accountclient.CardRequest{
		UserID:     p.PayerUserID,
		CardNumber: c.CardNumber,
		CVV:        c.CVV,
		PIN:        c.PIN,
	})
}

func completedEvent(p PaymentRequest) any {
	return events.Completed{
		PaymentID:    p.ID.String(),
		Reference:    p.Reference(),
		Kind:         string(p.Kind),
		PayerUserID:  p.PayerUserID,
		PayeeUserID:  p.PayeeUserID,
		PayerAccount: p.PayerAccount,
		PayeeAccount: p.PayeeAccount,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Description:  p.Metadata[MetaDescription],
		InitiatedAt:  events.Stamp(p.CreatedAt),
	}
}

func loanEvent(p PaymentRequest) any {
	e := events.Loan{
		LoanID:      p.Metadata[MetaLoanID],
		Amount:      p.Amount,
		Currency:    p.Currency,
		Status:      "approved",
		PaymentID:   p.ID.String(),
		Reference:   p.Reference(),
		InitiatedAt: events.Stamp(p.CreatedAt),
	}
	if p.Kind == KindLoanDisbursement {
		e.UserID, e.AccountNumber, e.BankAccount = p.PayeeUserID, p.PayeeAccount, p.PayerAccount
	} else {
		e.UserID, e.AccountNumber, e.BankAccount = p.PayerUserID, p.PayerAccount, p.PayeeAccount
	}
	return e
}

var plans = map[Kind]Plan{
	KindInternal: {
		Kind: KindInternal, Authorize: verifyPin, Debit: payer, Credit: payee,
		EventKey: events.PaymentCompleted, Type: "USER INTERNAL TRANSFER", Event: completedEvent,
	},
	KindBankExternal: {
		Kind: KindBankExternal, Authorize: verifyPin, Debit: payer, Credit: payee,
		EventKey: events.PaymentCompleted, Type: "USER EXTERNAL TRANSFER", Event: completedEvent,
	},
	KindCard: {
		Kind: KindCard, Authorize: verifyCard, Debit: payer, Credit: payee,
		EventKey: events.CardCharge, Type: "USER CARD PAYMENT", Event: completedEvent,
	},
	KindLoanDisbursement: {
		Kind: KindLoanDisbursement, Debit: pool, Credit: payee,
		EventKey: events.LoanUpdated, Type: "LOAN DISBURSEMENT", Event: loanEvent,
	},
	KindLoanRepayment: {
		Kind: KindLoanRepayment, Debit: payer, Credit: pool,
		EventKey: events.LoanRepayment, Type: "LOAN REPAYMENT", Event: loanEvent,
	},
}

func PlanFor(k Kind) (Plan, bool) {
	p, ok := plans[k]
	return p, ok
}
