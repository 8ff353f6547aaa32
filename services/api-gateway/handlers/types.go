// services/api-gateway/handlers/types.go
package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/payflow/internal/payment"
)

type PaymentIn struct {
	Kind         string          `json:"kind"` // INTERNAL / CARD / BANK_EXTERNAL
	PayerUserID  string          `json:"payer_user_id"`
	PayerAccount string          `json:"payer_account"`
	PayeeUserID  string          `json:"payee_user_id"`
	PayeeAccount string          `json:"payee_account"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	// The Idempotency-Key header wins over this field.
	IdempotencyKey string `json:"idempotency_key"`

	PIN         string `json:"pin"`
	CardNumber  string `json:"card_number"`
	CVV         string `json:"cvv"`
	AccountType string `json:"account_type"`
}

type PaymentOut struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Step         string            `json:"step,omitempty"`
	Kind         string            `json:"kind"`
	PayerAccount string            `json:"payer_account"`
	PayeeAccount string            `json:"payee_account"`
	Amount       string            `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
	Ref          string            `json:"ref"`
	Ledger       map[string]any    `json:"ledger,omitempty"`
}

type ErrorOut struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func toOut(p payment.PaymentRequest) PaymentOut {
	out := PaymentOut{
		ID:           p.ID.String(),
		Status:       string(p.Status),
		Kind:         string(p.Kind),
		PayerAccount: p.PayerAccount,
		PayeeAccount: p.PayeeAccount,
		Amount:       p.Amount.StringFixed(2),
		Currency:     p.Currency,
		Metadata:     p.Metadata,
		CreatedAt:    p.CreatedAt,
		ProcessedAt:  p.ProcessedAt,
		Ref:          p.Reference(),
	}
	if p.Status == payment.StatusPending {
		out.Step = string(p.Step)
	}
	return out
}
