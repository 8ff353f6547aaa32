// Package ledger is the double-entry system of record for every money
// movement. Transactions are posted once per reference and their entries are
// never updated.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

var (
	ErrAccountNotFound     = errors.New("ledger account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Account shadows an account owned by the account service. Balances are not
// kept here.
type Account struct {
	ID            uuid.UUID
	UserID        string
	AccountNumber string
	Currency      string
	CreatedAt     time.Time
}

type Transaction struct {
	ID          uuid.UUID
	Reference   string
	Description string
	Reconciled  bool
	CreatedAt   time.Time
	Entries     []Entry
}

type Entry struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	Type          EntryType
	Amount        decimal.Decimal
	Currency      string
	CreatedAt     time.Time
	Hash          string
}

// Hash fingerprints the entry's identifying fields. The JSON object is
// encoded from a map, so keys are sorted and the digest is stable.
func Hash(e Entry) string {
	payload := map[string]string{
		"transaction":    e.TransactionID.String(),
		"ledger_account": e.AccountID.String(),
		"entry_type":     string(e.Type),
		"amount":         e.Amount.String(),
		"created_at":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
