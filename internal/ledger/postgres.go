package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/payflow/internal/postgres"
)

//go:embed schema.sql
var Schema string

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Migrate(ctx context.Context) error { return postgres.Migrate(ctx, s.db, Schema) }

const accountCols = "id, user_id, account_number, currency, created_at"

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.AccountNumber, &a.Currency, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (s *PGStore) GetOrCreateAccount(ctx context.Context, a Account) (Account, bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO ledger_accounts (`+accountCols+`) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_number) DO NOTHING`,
		a.ID, a.UserID, a.AccountNumber, a.Currency, a.CreatedAt)
	if err != nil {
		return Account{}, false, fmt.Errorf("insert ledger account: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}
	existing, err := s.AccountByNumber(ctx, a.AccountNumber)
	return existing, false, err
}

func (s *PGStore) AccountByNumber(ctx context.Context, number string) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		"SELECT "+accountCols+" FROM ledger_accounts WHERE account_number = $1", number))
}

func (s *PGStore) AccountByUser(ctx context.Context, userID string) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		"SELECT "+accountCols+" FROM ledger_accounts WHERE user_id = $1 ORDER BY created_at LIMIT 1", userID))
}

// CreateTransaction inserts the transaction row and its entries in one
// database transaction. The unique reference makes a concurrent duplicate
// fall through to the stored row.
func (s *PGStore) CreateTransaction(ctx context.Context, txn Transaction) (Transaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Transaction{}, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, reference, description, reconciled, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (reference) DO NOTHING`,
		txn.ID, txn.Reference, txn.Description, txn.Reconciled, txn.CreatedAt)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("transaction insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := s.TransactionByReference(ctx, txn.Reference)
		return existing, false, err
	}

	for _, e := range txn.Entries {
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account_id, entry_type, amount, currency, created_at, hash)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
			e.ID, e.TransactionID, e.AccountID, string(e.Type), e.Amount.String(), e.Currency, e.CreatedAt, e.Hash)
		if err != nil {
			return Transaction{}, false, fmt.Errorf("ledger entry failed: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return Transaction{}, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return txn, true, nil
}

func (s *PGStore) TransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	var t Transaction
	err := s.db.QueryRow(ctx,
		"SELECT id, reference, description, reconciled, created_at FROM ledger_transactions WHERE reference = $1",
		reference).Scan(&t.ID, &t.Reference, &t.Description, &t.Reconciled, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, transaction_id, account_id, entry_type, amount::text, currency, created_at, hash
		 FROM ledger_entries WHERE transaction_id = $1 ORDER BY entry_type DESC, id`, t.ID)
	if err != nil {
		return Transaction{}, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Transaction{}, err
		}
		t.Entries = append(t.Entries, e)
	}
	return t, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e      Entry
		typ    string
		amount string
	)
	if err := row.Scan(&e.ID, &e.TransactionID, &e.AccountID, &typ, &amount, &e.Currency, &e.CreatedAt, &e.Hash); err != nil {
		return Entry{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s amount %q: %w", e.ID, amount, err)
	}
	e.Type = EntryType(typ)
	e.Amount = d
	return e, nil
}

// Transactions streams every transaction with its entries in creation order.
func (s *PGStore) Transactions(ctx context.Context, fn func(Transaction) error) error {
	rows, err := s.db.Query(ctx,
		`SELECT t.id, t.reference, t.description, t.reconciled, t.created_at,
		        e.id, e.account_id, e.entry_type, e.amount::text, e.currency, e.created_at, e.hash
		 FROM ledger_transactions t
		 LEFT JOIN ledger_entries e ON e.transaction_id = t.id
		 ORDER BY t.created_at, t.id, e.entry_type DESC, e.id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var cur *Transaction
	for rows.Next() {
		var (
			t        Transaction
			entryID  *uuid.UUID
			account  *uuid.UUID
			typ      *string
			amount   *string
			currency *string
			at       *time.Time
			hash     *string
		)
		if err := rows.Scan(&t.ID, &t.Reference, &t.Description, &t.Reconciled, &t.CreatedAt,
			&entryID, &account, &typ, &amount, &currency, &at, &hash); err != nil {
			return err
		}
		if cur == nil || cur.ID != t.ID {
			if cur != nil {
				if err := fn(*cur); err != nil {
					return err
				}
			}
			cur = &t
		}
		if entryID == nil {
			continue
		}
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return fmt.Errorf("entry %s amount %q: %w", *entryID, *amount, err)
		}
		cur.Entries = append(cur.Entries, Entry{
			ID: *entryID, TransactionID: t.ID, AccountID: *account,
			Type: EntryType(*typ), Amount: d, Currency: *currency, CreatedAt: *at, Hash: *hash,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if cur != nil {
		return fn(*cur)
	}
	return nil
}
