package payment

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

const requestCols = `id, payer_user_id, payer_account, payee_user_id, payee_account, amount::text,
	currency, kind, status, step, metadata, created_at, updated_at, processed_at, published_at`

func scanRequest(row pgx.Row) (PaymentRequest, error) {
	var (
		p              PaymentRequest
		amount         string
		kind, st, step string
	)
	err := row.Scan(&p.ID, &p.PayerUserID, &p.PayerAccount, &p.PayeeUserID, &p.PayeeAccount, &amount,
		&p.Currency, &kind, &st, &step, &p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.ProcessedAt, &p.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentRequest{}, ErrNotFound
	}
	if err != nil {
		return PaymentRequest{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("payment %s amount %q: %w", p.ID, amount, err)
	}
	p.Amount = d
	p.Kind, p.Status, p.Step = Kind(kind), Status(st), Step(step)
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	return p, nil
}

func collect(rows pgx.Rows) ([]PaymentRequest, error) {
	defer rows.Close()
	var out []PaymentRequest
	for rows.Next() {
		p, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) Create(ctx context.Context, p PaymentRequest) (PaymentRequest, bool, error) {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO payment_requests
		   (id, payer_user_id, payer_account, payee_user_id, payee_account, amount, currency, kind,
		    status, step, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.PayerUserID, p.PayerAccount, p.PayeeUserID, p.PayeeAccount, p.Amount.String(),
		p.Currency, string(p.Kind), string(p.Status), string(p.Step), p.Metadata, p.CreatedAt)
	if err != nil {
		return PaymentRequest{}, false, fmt.Errorf("insert payment request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, p.ID)
		return existing, false, err
	}
	stored, err := s.Get(ctx, p.ID)
	return stored, true, err
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (PaymentRequest, error) {
	return scanRequest(s.db.QueryRow(ctx, "SELECT "+requestCols+" FROM payment_requests WHERE id = $1", id))
}

func (s *PGStore) Claim(ctx context.Context, id uuid.UUID) (PaymentRequest, bool, error) {
	p, err := scanRequest(s.db.QueryRow(ctx,
		`UPDATE payment_requests SET step = 'CLAIMED', updated_at = now()
		 WHERE id = $1 AND status = 'PENDING' AND step = 'CREATED'
		 RETURNING `+requestCols, id))
	if errors.Is(err, ErrNotFound) {
		current, err := s.Get(ctx, id)
		return current, false, err
	}
	if err != nil {
		return PaymentRequest{}, false, err
	}
	return p, true, nil
}

func (s *PGStore) Advance(ctx context.Context, id uuid.UUID, from, to Step) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_requests SET step = $3, updated_at = now()
		 WHERE id = $1 AND status = 'PENDING' AND step = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("advance %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStepConflict
	}
	return nil
}

// Finish locks the row so that the saga and the reaper cannot both finalize
// the same request.
func (s *PGStore) Finish(ctx context.Context, id uuid.UUID, status Status, meta map[string]string, at time.Time) (PaymentRequest, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return PaymentRequest{}, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRequest(tx.QueryRow(ctx,
		"SELECT "+requestCols+" FROM payment_requests WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return PaymentRequest{}, false, err
	}
	if current.Status.Terminal() {
		return current, false, nil
	}
	if meta == nil {
		meta = map[string]string{}
	}
	updated, err := scanRequest(tx.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = $2, metadata = metadata || $3::jsonb, processed_at = $4, updated_at = $4
		 WHERE id = $1
		 RETURNING `+requestCols,
		id, string(status), meta, at))
	if err != nil {
		return PaymentRequest{}, false, fmt.Errorf("finish %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentRequest{}, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return updated, true, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		"UPDATE payment_requests SET published_at = $2 WHERE id = $1 AND published_at IS NULL", id, at)
	return err
}

func (s *PGStore) Annotate(ctx context.Context, id uuid.UUID, meta map[string]string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE payment_requests SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1", id, meta)
	if err != nil {
		return fmt.Errorf("annotate %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]PaymentRequest, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+requestCols+` FROM payment_requests
		 WHERE status = 'PENDING' AND updated_at < $1 ORDER BY updated_at LIMIT $2`, cutoff, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PGStore) ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]PaymentRequest, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+requestCols+` FROM payment_requests
		 WHERE status = 'COMPLETED' AND published_at IS NULL AND processed_at < $1
		 ORDER BY processed_at LIMIT $2`, cutoff, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]PaymentRequest, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+requestCols+` FROM payment_requests
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PGStore) History(ctx context.Context, account string, limit int) ([]PaymentRequest, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+requestCols+` FROM payment_requests
		 WHERE payer_account = $1 OR payee_account = $1 ORDER BY created_at DESC LIMIT $2`,
		account, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PGStore) UpsertAccount(ctx context.Context, a PaymentAccount) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO payment_accounts (account_number, user_id, currency, account_type, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (account_number) DO NOTHING`,
		a.AccountNumber, a.UserID, a.Currency, a.AccountType, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AccountByNumber(ctx context.Context, number string) (PaymentAccount, error) {
	var a PaymentAccount
	err := s.db.QueryRow(ctx,
		`SELECT account_number, user_id, currency, account_type, created_at
		 FROM payment_accounts WHERE account_number = $1`, number).
		Scan(&a.AccountNumber, &a.UserID, &a.Currency, &a.AccountType, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentAccount{}, ErrAccountNotFound
	}
	return a, err
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
