//go:build integration

package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/payflow/internal/postgres"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("payment"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPGStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	store := NewPGStore(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Microsecond)
	req := PaymentRequest{
		ID: uuid.New(), PayerUserID: "u1", PayerAccount: "1000000001",
		PayeeUserID: "u2", PayeeAccount: "1000000002",
		Amount: amt("200.50"), Currency: "NGN", Kind: KindInternal,
		Status: StatusPending, Step: StepCreated,
		Metadata:  map[string]string{MetaDescription: "rent"},
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	}
	p, created, err := store.Create(ctx, req)
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, p.Amount.Equal(amt("200.50")))

	_, created, err = store.Create(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Claim(ctx, req.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)

	require.NoError(t, store.Advance(ctx, req.ID, StepClaimed, StepAuthorized))
	assert.ErrorIs(t, store.Advance(ctx, req.ID, StepClaimed, StepAuthorized), ErrStepConflict)

	// Created an hour ago but advanced just now: not stale yet.
	stale, err := store.ListStale(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
	stale, err = store.ListStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, StepAuthorized, stale[0].Step)

	done, ok, err := store.Finish(ctx, req.ID, StatusCompleted, map[string]string{MetaType: "USER INTERNAL TRANSFER"}, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rent", done.Metadata[MetaDescription])
	assert.Equal(t, "USER INTERNAL TRANSFER", done.Metadata[MetaType])

	_, ok, err = store.Finish(ctx, req.ID, StatusFailed, nil, now)
	require.NoError(t, err)
	assert.False(t, ok)

	unpublished, err := store.ListUnpublished(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, unpublished, 1)
	require.NoError(t, store.MarkPublished(ctx, req.ID, now))
	unpublished, err = store.ListUnpublished(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, unpublished)

	hist, err := store.History(ctx, "1000000002", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = pool.Exec(ctx, "UPDATE payment_requests SET status = 'PENDING' WHERE id = $1", req.ID)
	assert.ErrorContains(t, err, "is already COMPLETED")

	require.NoError(t, store.Annotate(ctx, req.ID, map[string]string{MetaCreditApplied: "true"}))
	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "true", got.Metadata[MetaCreditApplied])
	assert.Equal(t, "rent", got.Metadata[MetaDescription])
	assert.ErrorIs(t, store.Annotate(ctx, uuid.New(), map[string]string{"k": "v"}), ErrNotFound)

	created, err = store.UpsertAccount(ctx, PaymentAccount{AccountNumber: "1000000002", UserID: "u2", Currency: "NGN", CreatedAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.UpsertAccount(ctx, PaymentAccount{AccountNumber: "1000000002", UserID: "u2", Currency: "NGN", CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	a, err := store.AccountByNumber(ctx, "1000000002")
	require.NoError(t, err)
	assert.Equal(t, "u2", a.UserID)
}
