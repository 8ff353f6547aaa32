package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
	perr "github.com/example/payflow/pkg/errors"
)

func payload(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

type fixture struct {
	store  *MemoryStore
	pub    *recordingPublisher
	h      *Handlers
	runner *tasks.Runner
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T) fixture {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	h := NewHandlers(NewEngine(store, pub, logger), pub, "BANKPOOL", "NGN", logger)
	runner := tasks.NewRunner(2, logger).WithPolicy(retry.Policy{Attempts: 2})
	h.Register(runner)
	return fixture{store: store, pub: pub, h: h, runner: runner, logs: logs}
}

func (f fixture) run(t *testing.T, name string, v any) error {
	return f.runner.Process(context.Background(), tasks.New(name, "", payload(t, v)))
}

func (f fixture) accounts(t *testing.T) {
	for _, a := range []events.AccountCreated{
		{AccountNumber: "1000000001", UserID: "u-payer", Currency: "ngn"},
		{AccountNumber: "1000000002", UserID: "u-payee"},
	} {
		require.NoError(t, f.run(t, TaskAccountCreated, a))
	}
}

func TestAccountCreatedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.accounts(t)
	require.NoError(t, f.run(t, TaskAccountCreated, events.AccountCreated{AccountNumber: "1000000001", UserID: "u-payer"}))

	a, err := f.store.AccountByNumber(context.Background(), "1000000001")
	require.NoError(t, err)
	assert.Equal(t, "NGN", a.Currency)
	assert.Equal(t, 2, f.pub.count(events.LedgerAccountCreated))
	assert.Equal(t, 1, f.logs.FilterMessage("idempotent-skip").Len())
}

func TestPaymentCompletedPostsOnce(t *testing.T) {
	f := newFixture(t)
	f.accounts(t)

	evt := events.Completed{
		PaymentID: "p-1", Reference: "p-1", Kind: "INTERNAL",
		PayerUserID: "u-payer", PayeeUserID: "u-payee",
		PayerAccount: "1000000001", PayeeAccount: "1000000002",
		Amount: amt("200"), Currency: "NGN",
		InitiatedAt: events.Stamp(time.Now().Add(-time.Second)),
	}
	require.NoError(t, f.run(t, TaskPaymentCompleted, evt))
	require.NoError(t, f.run(t, TaskPaymentCompleted, evt))

	txn, err := f.store.TransactionByReference(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, txn.Entries, 2)
	payer, _ := f.store.AccountByNumber(context.Background(), "1000000001")
	assert.Equal(t, payer.ID, txn.Entries[0].AccountID)
	assert.Equal(t, Debit, txn.Entries[0].Type)

	assert.Equal(t, 1, f.pub.count(events.LedgerTransactionCreated))
	assert.Equal(t, 1, f.logs.FilterMessage("idempotent-skip").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("e2e latency").Len())
}

func TestPaymentCompletedResolvesByUserWhenAccountMissing(t *testing.T) {
	f := newFixture(t)
	f.accounts(t)

	require.NoError(t, f.run(t, TaskCardCharge, events.Completed{
		PaymentID: "card-1", PayerUserID: "u-payer", PayeeUserID: "u-payee", Amount: amt("10"),
	}))
	_, err := f.store.TransactionByReference(context.Background(), "card-1")
	assert.NoError(t, err)
}

func TestPaymentCompletedRetriesUnknownAccount(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, TaskPaymentCompleted, events.Completed{
		PaymentID: "p-2", PayerAccount: "nope", PayerUserID: "ghost", PayeeAccount: "x", Amount: amt("1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.False(t, retry.IsPermanent(err))
}

func TestPaymentCompletedRejectsForeignCurrency(t *testing.T) {
	f := newFixture(t)
	f.accounts(t)

	err := f.run(t, TaskPaymentCompleted, events.Completed{
		PaymentID: "p-usd", PayerAccount: "1000000001", PayeeAccount: "1000000002",
		Amount: amt("200"), Currency: "USD",
	})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.True(t, perr.Is(err, perr.CodeValidation))

	_, err = f.store.TransactionByReference(context.Background(), "p-usd")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, 0, f.pub.count(events.LedgerTransactionCreated))
	assert.Equal(t, 1, f.logs.FilterMessage("event currency does not match ledger account").Len())

	require.NoError(t, f.run(t, TaskPaymentCompleted, events.Completed{
		PaymentID: "p-ngn", PayerAccount: "1000000001", PayeeAccount: "1000000002",
		Amount: amt("200"), Currency: "ngn",
	}))
}

func TestLoanRepaymentRejectsForeignCurrency(t *testing.T) {
	f := newFixture(t)
	f.accounts(t)

	err := f.run(t, TaskLoanRepayment, events.Loan{
		LoanID: "L-8", Reference: "pay-r-usd", AccountNumber: "1000000002", Amount: amt("10"), Currency: "USD",
	})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	_, err = f.store.TransactionByReference(context.Background(), "pay-r-usd")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestLoanDisbursementAndRepayment(t *testing.T) {
	f := newFixture(t)
	f.accounts(t)

	loan := events.Loan{LoanID: "L-7", UserID: "u-payee", AccountNumber: "1000000002", Amount: amt("5000"), Currency: "NGN"}
	require.NoError(t, f.run(t, TaskLoanUpdated, loan))
	require.NoError(t, f.run(t, TaskLoanUpdated, loan))

	disb, err := f.store.TransactionByReference(context.Background(), "loan_disbursement_L-7")
	require.NoError(t, err)
	pool, err := f.store.AccountByNumber(context.Background(), "BANKPOOL")
	require.NoError(t, err)
	assert.Equal(t, BankPoolUser, pool.UserID)
	assert.Equal(t, pool.ID, disb.Entries[0].AccountID)

	repay := events.Loan{LoanID: "L-7", Reference: "pay-r-1", UserID: "u-payee", AccountNumber: "1000000002", Amount: amt("1000")}
	require.NoError(t, f.run(t, TaskLoanRepayment, repay))
	rep, err := f.store.TransactionByReference(context.Background(), "pay-r-1")
	require.NoError(t, err)
	assert.Equal(t, pool.ID, rep.Entries[1].AccountID)
	assert.Equal(t, Credit, rep.Entries[1].Type)

	issues, err := f.h.engine.Audit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestMalformedPayloadIsNotRetried(t *testing.T) {
	f := newFixture(t)
	err := f.runner.Process(context.Background(), tasks.New(TaskPaymentCompleted, "", map[string]any{"amount": "not-a-number"}))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}
