package payment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/accountstub"
	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/dispatcher"
	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/ledger"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
)

func (f fixture) run(t *testing.T, name string, v any) error {
	return f.runner.Process(context.Background(), tasks.New(name, "", payload(t, v)))
}

func TestTransferTaskRunsSaga(t *testing.T) {
	f := newFixture(t)
	p := f.pending(t, KindInternal, "200")

	require.NoError(t, f.run(t, TaskTransfer, map[string]string{"payment_id": p.ID.String(), "pin": "1234"}))
	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestTransferTaskRejectsBadID(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, TaskTransfer, map[string]string{"payment_id": "nope"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 0, f.logs.FilterMessage("task retry").Len())
}

func TestAccountCreatedTask(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"account_number": json.Number("1000000009"), "user_id": 77, "currency": "ngn"}

	require.NoError(t, f.run(t, TaskAccountCreated, body))
	require.NoError(t, f.run(t, TaskAccountCreated, body))

	a, err := f.store.AccountByNumber(context.Background(), "1000000009")
	require.NoError(t, err)
	assert.Equal(t, "77", a.UserID)
	assert.Equal(t, "NGN", a.Currency)
	assert.Equal(t, 1, f.logs.FilterMessage("idempotent-skip").Len())

	err = f.run(t, TaskAccountCreated, map[string]any{"currency": "NGN"})
	assert.True(t, retry.IsPermanent(err))
}

func TestLoanTasks(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.run(t, TaskLoanUpdated, map[string]any{"loan_id": 9, "status": "pending", "amount": "10"}))
	assert.Equal(t, 1, f.logs.FilterMessage("loan not approved, skipping").Len())

	require.NoError(t, f.run(t, TaskLoanUpdated, map[string]any{
		"loan_id": 9, "user_id": "u-payee", "status": "approved", "amount": "100", "account_number": payeeAcct,
	}))
	assert.Equal(t, "600.00", f.balance(t, payeeAcct))

	require.NoError(t, f.run(t, TaskLoanRepayment, map[string]any{
		"loan_id": 9, "user_id": "u-payer", "amount_to_repay": "40", "payer_account_id": payerAcct, "reference": "rep-1",
	}))
	assert.Equal(t, "960.00", f.balance(t, payerAcct))

	err := f.run(t, TaskLoanRepayment, map[string]any{"loan_id": 9, "amount": "5"})
	assert.True(t, retry.IsPermanent(err))
}

func TestRoutesCoverInboundEvents(t *testing.T) {
	f := newFixture(t)
	registered := map[string]bool{}
	for _, n := range f.runner.Names() {
		registered[n] = true
	}
	for key, task := range Routes {
		assert.True(t, registered[task], "%s routes to unregistered %s", key, task)
	}
	assert.True(t, registered[TaskTransfer])
}

// TestTransferEndToEnd drives a customer transfer through the bus into the
// ledger: both account service balances move and the ledger holds one
// balanced transaction under the payment reference.
func TestTransferEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := zap.NewNop()
	fast := retry.Publish(1, 0)

	broker := bus.NewMemory()
	pub := bus.NewPublisher(broker, fast, logger)

	paymentQ := tasks.NewMemory()
	saga := NewOrchestrator(f.store, f.saga.accounts, pub, logger)
	svc := NewService(saga, paymentQ, ServiceConfig{BankPoolAccount: poolAcct}, logger)
	paymentRunner := tasks.NewRunner(3, logger).WithPolicy(retry.Policy{Attempts: 3})
	NewHandlers(svc, logger).Register(paymentRunner)
	paymentD := dispatcher.New("payment", Routes, paymentQ, logger)

	ledgerStore := ledger.NewMemoryStore()
	engine := ledger.NewEngine(ledgerStore, pub, logger)
	ledgerQ := tasks.NewMemory()
	ledgerRunner := tasks.NewRunner(3, logger).WithPolicy(retry.Policy{Attempts: 3})
	ledger.NewHandlers(engine, pub, poolAcct, "NGN", logger).Register(ledgerRunner)
	ledgerD := dispatcher.New("ledger", ledger.Routes, ledgerQ, logger)

	broker.Subscribe("account_service.#", paymentD.Handle)
	broker.Subscribe("account_service.#", ledgerD.Handle)
	broker.Subscribe("payment.#", ledgerD.Handle)

	drain := func() {
		paymentQ.Drain(ctx, paymentRunner.Process)
		ledgerQ.Drain(ctx, ledgerRunner.Process)
	}

	for _, a := range []events.AccountCreated{
		{AccountNumber: payerAcct, UserID: "u-payer", Currency: "NGN"},
		{AccountNumber: payeeAcct, UserID: "u-payee", Currency: "NGN"},
	} {
		require.NoError(t, pub.Publish(ctx, events.BankAccountCreated, a))
	}
	drain()

	p, created, err := svc.Initiate(ctx, transfer())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "u-payee", p.PayeeUserID)
	drain()

	done, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.PublishedAt)
	assert.Equal(t, "800.00", f.balance(t, payerAcct))
	assert.Equal(t, "700.00", f.balance(t, payeeAcct))
	assert.Len(t, broker.Published(events.PaymentCompleted), 1)

	txn, err := ledgerStore.TransactionByReference(ctx, p.ID.String())
	require.NoError(t, err)
	require.Len(t, txn.Entries, 2)
	for _, e := range txn.Entries {
		assert.True(t, e.Amount.Equal(amt("200")))
	}
	assert.Len(t, broker.Published(events.LedgerTransactionCreated), 1)

	issues, err := engine.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	// Redelivering the completion must not post twice.
	body := broker.Published(events.PaymentCompleted)[0]
	ledgerD.Handle(ctx, events.PaymentCompleted, body)
	drain()
	assert.Len(t, broker.Published(events.LedgerTransactionCreated), 1)
	assert.Equal(t, 1, f.bank.Calls(accountstub.OpDebit))
}
