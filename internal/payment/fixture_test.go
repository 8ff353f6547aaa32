package payment

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/payflow/internal/accountclient"
	"github.com/example/payflow/internal/accountstub"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
)

const (
	payerAcct = "1000000001"
	payeeAcct = "1000000002"
	poolAcct  = "BANKPOOL"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Backdate shifts a request's timestamps d into the past.
func (s *MemoryStore) Backdate(id uuid.UUID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.reqs[id]
	p.CreatedAt = p.CreatedAt.Add(-d)
	p.UpdatedAt = p.UpdatedAt.Add(-d)
	if p.ProcessedAt != nil {
		at := p.ProcessedAt.Add(-d)
		p.ProcessedAt = &at
	}
	s.reqs[id] = p
}

type published struct {
	key  string
	data any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{key: key, data: data})
	return nil
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.key == key {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].key == key {
			return p.msgs[i].data
		}
	}
	return nil
}

type fixture struct {
	bank   *accountstub.Bank
	store  *MemoryStore
	pub    *recordingPublisher
	saga   *Orchestrator
	svc    *Service
	queue  *tasks.Memory
	runner *tasks.Runner
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	bank := accountstub.NewBank(amt("1000000"))
	bank.OpenAccount(payerAcct, "u-payer", "1234", amt("1000"), "NGN")
	bank.OpenAccount(payeeAcct, "u-payee", "9999", amt("500"), "NGN")
	bank.IssueCard("u-payer", "5399000011112222", "123", "1234")
	srv := httptest.NewServer(bank.Handler())
	t.Cleanup(srv.Close)

	verify := retry.Remote()
	verify.Backoff = retry.Constant(time.Millisecond)
	mutate := retry.RemoteMutation()
	mutate.Backoff = retry.Constant(time.Millisecond)
	client := accountclient.New(srv.URL, accountclient.Options{Timeout: time.Second, Verify: &verify, Mutate: &mutate}, logger)

	store := NewMemoryStore()
	pub := &recordingPublisher{}
	saga := NewOrchestrator(store, client, pub, logger)
	queue := tasks.NewMemory()
	svc := NewService(saga, queue, ServiceConfig{BankPoolAccount: poolAcct, DefaultCurrency: "NGN"}, logger)
	runner := tasks.NewRunner(3, logger).WithPolicy(retry.Policy{Attempts: 3})
	NewHandlers(svc, logger).Register(runner)

	return fixture{bank: bank, store: store, pub: pub, saga: saga, svc: svc, queue: queue, runner: runner, logs: logs}
}

// pending stores a fresh CREATED request between the two test accounts.
func (f fixture) pending(t *testing.T, kind Kind, amount string) PaymentRequest {
	t.Helper()
	now := time.Now().UTC()
	p, created, err := f.store.Create(context.Background(), PaymentRequest{
		ID:           uuid.New(),
		PayerUserID:  "u-payer",
		PayerAccount: payerAcct,
		PayeeUserID:  "u-payee",
		PayeeAccount: payeeAcct,
		Amount:       amt(amount),
		Currency:     "NGN",
		Kind:         kind,
		Status:       StatusPending,
		Step:         StepCreated,
		Metadata:     map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (f fixture) balance(t *testing.T, account string) string {
	t.Helper()
	b, err := f.bank.Balance(account)
	require.NoError(t, err)
	return b.StringFixed(2)
}

func (f fixture) drain() int {
	return f.queue.Drain(context.Background(), f.runner.Process)
}

func payload(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

// beforeCredit runs hook ahead of every payee credit.
type beforeCredit struct {
	Accounts
	hook func(context.Context)
}

func (b beforeCredit) Credit(ctx context.Context, r accountclient.FundsRequest) (accountclient.Result, error) {
	b.hook(ctx)
	return b.Accounts.Credit(ctx, r)
}

// withCreditHook returns a saga sharing f's store and publisher whose
// credits call hook first.
func (f fixture) withCreditHook(hook func(context.Context)) *Orchestrator {
	return NewOrchestrator(f.store, beforeCredit{Accounts: f.saga.accounts, hook: hook}, f.pub, f.saga.logger)
}
