package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/payment"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
)

type auditor struct {
	issues []string
	err    error
}

func (a auditor) Audit(context.Context) ([]string, error) { return a.issues, a.err }

func setup(t *testing.T, ledger Auditor) (*mux.Router, *payment.MemoryStore) {
	t.Helper()
	store := payment.NewMemoryStore()
	pub := bus.NewPublisher(bus.NewMemory(), retry.Publish(1, 0), zap.NewNop())
	saga := payment.NewOrchestrator(store, nil, pub, zap.NewNop())
	svc := payment.NewService(saga, tasks.NewMemory(), payment.ServiceConfig{}, zap.NewNop())

	r := mux.NewRouter()
	NewAdminServer(svc, payment.NewReaper(saga, time.Hour, zap.NewNop()), ledger, zap.NewNop()).Routes(r)
	return r, store
}

func seed(t *testing.T, store *payment.MemoryStore, status payment.Status, reason string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	p, _, err := store.Create(ctx, payment.PaymentRequest{
		ID: uuid.New(), PayerAccount: "1000000001", PayeeAccount: "1000000002",
		Amount: decimal.NewFromInt(75), Currency: "NGN", Kind: payment.KindInternal,
		Status: payment.StatusPending, Step: payment.StepDebited, Metadata: map[string]string{},
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	_, _, err = store.Finish(ctx, p.ID, status, map[string]string{payment.MetaReason: reason}, now)
	require.NoError(t, err)
	return p.ID
}

func serve(r *mux.Router, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestReconciliationListsNeedsRefund(t *testing.T) {
	r, store := setup(t, nil)
	id := seed(t, store, payment.StatusNeedsRefund, "credit_failed")
	seed(t, store, payment.StatusFailed, "debit_failed")

	rec := serve(r, http.MethodGet, "/api/v1/reconciliation")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Count int          `json:"count"`
		Items []refundItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, id.String(), out.Items[0].ID)
	assert.Equal(t, "75.00", out.Items[0].Amount)
	assert.Equal(t, "credit_failed", out.Items[0].Reason)
}

func TestSweepRunsReaper(t *testing.T) {
	r, _ := setup(t, nil)

	rec := serve(r, http.MethodPost, "/api/v1/admin/reaper/sweep")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"failed":0,"needs_refund":0,"republished":0}}`, rec.Body.String())
}

func TestAudit(t *testing.T) {
	r, _ := setup(t, auditor{})
	rec := serve(r, http.MethodGet, "/api/v1/admin/ledger/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"issues":[]}`, rec.Body.String())

	r, _ = setup(t, auditor{issues: []string{"txn t-1: unbalanced"}})
	rec = serve(r, http.MethodGet, "/api/v1/admin/ledger/audit")
	assert.JSONEq(t, `{"ok":false,"issues":["txn t-1: unbalanced"]}`, rec.Body.String())

	r, _ = setup(t, auditor{err: errors.New("unavailable")})
	assert.Equal(t, http.StatusBadGateway, serve(r, http.MethodGet, "/api/v1/admin/ledger/audit").Code)

	r, _ = setup(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodGet, "/api/v1/admin/ledger/audit").Code)
}
