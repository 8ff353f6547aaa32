// services/api-gateway/admin/admin.go
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/payment"
)

// Auditor is the ledger audit call, served over gRPC by the ledger.
type Auditor interface {
	Audit(ctx context.Context) ([]string, error)
}

// AdminServer exposes the manual reconciliation surface: the
// FAILED_NEEDS_REFUND queue, an on-demand reaper sweep and the ledger audit.
type AdminServer struct {
	payments *payment.Service
	reaper   *payment.Reaper
	ledger   Auditor
	logger   *zap.Logger
}

func NewAdminServer(payments *payment.Service, reaper *payment.Reaper, ledger Auditor, logger *zap.Logger) *AdminServer {
	return &AdminServer{payments: payments, reaper: reaper, ledger: ledger, logger: logger.With(zap.String("component", "admin"))}
}

func (s *AdminServer) Routes(r *mux.Router) {
	r.HandleFunc("/api/v1/reconciliation", s.Reconciliation).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/reaper/sweep", s.Sweep).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/ledger/audit", s.Audit).Methods(http.MethodGet)
}

type refundItem struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	PayerAccount string     `json:"payer_account"`
	PayeeAccount string     `json:"payee_account"`
	Amount       string     `json:"amount"`
	Currency     string     `json:"currency"`
	Reason       string     `json:"reason"`
	Error        string     `json:"error,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// Reconciliation lists requests whose payer was debited without the payee
// being credited.
func (s *AdminServer) Reconciliation(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		n = 100
	}
	items, err := s.payments.NeedsRefund(r.Context(), n)
	if err != nil {
		s.logger.Error("reconciliation list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "FAILED", "reason": "internal_error"})
		return
	}
	out := make([]refundItem, 0, len(items))
	for _, p := range items {
		out = append(out, refundItem{
			ID:           p.ID.String(),
			Kind:         string(p.Kind),
			PayerAccount: p.PayerAccount,
			PayeeAccount: p.PayeeAccount,
			Amount:       p.Amount.StringFixed(2),
			Currency:     p.Currency,
			Reason:       p.Metadata[payment.MetaReason],
			Error:        p.Metadata[payment.MetaError],
			ProcessedAt:  p.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "items": out})
}

// Sweep runs one reaper pass outside the schedule.
func (s *AdminServer) Sweep(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "FAILED", "reason": "reaper_disabled"})
		return
	}
	res, err := s.reaper.Sweep(r.Context())
	body := map[string]any{"result": res}
	status := http.StatusOK
	if err != nil {
		body["error"] = err.Error()
		status = http.StatusMultiStatus
	}
	s.logger.Info("manual sweep",
		zap.Int("failed", res.Failed), zap.Int("needs_refund", res.NeedsRefund), zap.Int("republished", res.Republished))
	writeJSON(w, status, body)
}

func (s *AdminServer) Audit(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "FAILED", "reason": "ledger_unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	issues, err := s.ledger.Audit(ctx)
	if err != nil {
		s.logger.Error("ledger audit failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "FAILED", "reason": "ledger_unavailable"})
		return
	}
	if issues == nil {
		issues = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(issues) == 0, "issues": issues})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
