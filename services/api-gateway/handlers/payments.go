// services/api-gateway/handlers/payments.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/grpcserver"
	"github.com/example/payflow/internal/payment"
	perr "github.com/example/payflow/pkg/errors"
	m "github.com/example/payflow/pkg/metrics"
)

const serviceName = "api-gateway"

// LedgerReader is the part of the ledger gRPC client the API uses.
type LedgerReader interface {
	GetTransaction(ctx context.Context, reference string) (map[string]any, error)
}

type Deps struct {
	Payments *payment.Service
	// Ledger is optional; without it payment lookups skip the ledger section.
	Ledger LedgerReader
	Logger *zap.Logger
}

// Routes mounts the payment API on r.
func Routes(r *mux.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/payments", PaymentsHandler(d)).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id}", PaymentHandler(d)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/payments", HistoryHandler(d)).Methods(http.MethodGet)
	api.HandleFunc("/ledger/transactions/{reference}", LedgerTransactionHandler(d)).Methods(http.MethodGet)
}

// PaymentsHandler accepts a transfer and answers before the saga runs: 202
// for a new request, 200 with the current state for a repeated key.
func PaymentsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() { m.ObserveDuration(serviceName, "REQUEST", time.Since(start).Seconds()) }()

		var in PaymentIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorOut{Status: "FAILED", Code: perr.CodeValidation, Reason: "bad_json"})
			return
		}
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			key = in.IdempotencyKey
		}

		p, created, err := d.Payments.Initiate(r.Context(), payment.InitiateRequest{
			IdempotencyKey: key,
			Kind:           payment.Kind(in.Kind),
			PayerUserID:    in.PayerUserID,
			PayerAccount:   in.PayerAccount,
			PayeeUserID:    in.PayeeUserID,
			PayeeAccount:   in.PayeeAccount,
			Amount:         in.Amount,
			Currency:       in.Currency,
			Description:    in.Description,
			Credentials: payment.Credentials{
				PIN:         in.PIN,
				CardNumber:  in.CardNumber,
				CVV:         in.CVV,
				AccountType: in.AccountType,
			},
		})
		if err != nil {
			m.IncRequest(serviceName, "FAILED", "INITIATE")
			writeError(w, d.Logger, err)
			return
		}
		m.IncRequest(serviceName, "SUCCESS", "INITIATE")
		status := http.StatusOK
		if created {
			status = http.StatusAccepted
		}
		writeJSON(w, status, toOut(p))
	}
}

func PaymentHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, d.Logger, perr.Validation("payment id must be a uuid"))
			return
		}
		p, err := d.Payments.Get(r.Context(), id)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		out := toOut(p)
		if p.Status == payment.StatusCompleted && d.Ledger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if txn, err := d.Ledger.GetTransaction(ctx, p.Reference()); err == nil {
				out.Ledger = txn
			} else {
				d.Logger.Debug("ledger lookup failed", zap.String("reference", p.Reference()), zap.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func HistoryHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := d.Payments.History(r.Context(), mux.Vars(r)["account"], limit(r, 50))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, listOut(items))
	}
}

func LedgerTransactionHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ledger == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorOut{Status: "FAILED", Code: perr.CodeRemoteCall, Reason: "ledger_unavailable"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		txn, err := d.Ledger.GetTransaction(ctx, mux.Vars(r)["reference"])
		if err != nil {
			writeError(w, d.Logger, ledgerErr(err))
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func ledgerErr(err error) error {
	if grpcserver.IsNotFound(err) {
		return perr.Wrap(perr.CodeNotFound, "ledger transaction not found", err)
	}
	return perr.RemoteCall("ledger lookup failed", err)
}

func listOut(items []payment.PaymentRequest) map[string]any {
	out := make([]PaymentOut, 0, len(items))
	for _, p := range items {
		out = append(out, toOut(p))
	}
	return map[string]any{"count": len(out), "items": out}
}

func limit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

// httpStatus maps error codes onto HTTP status codes.
func httpStatus(err error) int {
	switch perr.CodeOf(err) {
	case perr.CodeValidation:
		return http.StatusBadRequest
	case perr.CodeAuthorization:
		return http.StatusForbidden
	case perr.CodeNotFound:
		return http.StatusNotFound
	case perr.CodeConflict:
		return http.StatusConflict
	case perr.CodeRemoteCall, perr.CodePublish:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := httpStatus(err)
	code := perr.CodeOf(err)
	reason := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		reason = "internal_error"
	}
	if code == "" {
		code = "INTERNAL"
	}
	writeJSON(w, status, ErrorOut{Status: "FAILED", Code: code, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
