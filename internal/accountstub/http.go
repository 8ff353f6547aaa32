package accountstub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Operation names used by FailNext and Calls.
const (
	OpVerifyPIN  = "verify_pin"
	OpVerifyCard = "verify_card"
	OpDebit      = "debit"
	OpCredit     = "credit"
	OpDebitBank  = "debit_bank"
	OpCreditBank = "credit_bank"
)

const apiPrefix = "/account_service_api"

type pinIn struct {
	AccountNumber string `json:"account_number"`
	PIN           string `json:"pin"`
	UserID        string `json:"user_id"`
	AccountType   string `json:"account_type"`
}

type cardIn struct {
	UserID     string `json:"user_id"`
	CardNumber string `json:"card_number"`
	CVV        string `json:"cvv"`
	PIN        string `json:"PIN"`
}

type fundsIn struct {
	Amount        string `json:"amount"`
	AccountNumber string `json:"account_number"`
	UserID        string `json:"user_id"`
	AccountType   string `json:"account_type"`
}

// Routes mounts the account service API on r.
func (b *Bank) Routes(r *mux.Router) {
	api := r.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/verify_AccountPin/", b.verifyPIN).Methods(http.MethodPost)
	api.HandleFunc("/verify_card/", b.verifyCard).Methods(http.MethodPost)
	api.HandleFunc("/debit/", b.funds(OpDebit, b.applyAccount(b.Debit))).Methods(http.MethodPost)
	api.HandleFunc("/credit/", b.funds(OpCredit, b.applyAccount(b.Credit))).Methods(http.MethodPost)
	api.HandleFunc("/debit_bank/", b.funds(OpDebitBank, b.applyPool(true))).Methods(http.MethodPost)
	api.HandleFunc("/credit_bank/", b.funds(OpCreditBank, b.applyPool(false))).Methods(http.MethodPost)
	api.HandleFunc("/balance/{account}", b.balance).Methods(http.MethodGet)
}

// Handler returns a router serving only the account service API.
func (b *Bank) Handler() http.Handler {
	r := mux.NewRouter()
	b.Routes(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *Bank) injected(w http.ResponseWriter, op string) bool {
	f, ok := b.takeFault(op)
	if !ok {
		return false
	}
	writeJSON(w, f.status, map[string]any{"status": "failed", "message": "injected fault"})
	return true
}

func (b *Bank) verifyPIN(w http.ResponseWriter, r *http.Request) {
	b.count(OpVerifyPIN)
	if b.injected(w, OpVerifyPIN) {
		return
	}
	var in pinIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.AccountNumber == "" || in.PIN == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "account_number and pin are required"})
		return
	}
	ok, err := b.VerifyPIN(in.AccountNumber, in.UserID, in.PIN)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "The user has no open bank account"})
	case errors.Is(err, ErrAccountBlocked):
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Account is blocked."})
	case !ok:
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Invalid", "data": map[string]any{"validity": false}})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"message": "Valid", "data": map[string]any{"validity": true}})
	}
}

func (b *Bank) verifyCard(w http.ResponseWriter, r *http.Request) {
	b.count(OpVerifyCard)
	if b.injected(w, OpVerifyCard) {
		return
	}
	var in cardIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "user_id, card_number, cvv and PIN are required"})
		return
	}
	ok, err := b.VerifyCard(in.UserID, in.CardNumber, in.CVV, in.PIN)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Card not registered for this user."})
	case errors.Is(err, ErrAccountBlocked):
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Card is blocked."})
	case !ok:
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Invalid card details", "validity": false})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"message": "Valid", "validity": true})
	}
}

type applyFunc func(in fundsIn, amount decimal.Decimal) (int, map[string]any)

func (b *Bank) applyAccount(move func(string, decimal.Decimal) (decimal.Decimal, error)) applyFunc {
	return func(in fundsIn, amount decimal.Decimal) (int, map[string]any) {
		bal, err := move(in.AccountNumber, amount)
		switch {
		case errors.Is(err, ErrAccountNotFound):
			return http.StatusNotFound, map[string]any{"status": "failed", "error": "Account not found"}
		case errors.Is(err, ErrAccountBlocked):
			return http.StatusForbidden, map[string]any{"status": "failed", "error": "Account is blocked"}
		case errors.Is(err, ErrInsufficientFunds):
			return http.StatusBadRequest, map[string]any{"status": "failed", "message": "Insufficient funds"}
		case err != nil:
			return http.StatusInternalServerError, map[string]any{"status": "failed", "message": err.Error()}
		}
		return http.StatusOK, map[string]any{"status": "success", "new_balance": bal.StringFixed(2)}
	}
}

func (b *Bank) applyPool(debit bool) applyFunc {
	return func(_ fundsIn, amount decimal.Decimal) (int, map[string]any) {
		if debit {
			amount = amount.Neg()
		}
		b.MovePool(amount)
		return http.StatusOK, map[string]any{"status": "success"}
	}
}

// funds wraps a balance mutation with idempotency-key replay and fault
// injection.
func (b *Bank) funds(op string, apply applyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.count(op)
		key := r.Header.Get("Idempotency-Key")
		if key != "" {
			if rep, ok := b.replayFor(op + ":" + key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(rep.status)
				_, _ = w.Write(rep.body)
				return
			}
		}

		f, faulty := b.takeFault(op)
		if faulty && !f.applied {
			writeJSON(w, f.status, map[string]any{"status": "failed", "message": "injected fault"})
			return
		}

		var in fundsIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "failed", "message": "bad json"})
			return
		}
		amount, err := decimal.NewFromString(in.Amount)
		if err != nil || !amount.IsPositive() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "failed", "message": "amount must be a positive decimal"})
			return
		}

		status, body := apply(in, amount)
		if key != "" && status < http.StatusInternalServerError {
			raw, _ := json.Marshal(body)
			b.remember(op+":"+key, replay{status: status, body: append(raw, '\n')})
		}
		if faulty {
			writeJSON(w, f.status, map[string]any{"status": "failed", "message": "injected fault"})
			return
		}
		writeJSON(w, status, body)
	}
}

func (b *Bank) balance(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["account"]
	a, ok := b.lookup(number)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Account not found"})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"account":  a.number,
		"currency": a.currency,
		"balance":  a.balance.StringFixed(2),
	})
}
