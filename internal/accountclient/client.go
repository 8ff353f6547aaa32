// Package accountclient calls the account service for PIN/card verification
// and balance mutations.
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/payflow/internal/retry"
	perr "github.com/example/payflow/pkg/errors"
	"github.com/example/payflow/pkg/metrics"
)

const (
	dependency = "account_service"
	apiPrefix  = "/account_service_api"
)

type Options struct {
	Timeout     time.Duration
	MaxInflight int64
	// Verify and Mutate override the default retry policies.
	Verify *retry.Policy
	Mutate *retry.Policy
}

// Client is safe for concurrent use. Verification and fund movements go
// through separate circuit breakers so a failing debit path does not block
// PIN checks.
type Client struct {
	base     string
	http     *http.Client
	sem      *semaphore.Weighted
	verifyCB *gobreaker.CircuitBreaker
	fundsCB  *gobreaker.CircuitBreaker
	verify   retry.Policy
	mutate   retry.Policy
	log      *zap.Logger
}

func New(baseURL string, opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: opts.Timeout},
		sem:    semaphore.NewWeighted(opts.MaxInflight),
		verify: retry.Remote(),
		mutate: retry.RemoteMutation(),
		log:    logger,
	}
	if opts.Verify != nil {
		c.verify = *opts.Verify
	}
	if opts.Mutate != nil {
		c.mutate = *opts.Mutate
	}
	c.verifyCB = c.breaker("verify")
	c.fundsCB = c.breaker("funds")
	return c
}

func (c *Client) breaker(group string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dependency + "-" + group,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Declines and bad PINs are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Result is the answer of a debit or credit.
type Result struct {
	Status     string          `json:"status"`
	NewBalance decimal.Decimal `json:"-"`
	Message    string          `json:"message"`
}

type FundsRequest struct {
	UserID         string
	AccountNumber  string
	AccountType    string
	Amount         decimal.Decimal
	IdempotencyKey string
}

type PinRequest struct {
	UserID        string
	AccountNumber string
	AccountType   string
	PIN           string
}

type CardRequest struct {
	UserID     string
	CardNumber string
	CVV        string
	PIN        string
}

// VerifyPin returns nil when the PIN is valid, an AuthorizationFailure when
// it is not and a RemoteCallFailure when the service could not answer.
func (c *Client) VerifyPin(ctx context.Context, r PinRequest) error {
	body := map[string]string{
		"account_number": r.AccountNumber,
		"pin":            r.PIN,
		"user_id":        r.UserID,
		"account_type":   r.AccountType,
	}
	var out struct {
		Message string `json:"message"`
		Data    struct {
			Validity bool `json:"validity"`
		} `json:"data"`
	}
	err := c.call(ctx, "verify_pin", c.verifyCB, c.verify, "/verify_AccountPin/", "", body, &out)
	if err != nil {
		return c.verifyErr("pin", err)
	}
	if !out.Data.Validity {
		return perr.Authorization("invalid pin")
	}
	return nil
}

func (c *Client) VerifyCard(ctx context.Context, r CardRequest) error {
	body := map[string]string{
		"user_id":     r.UserID,
		"card_number": r.CardNumber,
		"cvv":         r.CVV,
		"PIN":         r.PIN,
	}
	var out struct {
		Message  string `json:"message"`
		Validity bool   `json:"validity"`
	}
	err := c.call(ctx, "verify_card", c.verifyCB, c.verify, "/verify_card/", "", body, &out)
	if err != nil {
		return c.verifyErr("card", err)
	}
	if !out.Validity {
		return perr.Authorization("invalid card details")
	}
	return nil
}

func (c *Client) verifyErr(what string, err error) error {
	var se *retry.StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		return perr.Wrap(perr.CodeAuthorization, what+" verification rejected", err)
	}
	return perr.RemoteCall(what+" verification failed", err)
}

// Debit takes funds from a customer account. A 4xx answer is a decline and
// comes back as a ValidationFailure carrying the service message.
func (c *Client) Debit(ctx context.Context, r FundsRequest) (Result, error) {
	return c.funds(ctx, "debit", "/debit/", r)
}

func (c *Client) Credit(ctx context.Context, r FundsRequest) (Result, error) {
	return c.funds(ctx, "credit", "/credit/", r)
}

func (c *Client) DebitBankPool(ctx context.Context, amount decimal.Decimal, key string) (Result, error) {
	return c.funds(ctx, "debit_bank", "/debit_bank/", FundsRequest{Amount: amount, IdempotencyKey: key})
}

func (c *Client) CreditBankPool(ctx context.Context, amount decimal.Decimal, key string) (Result, error) {
	return c.funds(ctx, "credit_bank", "/credit_bank/", FundsRequest{Amount: amount, IdempotencyKey: key})
}

func (c *Client) funds(ctx context.Context, op, path string, r FundsRequest) (Result, error) {
	body := map[string]string{"amount": r.Amount.String()}
	if r.AccountNumber != "" {
		body["account_number"] = r.AccountNumber
		body["user_id"] = r.UserID
		body["account_type"] = r.AccountType
	}
	var out struct {
		Status     string `json:"status"`
		NewBalance string `json:"new_balance"`
		Message    string `json:"message"`
		Error      string `json:"error"`
	}
	err := c.call(ctx, op, c.fundsCB, c.mutate, path, r.IdempotencyKey, body, &out)
	if err != nil {
		var se *retry.StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return Result{Status: "failed", Message: declineMessage(se.Body)}, perr.Wrap(perr.CodeValidation, op+" declined: "+declineMessage(se.Body), err)
		}
		return Result{}, perr.RemoteCall(op+" failed", err)
	}
	res := Result{Status: out.Status, Message: out.Message}
	if out.NewBalance != "" {
		res.NewBalance, _ = decimal.NewFromString(out.NewBalance)
	}
	if out.Status != "success" {
		return res, perr.Validation(op + " declined: " + out.Message)
	}
	return res, nil
}

func declineMessage(body string) string {
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &m) == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	return strings.TrimSpace(body)
}

// call runs one logical request: retry wraps bulkhead and breaker, so every
// attempt is admitted and counted separately.
func (c *Client) call(ctx context.Context, op string, cb *gobreaker.CircuitBreaker, policy retry.Policy, path, key string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return retry.Permanent(err)
	}
	policy.OnRetry = func(n int, err error) {
		c.log.Warn("account service retry", zap.String("op", op), zap.Int("attempt", n), zap.Error(err))
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return retry.Permanent(err)
		}
		defer c.sem.Release(1)
		_, err := cb.Execute(func() (any, error) {
			return nil, c.do(ctx, path, key, payload, out)
		})
		return err
	})
	metrics.RemoteCalls.WithLabelValues(dependency, op, result(err)).Inc()
	return err
}

func result(err error) string {
	var se *retry.StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "open"
	case errors.As(err, &se) && se.StatusCode < 500:
		return "rejected"
	default:
		return "error"
	}
}

func (c *Client) do(ctx context.Context, path, key string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+apiPrefix+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// Balance reads the current balance of an account.
func (c *Client) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+apiPrefix+"/balance/"+account, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, perr.RemoteCall("balance failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, perr.New(perr.CodeNotFound, "account "+account+" not found")
	}
	var out struct {
		Balance string `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, perr.RemoteCall("balance decode", err)
	}
	return decimal.NewFromString(out.Balance)
}
