// Package accountstub is an in-memory stand-in for the account service: it
// owns balances and exposes the verify/debit/credit HTTP endpoints the
// payment saga calls.
package accountstub

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountBlocked    = errors.New("account is blocked")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

type account struct {
	mu       sync.Mutex
	number   string
	userID   string
	pinHash  [32]byte
	balance  decimal.Decimal
	currency string
	active   bool
}

type card struct {
	number  string
	cvv     string
	pinHash [32]byte
	active  bool
}

type replay struct {
	status int
	body   []byte
}

type fault struct {
	status int
	// applied makes the fault fire after the operation took effect, which
	// models a lost response.
	applied bool
}

// Bank holds accounts, cards and the bank pool.
type Bank struct {
	mu       sync.RWMutex
	accounts map[string]*account
	cards    map[string]*card // by user id

	poolMu sync.Mutex
	pool   decimal.Decimal

	stateMu sync.Mutex
	replays map[string]replay
	calls   map[string]int
	faults  map[string][]fault
}

func NewBank(pool decimal.Decimal) *Bank {
	return &Bank{
		accounts: map[string]*account{},
		cards:    map[string]*card{},
		pool:     pool,
		replays:  map[string]replay{},
		calls:    map[string]int{},
		faults:   map[string][]fault{},
	}
}

func hashPIN(pin string) [32]byte { return sha256.Sum256([]byte("pin:" + pin)) }

func pinMatches(stored [32]byte, pin string) bool {
	h := hashPIN(pin)
	return subtle.ConstantTimeCompare(stored[:], h[:]) == 1
}

func (b *Bank) OpenAccount(number, userID, pin string, balance decimal.Decimal, currency string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[number] = &account{
		number: number, userID: userID, pinHash: hashPIN(pin),
		balance: balance, currency: currency, active: true,
	}
}

func (b *Bank) IssueCard(userID, number, cvv, pin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cards[userID] = &card{number: number, cvv: cvv, pinHash: hashPIN(pin), active: true}
}

// Block deactivates an account.
func (b *Bank) Block(number string) {
	if a, ok := b.lookup(number); ok {
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
	}
}

func (b *Bank) lookup(number string) (*account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.accounts[number]
	return a, ok
}

func (b *Bank) Balance(number string) (decimal.Decimal, error) {
	a, ok := b.lookup(number)
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (b *Bank) PoolBalance() decimal.Decimal {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()
	return b.pool
}

// VerifyPIN checks the account PIN. The account must belong to userID when
// userID is set.
func (b *Bank) VerifyPIN(number, userID, pin string) (bool, error) {
	a, ok := b.lookup(number)
	if !ok {
		return false, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return false, ErrAccountBlocked
	}
	if userID != "" && a.userID != userID {
		return false, nil
	}
	return pinMatches(a.pinHash, pin), nil
}

func (b *Bank) VerifyCard(userID, number, cvv, pin string) (bool, error) {
	b.mu.RLock()
	c, ok := b.cards[userID]
	b.mu.RUnlock()
	if !ok {
		return false, ErrAccountNotFound
	}
	if !c.active {
		return false, ErrAccountBlocked
	}
	return pinMatches(c.pinHash, pin) &&
		subtle.ConstantTimeCompare([]byte(c.number), []byte(number)) == 1 &&
		subtle.ConstantTimeCompare([]byte(c.cvv), []byte(cvv)) == 1, nil
}

// Debit takes amount from the account under its lock.
func (b *Bank) Debit(number string, amount decimal.Decimal) (decimal.Decimal, error) {
	return b.move(number, amount.Neg())
}

func (b *Bank) Credit(number string, amount decimal.Decimal) (decimal.Decimal, error) {
	return b.move(number, amount)
}

func (b *Bank) move(number string, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := b.lookup(number)
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return decimal.Zero, ErrAccountBlocked
	}
	next := a.balance.Add(delta)
	if next.IsNegative() {
		return a.balance, ErrInsufficientFunds
	}
	a.balance = next
	return next, nil
}

func (b *Bank) MovePool(delta decimal.Decimal) decimal.Decimal {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()
	b.pool = b.pool.Add(delta)
	return b.pool
}

// FailNext makes the next call to op answer with status. When applied is
// true the operation still takes effect first.
func (b *Bank) FailNext(op string, status int, applied bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.faults[op] = append(b.faults[op], fault{status: status, applied: applied})
}

func (b *Bank) takeFault(op string) (fault, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	fs := b.faults[op]
	if len(fs) == 0 {
		return fault{}, false
	}
	b.faults[op] = fs[1:]
	return fs[0], true
}

// Calls returns how many requests reached op.
func (b *Bank) Calls(op string) int {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.calls[op]
}

func (b *Bank) count(op string) {
	b.stateMu.Lock()
	b.calls[op]++
	b.stateMu.Unlock()
}

func (b *Bank) replayFor(key string) (replay, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	r, ok := b.replays[key]
	return r, ok
}

func (b *Bank) remember(key string, r replay) {
	b.stateMu.Lock()
	b.replays[key] = r
	b.stateMu.Unlock()
}
