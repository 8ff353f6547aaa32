package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store persists ledger accounts and transactions. CreateTransaction writes a
// transaction and all its entries atomically; if the reference is already
// taken it returns the stored transaction with created=false.
type Store interface {
	GetOrCreateAccount(ctx context.Context, a Account) (Account, bool, error)
	AccountByNumber(ctx context.Context, number string) (Account, error)
	AccountByUser(ctx context.Context, userID string) (Account, error)

	CreateTransaction(ctx context.Context, txn Transaction) (Transaction, bool, error)
	TransactionByReference(ctx context.Context, reference string) (Transaction, error)
	Transactions(ctx context.Context, fn func(Transaction) error) error
}

// MemoryStore keeps everything in maps; used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account // by account number
	txns     map[string]Transaction
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: map[string]Account{}, txns: map[string]Transaction{}}
}

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, a Account) (Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[a.AccountNumber]; ok {
		return existing, false, nil
	}
	s.accounts[a.AccountNumber] = a
	return a, true, nil
}

func (s *MemoryStore) AccountByNumber(_ context.Context, number string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[number]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

// AccountByUser returns the user's oldest account.
func (s *MemoryStore) AccountByUser(_ context.Context, userID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			found = append(found, a)
		}
	}
	if len(found) == 0 {
		return Account{}, ErrAccountNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	return found[0], nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, txn Transaction) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.txns[txn.Reference]; ok {
		return existing, false, nil
	}
	txn.Entries = append([]Entry(nil), txn.Entries...)
	s.txns[txn.Reference] = txn
	s.order = append(s.order, txn.Reference)
	return txn, true, nil
}

func (s *MemoryStore) TransactionByReference(_ context.Context, reference string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, fn func(Transaction) error) error {
	s.mu.Lock()
	snapshot := make([]Transaction, 0, len(s.order))
	for _, ref := range s.order {
		snapshot = append(snapshot, s.txns[ref])
	}
	s.mu.Unlock()

	for _, t := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}
