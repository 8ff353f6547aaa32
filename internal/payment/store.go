package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists payment requests. Every state change is a conditional
// update so that redelivered tasks, concurrent workers and the reaper can
// race safely.
type Store interface {
	// Create inserts p. When the id is taken the stored request is returned
	// with created=false.
	Create(ctx context.Context, p PaymentRequest) (PaymentRequest, bool, error)
	Get(ctx context.Context, id uuid.UUID) (PaymentRequest, error)
	// Claim moves (PENDING, CREATED) to CLAIMED. ok is false when the
	// request is anywhere else.
	Claim(ctx context.Context, id uuid.UUID) (PaymentRequest, bool, error)
	// Advance moves a PENDING request from one step to the next, or returns
	// ErrStepConflict.
	Advance(ctx context.Context, id uuid.UUID, from, to Step) error
	// Finish sets a terminal status on a PENDING request and merges meta
	// into its metadata. ok is false when the request was already terminal.
	Finish(ctx context.Context, id uuid.UUID, status Status, meta map[string]string, at time.Time) (PaymentRequest, bool, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	// Annotate merges meta into a request's metadata without touching its
	// status, so terminal requests can still carry operator notes.
	Annotate(ctx context.Context, id uuid.UUID, meta map[string]string) error

	// ListStale returns PENDING requests that have not changed step since
	// cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]PaymentRequest, error)
	// ListUnpublished returns COMPLETED requests processed before cutoff
	// whose completion event was never published.
	ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]PaymentRequest, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]PaymentRequest, error)
	// History returns requests where account is payer or payee, newest first.
	History(ctx context.Context, account string, limit int) ([]PaymentRequest, error)

	UpsertAccount(ctx context.Context, a PaymentAccount) (bool, error)
	AccountByNumber(ctx context.Context, number string) (PaymentAccount, error)
}

// MemoryStore is the in-process Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	reqs     map[uuid.UUID]PaymentRequest
	accounts map[string]PaymentAccount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: map[uuid.UUID]PaymentRequest{}, accounts: map[string]PaymentAccount{}}
}

func copyReq(p PaymentRequest) PaymentRequest {
	p.Metadata = cloneMeta(p.Metadata)
	return p
}

func (s *MemoryStore) Create(_ context.Context, p PaymentRequest) (PaymentRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.reqs[p.ID]; ok {
		return copyReq(existing), false, nil
	}
	s.reqs[p.ID] = copyReq(p)
	return copyReq(p), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[id]
	if !ok {
		return PaymentRequest{}, ErrNotFound
	}
	return copyReq(p), nil
}

func (s *MemoryStore) Claim(_ context.Context, id uuid.UUID) (PaymentRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[id]
	if !ok {
		return PaymentRequest{}, false, ErrNotFound
	}
	if p.Status != StatusPending || p.Step != StepCreated {
		return copyReq(p), false, nil
	}
	p.Step = StepClaimed
	p.UpdatedAt = time.Now().UTC()
	s.reqs[id] = p
	return copyReq(p), true, nil
}

func (s *MemoryStore) Advance(_ context.Context, id uuid.UUID, from, to Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending || p.Step != from {
		return ErrStepConflict
	}
	p.Step = to
	p.UpdatedAt = time.Now().UTC()
	s.reqs[id] = p
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id uuid.UUID, status Status, meta map[string]string, at time.Time) (PaymentRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[id]
	if !ok {
		return PaymentRequest{}, false, ErrNotFound
	}
	if p.Status.Terminal() {
		return copyReq(p), false, nil
	}
	p.Status = status
	p.Metadata = cloneMeta(p.Metadata)
	for k, v := range meta {
		p.Metadata[k] = v
	}
	p.ProcessedAt = &at
	p.UpdatedAt = at
	s.reqs[id] = p
	return copyReq(p), true, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[id]
	if !ok {
		return ErrNotFound
	}
	if p.PublishedAt == nil {
		p.PublishedAt = &at
		s.reqs[id] = p
	}
	return nil
}

func (s *MemoryStore) Annotate(_ context.Context, id uuid.UUID, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[id]
	if !ok {
		return ErrNotFound
	}
	p.Metadata = cloneMeta(p.Metadata)
	for k, v := range meta {
		p.Metadata[k] = v
	}
	p.UpdatedAt = time.Now().UTC()
	s.reqs[id] = p
	return nil
}

func (s *MemoryStore) list(limit int, keep func(PaymentRequest) bool, newestFirst bool) []PaymentRequest {
	s.mu.Lock()
	var out []PaymentRequest
	for _, p := range s.reqs {
		if keep(p) {
			out = append(out, copyReq(p))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]PaymentRequest, error) {
	return s.list(limit, func(p PaymentRequest) bool {
		return p.Status == StatusPending && p.UpdatedAt.Before(cutoff)
	}, false), nil
}

func (s *MemoryStore) ListUnpublished(_ context.Context, cutoff time.Time, limit int) ([]PaymentRequest, error) {
	return s.list(limit, func(p PaymentRequest) bool {
		return p.Status == StatusCompleted && p.PublishedAt == nil &&
			p.ProcessedAt != nil && p.ProcessedAt.Before(cutoff)
	}, false), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]PaymentRequest, error) {
	return s.list(limit, func(p PaymentRequest) bool { return p.Status == status }, true), nil
}

func (s *MemoryStore) History(_ context.Context, account string, limit int) ([]PaymentRequest, error) {
	return s.list(limit, func(p PaymentRequest) bool {
		return p.PayerAccount == account || p.PayeeAccount == account
	}, true), nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, a PaymentAccount) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.AccountNumber]; ok {
		return false, nil
	}
	s.accounts[a.AccountNumber] = a
	return true, nil
}

func (s *MemoryStore) AccountByNumber(_ context.Context, number string) (PaymentAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[number]
	if !ok {
		return PaymentAccount{}, ErrAccountNotFound
	}
	return a, nil
}
