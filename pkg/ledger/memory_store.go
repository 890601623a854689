package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// MemoryStore is a process-local Store for tests and single-instance use.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*contracts.Receipt
	byID     map[string]*contracts.Receipt
	sequence uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*contracts.Receipt)}
}

func (s *MemoryStore) Append(ctx context.Context, r *contracts.Receipt) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[r.ID]; exists {
		return 0, fmt.Errorf("%w: receipt %s already exists", contracts.ErrConflict, r.ID)
	}
	s.sequence++
	stored := r.Clone()
	stored.Sequence = s.sequence
	s.receipts = append(s.receipts, stored)
	s.byID[stored.ID] = stored
	return s.sequence, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, contracts.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*contracts.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.Receipt, 0)
	n := len(s.receipts)
	for i := 0; i < n; i++ {
		idx := i
		if f.Descending {
			idx = n - 1 - i
		}
		r := s.receipts[idx]
		if !f.Matches(r) {
			continue
		}
		out = append(out, r.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkReviewed(ctx context.Context, id, reviewer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, contracts.ErrNotFound)
	}
	if r.ReviewedAt != nil {
		return fmt.Errorf("%w: receipt %s already reviewed", contracts.ErrInvalidStateTransition, id)
	}
	r.RequiresReview = false
	r.ReviewedAt = &at
	r.ReviewedBy = reviewer
	return nil
}
