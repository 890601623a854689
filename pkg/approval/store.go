// Package approval is the human review workflow for gated actions. A request
// is created pending and moves exactly once to approved or rejected.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// Filter selects requests for List. Zero fields match everything.
type Filter struct {
	Status        contracts.ApprovalStatus
	Actor         string
	Action        string
	CreatedBefore time.Time
	Limit         int
}

// Matches reports whether req satisfies f.
func (f Filter) Matches(req *contracts.ApprovalRequest) bool {
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.Actor != "" && req.Actor != f.Actor {
		return false
	}
	if f.Action != "" && req.Action != f.Action {
		return false
	}
	if !f.CreatedBefore.IsZero() && !req.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Store persists approval requests. Transition is the only mutation and must
// be atomic per request id.
type Store interface {
	Create(ctx context.Context, req *contracts.ApprovalRequest) error
	// Get returns the request or contracts.ErrNotFound.
	Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	// Transition applies d when the request is still pending and returns the
	// updated request. Otherwise it returns contracts.ErrNotFound or
	// contracts.ErrInvalidStateTransition and changes nothing.
	Transition(ctx context.Context, id string, d contracts.ApprovalDecision) (*contracts.ApprovalRequest, error)
	// List returns matching requests, newest first.
	List(ctx context.Context, f Filter) ([]*contracts.ApprovalRequest, error)
	// Delete removes a request that is still pending. It undoes a Create
	// whose receipt could not be written.
	Delete(ctx context.Context, id string) error
	// Revert moves a request decided by d back to pending. It undoes a
	// Transition whose receipt could not be written and returns
	// contracts.ErrInvalidStateTransition when the request no longer carries d.
	Revert(ctx context.Context, id string, d contracts.ApprovalDecision) error
}

func clone(req *contracts.ApprovalRequest) *contracts.ApprovalRequest {
	c := *req
	if req.DecidedAt != nil {
		t := *req.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

func invalidTransition(req *contracts.ApprovalRequest) error {
	return fmt.Errorf("%w: approval request %s is %s", contracts.ErrInvalidStateTransition, req.ID, req.Status)
}

func notFound(id string) error {
	return fmt.Errorf("approval request %q: %w", id, contracts.ErrNotFound)
}

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*contracts.ApprovalRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*contracts.ApprovalRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *contracts.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("%w: approval request %s already exists", contracts.ErrConflict, req.ID)
	}
	s.requests[req.ID] = clone(req)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, notFound(id)
	}
	return clone(req), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, d contracts.ApprovalDecision) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, notFound(id)
	}
	if req.Status != contracts.ApprovalPending {
		return nil, invalidTransition(req)
	}
	at := d.DecidedAt
	req.Status = d.Status
	req.DecidedAt = &at
	req.DecidedBy = d.DecidedBy
	req.RejectionReason = d.Reason
	return clone(req), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if req.Status != contracts.ApprovalPending {
		return invalidTransition(req)
	}
	delete(s.requests, id)
	return nil
}

func (s *MemoryStore) Revert(ctx context.Context, id string, d contracts.ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if req.Status != d.Status || req.DecidedBy != d.DecidedBy {
		return invalidTransition(req)
	}
	req.Status = contracts.ApprovalPending
	req.DecidedAt = nil
	req.DecidedBy = ""
	req.RejectionReason = ""
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	out := make([]*contracts.ApprovalRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if f.Matches(req) {
			out = append(out, clone(req))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
