// Package idempotency prevents the same logical operation from executing
// twice within a retention window.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// Store persists completion records.
type Store interface {
	// Get returns the record for key or contracts.ErrNotFound.
	Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error)
	// Put writes rec unless a record recorded after cutoff already exists for
	// the same key. It reports whether rec was written.
	Put(ctx context.Context, rec *contracts.IdempotencyRecord, cutoff time.Time) (bool, error)
	// DeleteExpired removes records recorded at or before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

func clonePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return decodePayload(raw)
}

func decodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// MemoryStore keeps records in process memory. It does not survive restarts
// and is not shared between instances.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]contracts.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]contracts.IdempotencyRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("idempotency record %q: %w", key, contracts.ErrNotFound)
	}
	payload, err := clonePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *contracts.IdempotencyRecord, cutoff time.Time) (bool, error) {
	payload, err := clonePayload(rec.Payload)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.OperationKey]; ok && existing.RecordedAt.After(cutoff) {
		return false, nil
	}
	stored := *rec
	stored.Payload = payload
	s.records[rec.OperationKey] = stored
	return true, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if !rec.RecordedAt.After(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
