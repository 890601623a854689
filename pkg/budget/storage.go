package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// Storage persists spending windows with optimistic concurrency.
type Storage interface {
	// Load returns the stored window, or nil when the actor has none yet.
	Load(ctx context.Context, actorID string) (*contracts.SpendingWindow, error)
	// Save writes w only if the stored version still equals w.Version (a
	// missing record has version 0) and then increments w.Version. A lost
	// race returns contracts.ErrConflict.
	Save(ctx context.Context, w *contracts.SpendingWindow) error
}

// MemoryStorage implements Storage in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	windows map[string]contracts.SpendingWindow
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{windows: make(map[string]contracts.SpendingWindow)}
}

func (s *MemoryStorage) Load(ctx context.Context, actorID string) (*contracts.SpendingWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[actorID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *MemoryStorage) Save(ctx context.Context, w *contracts.SpendingWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.windows[w.ActorID]
	if current.Version != w.Version {
		return fmt.Errorf("%w: spending window %s at version %d, expected %d",
			contracts.ErrConflict, w.ActorID, current.Version, w.Version)
	}
	w.Version++
	s.windows[w.ActorID] = *w
	return nil
}
