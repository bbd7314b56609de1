package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps the routing config in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	cfg RoutingConfig
}

// NewMemoryStore creates a store seeded with initial.
func NewMemoryStore(initial RoutingConfig) *MemoryStore {
	return &MemoryStore{cfg: initial.Clone()}
}

// Read returns a copy of the current config
func (s *MemoryStore) Read(ctx context.Context) (RoutingConfig, error) {
	if err := ctx.Err(); err != nil {
		return RoutingConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone(), nil
}

// Update applies mutate under the store lock
func (s *MemoryStore) Update(ctx context.Context, mutate func(*RoutingConfig) error) (RoutingConfig, error) {
	if err := ctx.Err(); err != nil {
		return RoutingConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := mutate(&next); err != nil {
		return s.cfg.Clone(), err
	}
	s.cfg = next
	return next.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
