package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process ledger, used when no database path is
// configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("failed to append failure record: duplicate id %s", rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Pending(ctx context.Context, limit int) ([]Record, error) {
	out, err := m.List(ctx, ListOptions{PendingOnly: true})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastAttemptAt, out[j].LastAttemptAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkAttempted(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Synced {
		return nil
	}
	rec.SyncAttempts++
	t := at.UTC()
	rec.LastAttemptAt = &t
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	if !rec.Synced {
		rec.Synced = true
		t := at.UTC()
		rec.SyncedAt = &t
		m.records[id] = rec
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if opts.PendingOnly && rec.Synced {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoggedAt.Equal(out[j].LoggedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LoggedAt.Before(out[j].LoggedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
