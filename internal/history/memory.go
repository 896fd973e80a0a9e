package history

import (
	"context"
	"sync"
)

// MemoryStore keeps history in a slice guarded by a mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

// Items returns a copy so readers never observe a later removal.
func (m *MemoryStore) Items(_ context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *MemoryStore) RemoveWhere(_ context.Context, match func(Item) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		if !match(it) {
			kept = append(kept, it)
		}
	}
	removed := len(m.items) - len(kept)
	m.items = kept
	return removed, nil
}

func (m *MemoryStore) Update(_ context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == item.ID {
			m.items[i] = item
			return nil
		}
	}
	return ErrNotFound
}
