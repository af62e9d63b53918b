package store

import (
	"context"
	"sync"
)

// Memory is a process-local Store guarded by a single RWMutex.
type Memory[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewMemory creates an empty in-memory store.
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{items: make(map[string]V)}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory[V]) Set(_ context.Context, key string, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = v
	return nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory[V]) Range(ctx context.Context, fn func(key string, v V) bool) error {
	type entry struct {
		key string
		val V
	}

	m.mu.RLock()
	snapshot := make([]entry, 0, len(m.items))
	for k, v := range m.items {
		snapshot = append(snapshot, entry{k, v})
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e.key, e.val) {
			return nil
		}
	}
	return nil
}

func (m *Memory[V]) Update(_ context.Context, key string, fn UpdateFunc[V]) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.items[key]
	next, op, err := fn(cur, exists)
	if err != nil {
		var zero V
		return zero, err
	}

	switch op {
	case OpPut:
		m.items[key] = next
		return next, nil
	case OpDelete:
		delete(m.items, key)
		var zero V
		return zero, nil
	default:
		if exists {
			return cur, nil
		}
		return next, nil
	}
}

// Len reports the number of stored entries.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
