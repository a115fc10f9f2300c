package state

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte // bucket -> key -> value
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string][]byte),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	v, ok := m.data[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent modification
	result := make([]byte, len(v))
	copy(result, v)
	return result, nil
}

// Scan implements Store.
func (m *MemoryStore) Scan(bucket string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}

	records := m.data[bucket]
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		v := make([]byte, len(records[k]))
		copy(v, records[k])
		values[i] = v
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Write implements Store.
func (m *MemoryStore) Write(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for _, op := range b.ops {
		if op.Delete {
			if records, ok := m.data[op.Bucket]; ok {
				delete(records, op.Key)
				if len(records) == 0 {
					delete(m.data, op.Bucket)
				}
			}
			continue
		}
		if m.data[op.Bucket] == nil {
			m.data[op.Bucket] = make(map[string][]byte)
		}
		m.data[op.Bucket][op.Key] = op.Value
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of records in bucket.
// Useful for testing.
func (m *MemoryStore) Len(bucket string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[bucket])
}

// Snapshot returns a deep copy of every bucket.
// Useful for asserting that an operation left the store untouched.
func (m *MemoryStore) Snapshot() map[string]map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string][]byte, len(m.data))
	for bucket, records := range m.data {
		cp := make(map[string][]byte, len(records))
		for k, v := range records {
			b := make([]byte, len(v))
			copy(b, v)
			cp[k] = b
		}
		out[bucket] = cp
	}
	return out
}
