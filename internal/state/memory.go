package state

import (
	"maps"
	"sync"
)

// MemoryKV is a KV held in a map. Used for tests and the memory database.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string

	// Err, when set, is returned by SetValues.
	Err error
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) GetValue(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) SetValues(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	maps.Copy(m.values, values)
	return nil
}

var _ KV = (*MemoryKV)(nil)
