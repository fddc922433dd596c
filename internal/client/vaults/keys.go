package vaults

import "sync"

// KeyStorage holds the data keys of unlocked vaults. Keys never touch disk.
type KeyStorage interface {
	Set(vaultID, dataKey string)
	DataKey(vaultID string) (string, bool)
	Delete(vaultID string)
	Clear()
}

// MemoryKeyStorage keeps keys in process memory.
type MemoryKeyStorage struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewMemoryKeyStorage() *MemoryKeyStorage {
	return &MemoryKeyStorage{keys: make(map[string]string)}
}

func (m *MemoryKeyStorage) Set(vaultID, dataKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[vaultID] = dataKey
}

func (m *MemoryKeyStorage) DataKey(vaultID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[vaultID]
	return k, ok
}

func (m *MemoryKeyStorage) Delete(vaultID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, vaultID)
}

func (m *MemoryKeyStorage) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.keys)
}
