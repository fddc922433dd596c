package remote

import "sync"

// TokenStore holds the access/refresh token pair between requests.
type TokenStore interface {
	Tokens() (access, refresh string)
	SetTokens(access, refresh string) error
	Clear() error
}

// MemoryTokens keeps tokens for the life of the process.
type MemoryTokens struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

func (m *MemoryTokens) Tokens() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access, m.refresh
}

func (m *MemoryTokens) SetTokens(access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.refresh = access, refresh
	return nil
}

func (m *MemoryTokens) Clear() error {
	return m.SetTokens("", "")
}
