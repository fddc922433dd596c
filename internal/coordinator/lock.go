package coordinator

import (
	"context"
	"sync"
)

// DistributedLock is an exclusive lock shared by every instance that may
// want to become primary for the same resource.
type DistributedLock interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release() error
}

// MemoryLock is a DistributedLock between goroutines of one process. Locks
// with the same name in the same registry exclude each other.
type MemoryLock struct {
	sem chan struct{}
}

// MemoryRegistry hands out MemoryLocks by name.
type MemoryRegistry struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sems: make(map[string]chan struct{})}
}

func (r *MemoryRegistry) Lock(name string) *MemoryLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		r.sems[name] = sem
	}
	return &MemoryLock{sem: sem}
}

func (l *MemoryLock) Acquire(ctx context.Context) (Lease, error) {
	select {
	case l.sem <- struct{}{}:
		return &memoryLease{sem: l.sem}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLease struct {
	once sync.Once
	sem  chan struct{}
}

func (l *memoryLease) Release() error {
	l.once.Do(func() { <-l.sem })
	return nil
}
