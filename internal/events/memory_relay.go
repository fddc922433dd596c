package events

import (
	"context"
	"sync"
)

// MemoryHub connects relays living in one process, which is how tests and
// embedded multi-instance setups model sibling clients.
type MemoryHub struct {
	mu      sync.RWMutex
	members map[*MemoryRelay]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[*MemoryRelay]struct{})}
}

// Join returns a relay for one instance.
func (h *MemoryHub) Join() *MemoryRelay {
	r := &MemoryRelay{hub: h, inbox: make(chan Event, 256)}
	h.mu.Lock()
	h.members[r] = struct{}{}
	h.mu.Unlock()
	return r
}

type MemoryRelay struct {
	hub   *MemoryHub
	inbox chan Event
}

func (r *MemoryRelay) Publish(ctx context.Context, evt Event) error {
	r.hub.mu.RLock()
	peers := make([]*MemoryRelay, 0, len(r.hub.members))
	for m := range r.hub.members {
		if m != r {
			peers = append(peers, m)
		}
	}
	r.hub.mu.RUnlock()

	for _, p := range peers {
		select {
		case p.inbox <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *MemoryRelay) Listen(ctx context.Context, deliver func(Event)) error {
	defer r.leave()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-r.inbox:
			deliver(evt)
		}
	}
}

func (r *MemoryRelay) leave() {
	r.hub.mu.Lock()
	delete(r.hub.members, r)
	r.hub.mu.Unlock()
}
