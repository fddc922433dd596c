package httpapi

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before further events are dropped for it.
const subscriberBuffer = 16

// Hub fans vault events out to the websocket subscribers of each vault.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan api.VaultEvent]struct{}
	logger logging.Logger
}

func NewHub(l logging.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[chan api.VaultEvent]struct{}),
		logger: l.With("module", "hub"),
	}
}

// Subscribe registers for the events of vaultID. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(vaultID string) (<-chan api.VaultEvent, func()) {
	ch := make(chan api.VaultEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[vaultID] == nil {
		h.subs[vaultID] = make(map[chan api.VaultEvent]struct{})
	}
	h.subs[vaultID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[vaultID], ch)
			if len(h.subs[vaultID]) == 0 {
				delete(h.subs, vaultID)
			}
			close(ch)
		})
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
// Any later event still wakes it, which is enough for a sync trigger.
func (h *Hub) Publish(ev api.VaultEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.VaultID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn(context.Background(), "dropping event for slow subscriber", "vault", ev.VaultID, "type", ev.Type)
		}
	}
}

// Subscribers reports how many connections listen on vaultID.
func (h *Hub) Subscribers(vaultID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[vaultID])
}
