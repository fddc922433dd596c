package events

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// Listener receives events. Identity is the listener value itself, so
// subscribe the same value to be able to unsubscribe it.
type Listener interface {
	Handle(Event)
}

type listenerFunc struct {
	fn func(Event)
}

func (l *listenerFunc) Handle(e Event) { l.fn(e) }

// Func adapts a function to a Listener. Every call returns a distinct
// listener; keep the result to unsubscribe later.
func Func(fn func(Event)) Listener {
	return &listenerFunc{fn: fn}
}

// Relay mirrors events between sibling instances.
type Relay interface {
	// Publish sends evt to every sibling except the sender.
	Publish(ctx context.Context, evt Event) error
	// Listen delivers sibling events until ctx is done.
	Listen(ctx context.Context, deliver func(Event)) error
}

// Bus dispatches events to in-process listeners and relays events that
// originate in this instance.
type Bus struct {
	device DeviceContext
	logger logging.Logger

	mu        sync.RWMutex
	listeners map[Type][]Listener
	relays    []Relay
}

func NewBus(device DeviceContext, logger logging.Logger) *Bus {
	return &Bus{
		device:    device,
		logger:    logger.With("module", "events"),
		listeners: make(map[Type][]Listener),
	}
}

// Device returns the context this bus stamps on local events.
func (b *Bus) Device() DeviceContext {
	return b.device
}

// Subscribe registers l for t. Subscribing the same listener twice is a no-op.
func (b *Bus) Subscribe(t Type, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.listeners[t] {
		if existing == l {
			return
		}
	}
	b.listeners[t] = append(b.listeners[t], l)
}

// Unsubscribe removes l from t. Unknown listeners are ignored.
func (b *Bus) Unsubscribe(t Type, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.listeners[t]
	for i, existing := range current {
		if existing == l {
			next := make([]Listener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			b.listeners[t] = next
			return
		}
	}
}

// Dispatch calls every listener of evt.Type synchronously in subscription
// order, then relays evt if it originated here. An empty Origin is filled
// with this bus's device.
func (b *Bus) Dispatch(ctx context.Context, evt Event) {
	if evt.Origin.ID == "" {
		evt.Origin = b.device
	}

	b.mu.RLock()
	listeners := b.listeners[evt.Type]
	relays := b.relays
	b.mu.RUnlock()

	for _, l := range listeners {
		l.Handle(evt)
	}

	if evt.External || evt.Origin.ID != b.device.ID || !evt.Type.relayable() {
		return
	}
	for _, r := range relays {
		if err := r.Publish(ctx, evt); err != nil {
			b.logger.Warn(ctx, "relay publish failed", "type", evt.Type, "error", err)
		}
	}
}

// Attach publishes local events through r and dispatches sibling events
// received from it until ctx is done. It blocks; run it in a goroutine.
func (b *Bus) Attach(ctx context.Context, r Relay) error {
	b.mu.Lock()
	b.relays = append(b.relays, r)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.relays {
			if existing == r {
				b.relays = append(b.relays[:i:i], b.relays[i+1:]...)
				break
			}
		}
	}()

	return r.Listen(ctx, func(evt Event) {
		if evt.Origin.ID == b.device.ID {
			return
		}
		evt.External = true
		b.Dispatch(ctx, evt)
	})
}
