package events

import (
	"context"
	"sync"
)

// Status is the state carried by a LiveQuery result.
type Status int

const (
	StatusLoading Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is one emission of a LiveQuery.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Matcher decides whether an event concerns a query.
type Matcher func(Event) bool

// LiveQuery turns a query function into a stream of results that is
// refreshed whenever a matching event is dispatched on the bus.
type LiveQuery[T any] struct {
	bus      *Bus
	types    []Type
	listener Listener

	results chan Result[T]
	trigger chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Watch emits Loading, runs query, emits its outcome, and repeats after
// every event of the given types accepted by match. Bursts of events while a
// query runs collapse into one re-run.
func Watch[T any](ctx context.Context, bus *Bus, types []Type, match Matcher, query func(context.Context) (T, error)) *LiveQuery[T] {
	lq := &LiveQuery[T]{
		bus:     bus,
		types:   types,
		results: make(chan Result[T], 16),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	lq.listener = Func(func(evt Event) {
		if match != nil && !match(evt) {
			return
		}
		select {
		case lq.trigger <- struct{}{}:
		default:
		}
	})
	for _, t := range types {
		bus.Subscribe(t, lq.listener)
	}

	go lq.run(ctx, query)
	return lq
}

// Results is closed after Close or when the Watch context ends.
func (lq *LiveQuery[T]) Results() <-chan Result[T] {
	return lq.results
}

// Close stops future runs. A query already running is not cancelled; its
// result is dropped.
func (lq *LiveQuery[T]) Close() {
	lq.once.Do(func() {
		for _, t := range lq.types {
			lq.bus.Unsubscribe(t, lq.listener)
		}
		close(lq.done)
	})
}

func (lq *LiveQuery[T]) run(ctx context.Context, query func(context.Context) (T, error)) {
	defer close(lq.results)
	defer lq.Close()

	for {
		if !lq.emit(ctx, Result[T]{Status: StatusLoading}) {
			return
		}

		value, err := query(ctx)
		res := Result[T]{Status: StatusSuccess, Value: value}
		if err != nil {
			res = Result[T]{Status: StatusError, Err: err}
		}
		if !lq.emit(ctx, res) {
			return
		}

		select {
		case <-lq.done:
			return
		case <-ctx.Done():
			return
		case <-lq.trigger:
		}
	}
}

func (lq *LiveQuery[T]) emit(ctx context.Context, r Result[T]) bool {
	select {
	case <-lq.done:
		return false
	default:
	}
	select {
	case lq.results <- r:
		return true
	case <-lq.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// MatchVault accepts data and vault events for one vault.
func MatchVault(vaultID string) Matcher {
	return func(evt Event) bool {
		switch p := evt.Payload.(type) {
		case DataChange:
			return p.VaultID == vaultID
		case VaultChange:
			return p.VaultID == vaultID
		case VaultRef:
			return p.VaultID == vaultID
		default:
			return false
		}
	}
}

// MatchTable accepts data events for one table of one vault, and vault
// lifecycle events of that vault.
func MatchTable(vaultID, table string) Matcher {
	vault := MatchVault(vaultID)
	return func(evt Event) bool {
		if p, ok := evt.Payload.(DataChange); ok {
			return p.VaultID == vaultID && p.Table == table
		}
		return vault(evt)
	}
}

// MatchEntity narrows MatchTable to one entity id.
func MatchEntity(vaultID, table, id string) Matcher {
	tbl := MatchTable(vaultID, table)
	return func(evt Event) bool {
		if p, ok := evt.Payload.(DataChange); ok {
			return p.VaultID == vaultID && p.Table == table && p.ID == id
		}
		return tbl(evt)
	}
}
