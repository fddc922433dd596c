// Package syncengine reconciles a vault's local store with the server by
// comparing snapshots of entity and version ids, and pushes local mutations
// as they happen.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/client/store"
	"github.com/dmitrijs2005/vaultsync/internal/client/vaults"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/cryptox"
	"github.com/dmitrijs2005/vaultsync/internal/events"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// Server is the remote side of sync.
type Server interface {
	GetSnapshot(ctx context.Context, vaultID string) (*api.Snapshot, error)
	CreateVault(ctx context.Context, v api.Vault) error
	GetVault(ctx context.Context, vaultID string) (*api.Vault, error)
	UpdateVault(ctx context.Context, vaultID string, u api.VaultUpdate) error
	CreateVersion(ctx context.Context, v api.Version) error
	GetVersion(ctx context.Context, id string) (*api.Version, error)
	DeleteVersion(ctx context.Context, id string, purge bool) error
	GetItem(ctx context.Context, id string) (*api.Item, error)
	DeleteItem(ctx context.Context, id string, purge bool) error
}

// Vaults is the local vault registry as seen by sync.
type Vaults interface {
	Get(ctx context.Context, id string) (*vaults.Vault, error)
	ApplyRemote(ctx context.Context, v *vaults.Vault) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	OpenStore(ctx context.Context, id string) (*store.Store, error)
}

// Status is the per-vault reconciliation state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

type Engine struct {
	server Server
	vaults Vaults
	keys   store.KeyProvider
	crypto *cryptox.EncryptionService
	bus    *events.Bus
	logger logging.Logger
	now    func() time.Time

	listener events.Listener

	// Background drains started by HandleEvent run on bgCtx until Close.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu       sync.Mutex
	queue    []Action
	draining chan struct{} // closed when the running drain ends
	failures map[string]int
	status   map[string]Status
	active   map[string]bool
	closed   bool
}

func New(server Server, vaults Vaults, keys store.KeyProvider, crypto *cryptox.EncryptionService,
	bus *events.Bus, logger logging.Logger) *Engine {
	e := &Engine{
		server: server,
		vaults: vaults,
		keys:   keys,
		crypto: crypto,
		bus:    bus,
		logger: logger.With("module", "sync"),
		now:      time.Now,
		failures: make(map[string]int),
		status:   make(map[string]Status),
		active:   make(map[string]bool),
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.listener = events.Func(e.HandleEvent)
	return e
}

// Close cancels background drains and waits for them to return. Later
// mutations are no longer pushed; the next reconciliation picks them up.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.bgCancel()
	e.bg.Wait()
}

// Activate lets the engine act on a vault. The first active vault subscribes
// the engine to data changes.
func (e *Engine) Activate(vaultID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[vaultID] {
		return
	}
	e.active[vaultID] = true
	if len(e.active) == 1 {
		e.bus.Subscribe(events.TypeDataChange, e.listener)
	}
}

// Deactivate stops acting on a vault and drops its queued actions. They are
// derived again by the next reconciliation.
func (e *Engine) Deactivate(vaultID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active[vaultID] {
		return
	}
	delete(e.active, vaultID)
	kept := e.queue[:0]
	for _, a := range e.queue {
		if a.VaultID != vaultID {
			kept = append(kept, a)
		}
	}
	e.queue = kept
	if len(e.active) == 0 {
		e.bus.Unsubscribe(events.TypeDataChange, e.listener)
	}
}

func (e *Engine) IsActive(vaultID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[vaultID]
}

func (e *Engine) Status(vaultID string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.status[vaultID]; ok {
		return s
	}
	return StatusIdle
}

// Pending returns a copy of the queue.
func (e *Engine) Pending() []Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Action(nil), e.queue...)
}

// Enqueue appends actions to the FIFO queue.
func (e *Engine) Enqueue(actions ...Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, actions...)
}

// RunActions drains the queue one action at a time. A failing action is
// logged and skipped. Only one caller drains at a time; a concurrent call
// returns at once and its actions are picked up by the running drain.
func (e *Engine) RunActions(ctx context.Context) {
	e.drain(ctx)
}

// drain runs the queue unless another drain owns it, in which case the
// channel closed at the end of that drain is returned.
func (e *Engine) drain(ctx context.Context) <-chan struct{} {
	e.mu.Lock()
	if e.draining != nil {
		busy := e.draining
		e.mu.Unlock()
		return busy
	}
	done := make(chan struct{})
	e.draining = done
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 || ctx.Err() != nil {
			e.draining = nil
			e.mu.Unlock()
			close(done)
			return nil
		}
		action := e.queue[0]
		e.queue = e.queue[1:]
		active := e.active[action.VaultID]
		e.mu.Unlock()

		if !active {
			continue
		}
		if err := e.runAction(ctx, action); err != nil {
			e.mu.Lock()
			e.failures[action.VaultID]++
			e.mu.Unlock()
			e.logger.Error(ctx, "sync action failed",
				"action", string(action.Type), "table", string(action.Table),
				"space", string(action.Space), "id", action.ID, "error", err)
		}
	}
}

// HandleEvent turns local mutations of active vaults into actions and
// drains them in the background.
func (e *Engine) HandleEvent(evt events.Event) {
	change, ok := evt.Payload.(events.DataChange)
	if !ok || !e.IsActive(change.VaultID) {
		return
	}
	table, err := store.ParseTable(change.Table)
	if err != nil {
		return
	}

	var action Action
	switch change.Action {
	case events.ActionCreate, events.ActionUpdate:
		action = Action{Type: ActionUpload, Space: SpaceVersion, ID: change.VersionID}
	case events.ActionDelete:
		action = Action{Type: ActionDeleteServer, Space: SpaceEntity, ID: change.ID}
	case events.ActionDeleteVersion:
		action = Action{Type: ActionDeleteServer, Space: SpaceVersion, ID: change.VersionID}
	default:
		return
	}
	action.VaultID, action.Table = change.VaultID, table

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, action)
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		e.RunActions(e.bgCtx)
	}()
}

// runQueue drains the queue for a reconciliation, waiting out a background
// drain that owns it. It reports whether no action of the vault failed
// meanwhile.
func (e *Engine) runQueue(ctx context.Context, vaultID string) (bool, error) {
	e.mu.Lock()
	before := e.failures[vaultID]
	e.mu.Unlock()

	for {
		busy := e.drain(ctx)
		if busy == nil {
			break
		}
		select {
		case <-busy:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[vaultID] == before, nil
}

func (e *Engine) setStatus(ctx context.Context, vaultID string, s Status, cause error) {
	e.mu.Lock()
	e.status[vaultID] = s
	e.mu.Unlock()

	payload := events.SyncStatus{VaultID: vaultID, Status: string(s)}
	if cause != nil {
		payload.Error = cause.Error()
	}
	e.bus.Dispatch(ctx, events.Event{Type: events.TypeSyncStatus, Payload: payload})
}

// RequestSync reconciles one vault with the server. It is a no-op while a
// reconciliation of that vault is already running.
func (e *Engine) RequestSync(ctx context.Context, vaultID string) error {
	e.mu.Lock()
	if e.status[vaultID] == StatusRunning {
		e.mu.Unlock()
		return nil
	}
	e.status[vaultID] = StatusRunning
	e.mu.Unlock()

	e.setStatus(ctx, vaultID, StatusRunning, nil)
	if err := e.runSync(ctx, vaultID); err != nil {
		e.logger.Warn(ctx, "sync failed", "vault", vaultID, "error", err)
		e.setStatus(ctx, vaultID, StatusError, err)
		return err
	}
	e.setStatus(ctx, vaultID, StatusIdle, nil)
	return nil
}

func (e *Engine) runSync(ctx context.Context, vaultID string) error {
	local, err := e.vaults.Get(ctx, vaultID)
	if err != nil {
		return err
	}

	remote, err := e.server.GetSnapshot(ctx, vaultID)
	if errors.Is(err, common.ErrNotFound) {
		e.logger.Info(ctx, "vault missing on server, creating it", "vault", vaultID)
		if err := e.server.CreateVault(ctx, toAPIVault(local)); err != nil {
			return fmt.Errorf("create vault on server: %w", err)
		}
		remote, err = e.server.GetSnapshot(ctx, vaultID)
	}
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	if err := e.reconcileVault(ctx, local, remote.Vault.UpdatedAt); err != nil {
		return err
	}

	st, err := e.vaults.OpenStore(ctx, vaultID)
	if err != nil {
		return err
	}
	localSnap, err := st.Snapshot(ctx)
	if err != nil {
		return err
	}
	remoteSnap := e.toStoreSnapshot(ctx, remote)

	actions := CompareSnapshots(vaultID, localSnap, remoteSnap)
	e.logger.Debug(ctx, "snapshot compared", "vault", vaultID, "actions", len(actions))
	e.Enqueue(actions...)
	clean, err := e.runQueue(ctx, vaultID)
	if err != nil {
		return err
	}
	if !clean {
		e.logger.Warn(ctx, "sync left failed actions, not marking vault synced", "vault", vaultID)
		return nil
	}

	return e.vaults.MarkSynced(ctx, vaultID, e.now())
}

// reconcileVault keeps whichever copy of the vault record changed last.
func (e *Engine) reconcileVault(ctx context.Context, local *vaults.Vault, remoteUpdatedAt time.Time) error {
	l, r := local.UpdatedAt.UnixMilli(), remoteUpdatedAt.UnixMilli()
	switch {
	case l > r:
		return e.server.UpdateVault(ctx, local.ID, api.VaultUpdate{
			Name:             local.Name,
			ProtectedDataKey: local.ProtectedDataKey,
			SyncEnabled:      local.SyncEnabled,
			UpdatedAt:        local.UpdatedAt,
		})
	case l < r:
		rv, err := e.server.GetVault(ctx, local.ID)
		if err != nil {
			return fmt.Errorf("fetch vault: %w", err)
		}
		return e.vaults.ApplyRemote(ctx, &vaults.Vault{
			ID:               local.ID,
			Name:             rv.Name,
			ProtectedDataKey: rv.ProtectedDataKey,
			SyncEnabled:      rv.SyncEnabled,
			UpdatedAt:        rv.UpdatedAt,
		})
	default:
		return nil
	}
}

func toAPIVault(v *vaults.Vault) api.Vault {
	return api.Vault{
		ID:               v.ID,
		Name:             v.Name,
		ProtectedDataKey: v.ProtectedDataKey,
		SyncEnabled:      v.SyncEnabled,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
}

func (e *Engine) toStoreSnapshot(ctx context.Context, s *api.Snapshot) store.Snapshot {
	out := store.NewSnapshot()
	for _, item := range s.Items {
		t, err := store.ParseTable(item.Type)
		if err != nil {
			e.logger.Warn(ctx, "ignoring item of unknown type", "id", item.ID, "type", item.Type)
			continue
		}
		out[t].Entities[item.ID] = item.DeletedAt != nil
		for _, v := range item.Versions {
			out[t].Versions[v.ID] = v.DeletedAt != nil
		}
	}
	return out
}
