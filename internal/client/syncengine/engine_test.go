package syncengine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/client/localdb"
	"github.com/dmitrijs2005/vaultsync/internal/client/migrations"
	"github.com/dmitrijs2005/vaultsync/internal/client/store"
	"github.com/dmitrijs2005/vaultsync/internal/client/vaults"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/cryptox"
	"github.com/dmitrijs2005/vaultsync/internal/events"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// fakeServer keeps one vault's server state in memory.
type fakeServer struct {
	mu       sync.Mutex
	vault    *api.Vault
	items    map[string]*api.Item
	versions map[string]*api.Version
	calls    map[string]int
}

func newFakeServer() *fakeServer {
	return &fakeServer{items: map[string]*api.Item{}, versions: map[string]*api.Version{}, calls: map[string]int{}}
}

func (f *fakeServer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeServer) GetSnapshot(_ context.Context, vaultID string) (*api.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetSnapshot"]++
	if f.vault == nil || f.vault.ID != vaultID {
		return nil, common.ErrNotFound
	}
	s := &api.Snapshot{Vault: api.SnapshotVault{UpdatedAt: f.vault.UpdatedAt}}
	for _, item := range f.items {
		is := api.ItemSnapshot{ID: item.ID, Type: item.Type, DeletedAt: item.DeletedAt}
		for _, v := range f.versions {
			if v.ObjectID == item.ID {
				is.Versions = append(is.Versions, api.VersionSnapshot{ID: v.ID, DeletedAt: v.DeletedAt})
			}
		}
		s.Items = append(s.Items, is)
	}
	return s, nil
}

func (f *fakeServer) CreateVault(_ context.Context, v api.Vault) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateVault"]++
	if f.vault != nil {
		return common.ErrConflict
	}
	f.vault = &v
	return nil
}

func (f *fakeServer) GetVault(_ context.Context, id string) (*api.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vault == nil || f.vault.ID != id {
		return nil, common.ErrNotFound
	}
	v := *f.vault
	return &v, nil
}

func (f *fakeServer) UpdateVault(_ context.Context, id string, u api.VaultUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateVault"]++
	if f.vault == nil || f.vault.ID != id {
		return common.ErrNotFound
	}
	f.vault.Name, f.vault.ProtectedDataKey, f.vault.SyncEnabled, f.vault.UpdatedAt = u.Name, u.ProtectedDataKey, u.SyncEnabled, u.UpdatedAt
	return nil
}

func (f *fakeServer) CreateVersion(_ context.Context, v api.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateVersion"]++
	if _, ok := f.versions[v.ID]; ok {
		return common.ErrConflict
	}
	f.versions[v.ID] = &v
	item, ok := f.items[v.ObjectID]
	if !ok {
		f.items[v.ObjectID] = &api.Item{ID: v.ObjectID, VaultID: v.VaultID, Type: v.Type, HeadVersionID: v.ID,
			CreatedAt: v.CreatedAt, UpdatedAt: v.CreatedAt, DeletedAt: v.DeletedAt}
		return nil
	}
	if v.CreatedAt.After(item.UpdatedAt) {
		item.HeadVersionID, item.UpdatedAt = v.ID, v.CreatedAt
	}
	return nil
}

func (f *fakeServer) GetVersion(_ context.Context, id string) (*api.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeServer) DeleteVersion(_ context.Context, id string, purge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteVersion"]++
	v, ok := f.versions[id]
	if !ok {
		return common.ErrNotFound
	}
	if purge {
		delete(f.versions, id)
		return nil
	}
	now := time.Now().UTC()
	v.DeletedAt = &now
	return nil
}

func (f *fakeServer) GetItem(_ context.Context, id string) (*api.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (f *fakeServer) DeleteItem(_ context.Context, id string, purge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteItem"]++
	item, ok := f.items[id]
	if !ok {
		return common.ErrNotFound
	}
	if purge {
		delete(f.items, id)
		for vid, v := range f.versions {
			if v.ObjectID == id {
				delete(f.versions, vid)
			}
		}
		return nil
	}
	now := time.Now().UTC()
	item.DeletedAt = &now
	for _, v := range f.versions {
		if v.ObjectID == id && v.DeletedAt == nil {
			v.DeletedAt = &now
		}
	}
	return nil
}

type harness struct {
	engine *Engine
	server *fakeServer
	vaults *vaults.Service
	crypto *cryptox.EncryptionService
	bus    *events.Bus
	vault  *vaults.Vault
	store  *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := localdb.Open(ctx, filepath.Join(dir, "registry.db"), migrations.Registry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	crypto := cryptox.NewEncryptionService()
	bus := events.NewBus(events.NewDeviceContext(), logging.Nop())
	keys := vaults.NewMemoryKeyStorage()
	svc := vaults.NewService(db, dir, crypto, keys, bus, logging.Nop())
	t.Cleanup(func() { _ = svc.Close() })

	v, err := svc.Create(ctx, "main", "pw", true)
	require.NoError(t, err)
	st, err := svc.OpenStore(ctx, v.ID)
	require.NoError(t, err)

	server := newFakeServer()
	return &harness{
		engine: New(server, svc, keys, crypto, bus, logging.Nop()),
		server: server,
		vaults: svc,
		crypto: crypto,
		bus:    bus,
		vault:  v,
		store:  st,
	}
}

func (h *harness) key(t *testing.T) string {
	k, ok := h.vaults.Keys().DataKey(h.vault.ID)
	require.True(t, ok)
	return k
}

// seedRemote puts one item with one version on the server as another device
// would have uploaded it.
func (h *harness) seedRemote(t *testing.T, entityID, versionID string, data store.Data, at time.Time) {
	t.Helper()
	protected, err := h.crypto.Encrypt(h.key(t), data)
	require.NoError(t, err)
	require.NoError(t, h.server.CreateVersion(context.Background(), api.Version{
		ID: versionID, VaultID: h.vault.ID, Type: string(store.TableContentItems), ObjectID: entityID,
		CreatedAt: at, CreatedBy: "other-device", ProtectedData: protected,
	}))
}

func TestRequestSync_CreatesVaultAndUploads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	a, err := h.store.Create(ctx, store.TableContentItems, store.Data{"title": "a"}, "me")
	require.NoError(t, err)
	_, err = h.store.Update(ctx, store.TableContentItems, a, store.Data{"title": "a2"}, "me")
	require.NoError(t, err)
	_, err = h.store.Create(ctx, store.TableFields, store.Data{"name": "f"}, "me")
	require.NoError(t, err)

	// Let the event-driven uploads settle so the counts below are stable.
	require.Eventually(t, func() bool { return h.server.count("CreateVersion") == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	assert.Equal(t, StatusIdle, h.engine.Status(h.vault.ID))
	assert.Equal(t, 1, h.server.count("CreateVault"))
	require.NotNil(t, h.server.vault)
	assert.Equal(t, h.vault.ProtectedDataKey, h.server.vault.ProtectedDataKey)

	h.server.mu.Lock()
	assert.Len(t, h.server.versions, 3)
	assert.Len(t, h.server.items, 2)
	head := h.server.items[a].HeadVersionID
	h.server.mu.Unlock()

	e, err := h.store.Get(ctx, store.TableContentItems, a)
	require.NoError(t, err)
	assert.Equal(t, e.CurrentVersionID, head)

	local, err := h.vaults.Get(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.NotNil(t, local.LastSyncedAt)

	// Uploaded payloads are re-encrypted, still readable with the vault key.
	v, err := h.server.GetVersion(ctx, head)
	require.NoError(t, err)
	var data store.Data
	require.NoError(t, h.crypto.Decrypt(h.key(t), v.ProtectedData, &data, nil))
	assert.Equal(t, store.Data{"title": "a2"}, data)

	// A second sync finds nothing to do.
	before := h.server.count("CreateVersion")
	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	assert.Equal(t, before, h.server.count("CreateVersion"))
}

func TestRequestSync_Downloads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	require.NoError(t, h.server.CreateVault(ctx, toAPIVault(h.vault)))
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	h.seedRemote(t, "e1", "e1-v1", store.Data{"title": "one"}, base)
	h.seedRemote(t, "e1", "e1-v2", store.Data{"title": "two"}, base.Add(time.Minute))

	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))

	e, err := h.store.Get(ctx, store.TableContentItems, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1-v2", e.CurrentVersionID)
	assert.Equal(t, "two", e.Data["title"])

	versions, err := h.store.GetVersions(ctx, store.TableContentItems, "e1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, 2, h.server.count("CreateVersion"), "downloads must not be echoed back")
}

func TestRequestSync_RemoteDeleteThenPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	require.NoError(t, h.server.CreateVault(ctx, toAPIVault(h.vault)))
	h.seedRemote(t, "e1", "e1-v1", store.Data{"title": "one"}, time.Now().UTC())
	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	_, err := h.store.Get(ctx, store.TableContentItems, "e1")
	require.NoError(t, err)

	require.NoError(t, h.server.DeleteItem(ctx, "e1", false))
	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	_, err = h.store.Get(ctx, store.TableContentItems, "e1")
	assert.ErrorIs(t, err, common.ErrEntityNotFound)

	// Both sides now hold tombstones: the next sync purges them everywhere.
	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	snap, err := h.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap[store.TableContentItems].Entities)
	assert.Empty(t, snap[store.TableContentItems].Versions)
	h.server.mu.Lock()
	assert.Empty(t, h.server.items)
	assert.Empty(t, h.server.versions)
	h.server.mu.Unlock()
}

func TestHandleEvent_PushesMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.CreateVault(ctx, toAPIVault(h.vault)))

	// Inactive vault: nothing is sent.
	_, err := h.store.Create(ctx, store.TableViews, store.Data{"x": 1}, "me")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.server.count("CreateVersion"))

	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	id, err := h.store.Create(ctx, store.TableViews, store.Data{"x": 2}, "me")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.server.count("CreateVersion") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.store.Delete(ctx, store.TableViews, id))
	require.Eventually(t, func() bool { return h.server.count("DeleteItem") == 1 }, 2*time.Second, 10*time.Millisecond)

	item, err := h.server.GetItem(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, item.DeletedAt)
}

func TestRunActions_SkipsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	id, err := h.store.Create(ctx, store.TableFields, store.Data{"x": 1}, "me")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.server.count("CreateVersion") == 1 }, 2*time.Second, 10*time.Millisecond)

	h.engine.Enqueue(
		Action{Type: ActionUpload, VaultID: h.vault.ID, Table: store.TableFields, Space: SpaceVersion, ID: "missing"},
		Action{Type: ActionDeleteServer, VaultID: h.vault.ID, Table: store.TableFields, Space: SpaceEntity, ID: id},
	)
	h.engine.RunActions(ctx)
	require.Eventually(t, func() bool { return h.server.count("DeleteItem") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.engine.Pending())
}

func TestRunAction_LockedVaultIsSystemError(t *testing.T) {
	h := newHarness(t)
	h.vaults.Lock(context.Background(), h.vault.ID)

	err := h.engine.runAction(context.Background(), Action{Type: ActionUpload, VaultID: h.vault.ID, Table: store.TableFields, Space: SpaceVersion, ID: "x"})
	assert.ErrorIs(t, err, common.ErrSystem)
}

func TestRequestSync_NoopWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.engine.status[h.vault.ID] = StatusRunning

	require.NoError(t, h.engine.RequestSync(context.Background(), h.vault.ID))
	assert.Zero(t, h.server.count("GetSnapshot"))
}

func TestRequestSync_ErrorStatus(t *testing.T) {
	h := newHarness(t)
	var statuses []string
	h.bus.Subscribe(events.TypeSyncStatus, events.Func(func(e events.Event) {
		statuses = append(statuses, e.Payload.(events.SyncStatus).Status)
	}))

	err := h.engine.RequestSync(context.Background(), "unknown-vault")
	assert.ErrorIs(t, err, common.ErrVaultNotFound)
	assert.Equal(t, StatusError, h.engine.Status("unknown-vault"))
	assert.Equal(t, []string{"running", "error"}, statuses)
}

func TestReconcileVault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	remote := toAPIVault(h.vault)
	remote.Name = "from-server"
	remote.UpdatedAt = h.vault.UpdatedAt.Add(time.Millisecond)
	require.NoError(t, h.server.CreateVault(ctx, remote))

	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	local, err := h.vaults.Get(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.Equal(t, "from-server", local.Name)
	assert.Equal(t, remote.UpdatedAt.UnixMilli(), local.UpdatedAt.UnixMilli())
	assert.Zero(t, h.server.count("UpdateVault"))

	// Local change later than the server copy goes up.
	time.Sleep(5 * time.Millisecond)
	_, err = h.vaults.Rename(ctx, h.vault.ID, "renamed-locally")
	require.NoError(t, err)
	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	assert.Equal(t, 1, h.server.count("UpdateVault"))
	assert.Equal(t, "renamed-locally", h.server.vault.Name)
}

func TestDeactivate_DropsQueuedActions(t *testing.T) {
	h := newHarness(t)
	h.engine.Activate(h.vault.ID)
	h.engine.Activate("other")
	h.engine.Enqueue(
		Action{Type: ActionUpload, VaultID: h.vault.ID, ID: "a"},
		Action{Type: ActionUpload, VaultID: "other", ID: "b"},
	)
	h.engine.Deactivate(h.vault.ID)
	assert.Equal(t, []Action{{Type: ActionUpload, VaultID: "other", ID: "b"}}, h.engine.Pending())
	assert.False(t, h.engine.IsActive(h.vault.ID))
	assert.True(t, h.engine.IsActive("other"))
	h.engine.Deactivate("other")
}

// gatedServer holds CreateVersion until the gate opens or ctx ends.
type gatedServer struct {
	*fakeServer
	gate    chan struct{}
	entered chan struct{}
}

func newGatedServer(f *fakeServer) *gatedServer {
	return &gatedServer{fakeServer: f, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
}

func (g *gatedServer) CreateVersion(ctx context.Context, v api.Version) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.fakeServer.CreateVersion(ctx, v)
}

type failingUploads struct {
	*fakeServer
}

func (failingUploads) CreateVersion(context.Context, api.Version) error {
	return common.ErrNetwork
}

func TestRequestSync_WaitsForBackgroundDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.CreateVault(ctx, toAPIVault(h.vault)))
	gated := newGatedServer(h.server)
	h.engine.server = gated
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	_, err := h.store.Create(ctx, store.TableFields, store.Data{"x": 1}, "me")
	require.NoError(t, err)
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background upload did not start")
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.RequestSync(ctx, h.vault.ID) }()

	select {
	case err := <-done:
		t.Fatalf("sync finished while the queue was still draining: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	local, err := h.vaults.Get(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.Nil(t, local.LastSyncedAt)

	close(gated.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not finish")
	}
	local, err = h.vaults.Get(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.NotNil(t, local.LastSyncedAt)
	assert.Empty(t, h.engine.Pending())
}

func TestRequestSync_FailedActionsLeaveVaultUnsynced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.CreateVault(ctx, toAPIVault(h.vault)))
	_, err := h.store.Create(ctx, store.TableFields, store.Data{"x": 1}, "me")
	require.NoError(t, err)

	h.engine.server = failingUploads{h.server}
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	local, err := h.vaults.Get(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.Nil(t, local.LastSyncedAt)

	h.engine.server = h.server
	require.NoError(t, h.engine.RequestSync(ctx, h.vault.ID))
	local, err = h.vaults.Get(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.NotNil(t, local.LastSyncedAt)
}

func TestClose_StopsBackgroundDrains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.CreateVault(ctx, toAPIVault(h.vault)))
	gated := newGatedServer(h.server)
	h.engine.server = gated
	h.engine.Activate(h.vault.ID)
	defer h.engine.Deactivate(h.vault.ID)

	_, err := h.store.Create(ctx, store.TableFields, store.Data{"x": 1}, "me")
	require.NoError(t, err)
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background upload did not start")
	}

	closed := make(chan struct{})
	go func() {
		h.engine.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wait out the drain")
	}

	_, err = h.store.Create(ctx, store.TableFields, store.Data{"x": 2}, "me")
	require.NoError(t, err)
	assert.Empty(t, h.engine.Pending())
	assert.Zero(t, h.server.count("CreateVersion"))
}
