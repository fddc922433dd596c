package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/items"
	refreshtokensrepo "github.com/dmitrijs2005/vaultsync/internal/server/repositories/refreshtokens"
	usersrepo "github.com/dmitrijs2005/vaultsync/internal/server/repositories/users"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/vaults"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/versions"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

// expectTx registers n committed transactions.
func expectTx(mock sqlmock.Sqlmock, n int) {
	for range n {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
}

// memStore is an in-memory stand-in for the vault, item and version tables.
type memStore struct {
	mu       sync.Mutex
	vaults   map[string]models.Vault
	items    map[string]models.Item
	versions map[string]models.Version
	err      error
}

func newMemStore() *memStore {
	return &memStore{
		vaults:   map[string]models.Vault{},
		items:    map[string]models.Item{},
		versions: map[string]models.Version{},
	}
}

type memVaults struct{ *memStore }

func (m memVaults) Create(_ context.Context, v *models.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.vaults[v.ID]; ok {
		return common.ErrConflict
	}
	m.vaults[v.ID] = *v
	return nil
}

func (m memVaults) Get(_ context.Context, id string) (*models.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	if !ok {
		return nil, common.ErrVaultNotFound
	}
	return &v, nil
}

func (m memVaults) ListByOwner(_ context.Context, ownerID string) ([]models.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Vault
	for _, v := range m.vaults {
		if v.OwnerID == ownerID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memVaults) Update(_ context.Context, v *models.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.ID]; !ok {
		return common.ErrVaultNotFound
	}
	m.vaults[v.ID] = *v
	return nil
}

type memItems struct{ *memStore }

func (m memItems) Get(_ context.Context, id string) (*models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, common.ErrEntityNotFound
	}
	return &it, nil
}

func (m memItems) Upsert(_ context.Context, it *models.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		m.items[it.ID] = *it
		return nil
	}
	if cur.VaultID == it.VaultID && cur.DeletedAt == nil && !cur.UpdatedAt.After(it.UpdatedAt) {
		cur.HeadVersionID = it.HeadVersionID
		cur.UpdatedAt = it.UpdatedAt
		m.items[it.ID] = cur
	}
	return nil
}

func (m memItems) ListByVault(_ context.Context, vaultID string) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Item
	for _, it := range m.items {
		if it.VaultID == vaultID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memItems) Tombstone(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok && it.DeletedAt == nil {
		it.DeletedAt, it.UpdatedAt = &at, at
		m.items[id] = it
	}
	return nil
}

func (m memItems) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m memItems) RefreshHead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil
	}
	var head *models.Version
	for _, v := range m.versions {
		if v.ItemID != id || v.DeletedAt != nil {
			continue
		}
		if head == nil || v.CreatedAt.After(head.CreatedAt) {
			head = &v
		}
	}
	it.HeadVersionID = ""
	if head != nil {
		it.HeadVersionID = head.ID
	}
	m.items[id] = it
	return nil
}

type memVersions struct{ *memStore }

func (m memVersions) Create(_ context.Context, v *models.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.versions[v.ID]; ok {
		return common.ErrConflict
	}
	m.versions[v.ID] = *v
	return nil
}

func (m memVersions) Get(_ context.Context, id string) (*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, common.ErrVersionNotFound
	}
	return &v, nil
}

func (m memVersions) list(keep func(models.Version) bool) []models.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Version
	for _, v := range m.versions {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m memVersions) ListByVault(_ context.Context, vaultID string) ([]models.Version, error) {
	out := m.list(func(v models.Version) bool { return v.VaultID == vaultID })
	for i := range out {
		out[i].ProtectedData = ""
	}
	return out, nil
}

func (m memVersions) ListByItem(_ context.Context, itemID string) ([]models.Version, error) {
	return m.list(func(v models.Version) bool { return v.ItemID == itemID }), nil
}

func (m memVersions) Tombstone(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[id]; ok && v.DeletedAt == nil {
		v.DeletedAt, v.ProtectedData = &at, ""
		m.versions[id] = v
	}
	return nil
}

func (m memVersions) TombstoneByItem(ctx context.Context, itemID string, at time.Time) (int64, error) {
	var n int64
	for _, v := range m.list(func(v models.Version) bool { return v.ItemID == itemID && v.DeletedAt == nil }) {
		_ = m.Tombstone(ctx, v.ID, at)
		n++
	}
	return n, nil
}

func (m memVersions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, id)
	return nil
}

func (m memVersions) DeleteByItem(ctx context.Context, itemID string) (int64, error) {
	var n int64
	for _, v := range m.list(func(v models.Version) bool { return v.ItemID == itemID }) {
		_ = m.Delete(ctx, v.ID)
		n++
	}
	return n, nil
}

type fakeRepoManager struct {
	u     usersrepo.Repository
	r     refreshtokensrepo.Repository
	store *memStore
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{store: newMemStore()}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error           { return nil }
func (m *fakeRepoManager) Users(db dbx.DBTX) usersrepo.Repository                 { return m.u }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokensrepo.Repository { return m.r }
func (m *fakeRepoManager) Vaults(db dbx.DBTX) vaults.Repository                   { return memVaults{m.store} }
func (m *fakeRepoManager) Items(db dbx.DBTX) items.Repository                     { return memItems{m.store} }
func (m *fakeRepoManager) Versions(db dbx.DBTX) versions.Repository               { return memVersions{m.store} }

type recordingNotifier struct {
	events []api.VaultEvent
}

func (n *recordingNotifier) Publish(ev api.VaultEvent) { n.events = append(n.events, ev) }
