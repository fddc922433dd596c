// Package vaults manages the device's vault registry: creating vaults,
// unlocking them into ephemeral key storage, tracking the current vault and
// opening the per-vault entity stores.
package vaults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/vaultsync/internal/client/localdb"
	"github.com/dmitrijs2005/vaultsync/internal/client/migrations"
	"github.com/dmitrijs2005/vaultsync/internal/client/store"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/cryptox"
	"github.com/dmitrijs2005/vaultsync/internal/events"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

type Service struct {
	db      *sql.DB
	repo    Repository
	dataDir string
	crypto  *cryptox.EncryptionService
	keys    KeyStorage
	bus     *events.Bus
	logger  logging.Logger
	base    logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	current string
	stores  map[string]*store.Store
}

func NewService(db *sql.DB, dataDir string, crypto *cryptox.EncryptionService, keys KeyStorage,
	bus *events.Bus, logger logging.Logger) *Service {
	return &Service{
		db:      db,
		repo:    NewSQLiteRepository(db),
		dataDir: dataDir,
		crypto:  crypto,
		keys:    keys,
		bus:     bus,
		logger:  logger.With("module", "vaults"),
		base:    logger,
		now:     time.Now,
		stores:  make(map[string]*store.Store),
	}
}

// Keys exposes the key storage the stores read from.
func (s *Service) Keys() KeyStorage { return s.keys }

func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *Service) dispatch(ctx context.Context, t events.Type, p events.Payload) {
	s.bus.Dispatch(ctx, events.Event{Type: t, Payload: p})
}

func (s *Service) changed(ctx context.Context, id string, action events.VaultAction) {
	s.dispatch(ctx, events.TypeVaultChange, events.VaultChange{VaultID: id, Action: action})
}

// Create makes a new vault protected by password and leaves it unlocked.
func (s *Service) Create(ctx context.Context, name, password string, syncEnabled bool) (*Vault, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("vault name is required")
	}
	dataKey, protected, err := s.crypto.DeriveAndWrapNewKey(password)
	if err != nil {
		return nil, err
	}
	now := s.stamp()
	v := &Vault{
		ID:               uuid.NewString(),
		Name:             name,
		ProtectedDataKey: protected,
		SyncEnabled:      syncEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, v); err != nil {
		return nil, err
	}
	s.keys.Set(v.ID, dataKey)
	s.logger.Info(ctx, "vault created", "vault", v.ID)
	s.changed(ctx, v.ID, events.VaultCreated)
	return v, nil
}

// Unlock unwraps the vault's data key with password into key storage.
func (s *Service) Unlock(ctx context.Context, id, password string) error {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	dataKey, err := s.crypto.UnwrapKey(v.ProtectedDataKey, password)
	if err != nil {
		return err
	}
	s.keys.Set(id, dataKey)
	s.dispatch(ctx, events.TypeVaultUnlock, events.VaultRef{VaultID: id})
	return nil
}

// Lock forgets the vault's data key.
func (s *Service) Lock(ctx context.Context, id string) {
	s.keys.Delete(id)
	s.dispatch(ctx, events.TypeVaultLock, events.VaultRef{VaultID: id})
}

func (s *Service) IsUnlocked(id string) bool {
	_, ok := s.keys.DataKey(id)
	return ok
}

func (s *Service) update(ctx context.Context, id string, action events.VaultAction, mutate func(*Vault) error) (*Vault, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(v); err != nil {
		return nil, err
	}
	v.UpdatedAt = s.stamp()
	if err := s.repo.Update(ctx, v); err != nil {
		return nil, err
	}
	s.changed(ctx, id, action)
	return v, nil
}

func (s *Service) Rename(ctx context.Context, id, name string) (*Vault, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("vault name is required")
	}
	return s.update(ctx, id, events.VaultUpdated, func(v *Vault) error {
		v.Name = name
		return nil
	})
}

func (s *Service) SetSyncEnabled(ctx context.Context, id string, enabled bool) (*Vault, error) {
	return s.update(ctx, id, events.VaultUpdated, func(v *Vault) error {
		v.SyncEnabled = enabled
		return nil
	})
}

// ChangePassword rewraps the same data key under a new password. Data never
// needs re-encryption.
func (s *Service) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	_, err := s.update(ctx, id, events.VaultPasswordChanged, func(v *Vault) error {
		rewrapped, err := s.crypto.RewrapKey(v.ProtectedDataKey, oldPassword, newPassword)
		if err != nil {
			return err
		}
		v.ProtectedDataKey = rewrapped
		return nil
	})
	return err
}

// ApplyRemote overwrites the synced fields of a vault with a newer copy from
// the server, keeping the server's updatedAt.
func (s *Service) ApplyRemote(ctx context.Context, remote *Vault) error {
	v, err := s.repo.Get(ctx, remote.ID)
	if err != nil {
		return err
	}
	v.Name = remote.Name
	v.ProtectedDataKey = remote.ProtectedDataKey
	v.SyncEnabled = remote.SyncEnabled
	v.UpdatedAt = remote.UpdatedAt
	if err := s.repo.Update(ctx, v); err != nil {
		return err
	}
	s.changed(ctx, v.ID, events.VaultUpdated)
	return nil
}

// Adopt registers a vault that exists on the server but not yet on this
// device. It stays locked until unlocked with its password; the first sync
// downloads its entities.
func (s *Service) Adopt(ctx context.Context, remote *Vault) (*Vault, error) {
	_, err := s.repo.Get(ctx, remote.ID)
	if err == nil {
		return nil, fmt.Errorf("vault %s is already on this device", remote.ID)
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	v := *remote
	v.LastSyncedAt = nil
	if err := s.repo.Insert(ctx, &v); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "vault adopted", "vault", v.ID)
	s.changed(ctx, v.ID, events.VaultCreated)
	return &v, nil
}

// MarkSynced records a completed sync without touching updatedAt.
func (s *Service) MarkSynced(ctx context.Context, id string, at time.Time) error {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	at = at.UTC().Truncate(time.Millisecond)
	v.LastSyncedAt = &at
	return s.repo.Update(ctx, v)
}

// Delete removes the vault from this device together with its database.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	if st, ok := s.stores[id]; ok {
		_ = st.Close()
		delete(s.stores, id)
	}
	if s.current == id {
		s.current = ""
	}
	s.mu.Unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.keys.Delete(id)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.storePath(id) + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "failed to remove vault file", "vault", id, "error", err)
		}
	}
	s.changed(ctx, id, events.VaultDeleted)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Vault, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Vault, error) {
	return s.repo.List(ctx)
}

// Find resolves a vault by id or by exact name.
func (s *Service) Find(ctx context.Context, ref string) (*Vault, error) {
	if v, err := s.repo.Get(ctx, ref); err == nil {
		return v, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range all {
		if v.Name == ref {
			return v, nil
		}
	}
	return nil, common.ErrVaultNotFound
}

// Open makes id the current vault.
func (s *Service) Open(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.current
	s.current = id
	s.mu.Unlock()

	if prev != "" && prev != id {
		s.dispatch(ctx, events.TypeVaultClose, events.VaultRef{VaultID: prev})
	}
	s.dispatch(ctx, events.TypeVaultOpen, events.VaultRef{VaultID: id})
	return nil
}

// CloseCurrent clears the current vault.
func (s *Service) CloseCurrent(ctx context.Context) {
	s.mu.Lock()
	prev := s.current
	s.current = ""
	s.mu.Unlock()
	if prev != "" {
		s.dispatch(ctx, events.TypeVaultClose, events.VaultRef{VaultID: prev})
	}
}

// Current returns the open vault or ErrNoCurrentVault.
func (s *Service) Current(ctx context.Context) (*Vault, error) {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	if id == "" {
		return nil, common.ErrNoCurrentVault
	}
	v, err := s.repo.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNoCurrentVault
	}
	return v, err
}

func (s *Service) storePath(id string) string {
	return filepath.Join(s.dataDir, "vaults", id+".db")
}

// OpenStore returns the entity store of a vault, opening and migrating its
// database on first use.
func (s *Service) OpenStore(ctx context.Context, id string) (*store.Store, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[id]; ok {
		return st, nil
	}
	db, err := localdb.Open(ctx, s.storePath(id), migrations.Vault())
	if err != nil {
		return nil, fmt.Errorf("open vault %s: %w", id, err)
	}
	st := store.New(db, id, s.crypto, s.keys, s.bus, s.bus.Device(), s.base)
	s.stores[id] = st
	return st, nil
}

// CurrentStore is OpenStore for the current vault.
func (s *Service) CurrentStore(ctx context.Context) (*store.Store, error) {
	v, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.OpenStore(ctx, v.ID)
}

// Close closes every open store.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, st := range s.stores {
		errs = append(errs, st.Close())
		delete(s.stores, id)
	}
	return errors.Join(errs...)
}
