package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/repomanager"
)

// Notifier receives vault events after the change is committed.
type Notifier interface {
	Publish(ev api.VaultEvent)
}

func publish(n Notifier, typ, vaultID, id string) {
	if n == nil {
		return
	}
	n.Publish(api.VaultEvent{Type: typ, VaultID: vaultID, ID: id})
}

// ownedVault loads a vault and checks that userID owns it.
func ownedVault(ctx context.Context, rm repomanager.RepositoryManager, db dbx.DBTX, userID, vaultID string) (*models.Vault, error) {
	v, err := rm.Vaults(db).Get(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.OwnerID != userID {
		return nil, fmt.Errorf("vault %s: %w", vaultID, common.ErrForbidden)
	}
	return v, nil
}

// Snapshot is every item of a vault with the ids and tombstones of its
// versions.
type Snapshot struct {
	Vault    *models.Vault
	Items    []models.Item
	Versions map[string][]models.Version
}

// VaultService manages vault records on behalf of their owner.
type VaultService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	notifier    Notifier
}

func NewVaultService(db *sql.DB, m repomanager.RepositoryManager, n Notifier) *VaultService {
	return &VaultService{db: db, repomanager: m, notifier: n}
}

// Create stores a vault owned by userID. The id is chosen by the client.
func (s *VaultService) Create(ctx context.Context, userID string, v *models.Vault) error {
	if v.ID == "" || v.ProtectedDataKey == "" {
		return fmt.Errorf("%w: vault id and key are required", common.ErrInvalidOrCorruptedData)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	v.OwnerID = userID
	return s.repomanager.Vaults(s.db).Create(ctx, v)
}

func (s *VaultService) Get(ctx context.Context, userID, vaultID string) (*models.Vault, error) {
	return ownedVault(ctx, s.repomanager, s.db, userID, vaultID)
}

func (s *VaultService) List(ctx context.Context, userID string) ([]models.Vault, error) {
	return s.repomanager.Vaults(s.db).ListByOwner(ctx, userID)
}

// Update applies u when it is not older than the stored record and returns
// the record as it is afterwards. A stale update leaves the vault untouched.
func (s *VaultService) Update(ctx context.Context, userID, vaultID string, u api.VaultUpdate) (*models.Vault, error) {
	var changed bool
	v, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*models.Vault, error) {
		v, err := ownedVault(ctx, s.repomanager, tx, userID, vaultID)
		if err != nil {
			return nil, err
		}
		if u.UpdatedAt.Before(v.UpdatedAt) {
			return v, nil
		}
		v.Name = u.Name
		v.SyncEnabled = u.SyncEnabled
		if u.ProtectedDataKey != "" {
			v.ProtectedDataKey = u.ProtectedDataKey
		}
		v.UpdatedAt = u.UpdatedAt
		if err := s.repomanager.Vaults(tx).Update(ctx, v); err != nil {
			return nil, err
		}
		changed = true
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		publish(s.notifier, api.EventVaultUpdate, vaultID, vaultID)
	}
	return v, nil
}

// Snapshot lists the vault's items and version ids. Payloads are left out.
func (s *VaultService) Snapshot(ctx context.Context, userID, vaultID string) (*Snapshot, error) {
	v, err := ownedVault(ctx, s.repomanager, s.db, userID, vaultID)
	if err != nil {
		return nil, err
	}
	items, err := s.repomanager.Items(s.db).ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	versions, err := s.repomanager.Versions(s.db).ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	byItem := make(map[string][]models.Version, len(items))
	for _, ver := range versions {
		byItem[ver.ItemID] = append(byItem[ver.ItemID], ver)
	}
	return &Snapshot{Vault: v, Items: items, Versions: byItem}, nil
}
