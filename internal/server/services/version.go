package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/server/blobs"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/repomanager"
)

// VersionService stores entity versions and keeps each item's head current.
type VersionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	blobs       blobs.Store
	notifier    Notifier
}

func NewVersionService(db *sql.DB, m repomanager.RepositoryManager, store blobs.Store, n Notifier) *VersionService {
	if store == nil {
		store = blobs.Inline{}
	}
	return &VersionService{db: db, repomanager: m, blobs: store, notifier: n}
}

// Create stores a new version and advances its item. Uploading a version
// id twice yields ErrConflict.
func (s *VersionService) Create(ctx context.Context, userID string, v *models.Version) error {
	if v.ID == "" || v.ItemID == "" || v.VaultID == "" || v.Type == "" {
		return fmt.Errorf("%w: version id, item, vault and type are required", common.ErrInvalidOrCorruptedData)
	}
	if _, err := ownedVault(ctx, s.repomanager, s.db, userID, v.VaultID); err != nil {
		return err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	payload := v.ProtectedData
	if payload != "" && v.DeletedAt == nil {
		stored, err := s.blobs.Put(ctx, blobs.Key(v.VaultID, v.ID), payload)
		if err != nil {
			return fmt.Errorf("store payload: %w", err)
		}
		v.ProtectedData = stored
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		itemsRepo := s.repomanager.Items(tx)
		existing, err := itemsRepo.Get(ctx, v.ItemID)
		switch {
		case errors.Is(err, common.ErrNotFound):
		case err != nil:
			return err
		case existing.VaultID != v.VaultID:
			return fmt.Errorf("item %s belongs to another vault: %w", v.ItemID, common.ErrConflict)
		}

		if err := itemsRepo.Upsert(ctx, &models.Item{
			ID:            v.ItemID,
			VaultID:       v.VaultID,
			Type:          v.Type,
			HeadVersionID: v.ID,
			CreatedAt:     v.CreatedAt,
			UpdatedAt:     v.CreatedAt,
		}); err != nil {
			return err
		}
		if err := s.repomanager.Versions(tx).Create(ctx, v); err != nil {
			return err
		}
		if v.DeletedAt != nil {
			return itemsRepo.RefreshHead(ctx, v.ItemID)
		}
		return nil
	})
	if err != nil {
		// The object key is derived from the version id, so on a conflict
		// it belongs to the version already stored.
		if !errors.Is(err, common.ErrConflict) && v.ProtectedData != payload {
			_ = s.blobs.Delete(ctx, v.ProtectedData)
		}
		v.ProtectedData = payload
		return err
	}
	v.ProtectedData = payload

	publish(s.notifier, api.EventVersionCreate, v.VaultID, v.ID)
	return nil
}

// Get returns a version with its payload resolved.
func (s *VersionService) Get(ctx context.Context, userID, id string) (*models.Version, error) {
	v, err := s.repomanager.Versions(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ownedVault(ctx, s.repomanager, s.db, userID, v.VaultID); err != nil {
		return nil, err
	}
	if v.ProtectedData != "" {
		data, err := s.blobs.Get(ctx, v.ProtectedData)
		if err != nil {
			return nil, err
		}
		v.ProtectedData = data
	}
	return v, nil
}

func (s *VersionService) GetItem(ctx context.Context, userID, id string) (*models.Item, error) {
	it, err := s.repomanager.Items(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ownedVault(ctx, s.repomanager, s.db, userID, it.VaultID); err != nil {
		return nil, err
	}
	return it, nil
}

// DeleteVersion tombstones a version, or removes it when purge is set, and
// re-points its item at the newest remaining live version.
func (s *VersionService) DeleteVersion(ctx context.Context, userID, id string, purge bool) error {
	v, err := s.repomanager.Versions(s.db).Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ownedVault(ctx, s.repomanager, s.db, userID, v.VaultID); err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Versions(tx)
		var err error
		if purge {
			err = repo.Delete(ctx, id)
		} else {
			err = repo.Tombstone(ctx, id, time.Now().UTC())
		}
		if err != nil {
			return err
		}
		return s.repomanager.Items(tx).RefreshHead(ctx, v.ItemID)
	})
	if err != nil {
		return err
	}

	publish(s.notifier, api.EventVersionDelete, v.VaultID, id)
	return s.blobs.Delete(ctx, v.ProtectedData)
}

// DeleteItem tombstones an item with all of its versions, or removes them
// when purge is set.
func (s *VersionService) DeleteItem(ctx context.Context, userID, id string, purge bool) error {
	it, err := s.GetItem(ctx, userID, id)
	if err != nil {
		return err
	}
	versions, err := s.repomanager.Versions(s.db).ListByItem(ctx, id)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		versionsRepo, itemsRepo := s.repomanager.Versions(tx), s.repomanager.Items(tx)
		if purge {
			if _, err := versionsRepo.DeleteByItem(ctx, id); err != nil {
				return err
			}
			return itemsRepo.Delete(ctx, id)
		}
		now := time.Now().UTC()
		if _, err := versionsRepo.TombstoneByItem(ctx, id, now); err != nil {
			return err
		}
		return itemsRepo.Tombstone(ctx, id, now)
	})
	if err != nil {
		return err
	}

	publish(s.notifier, api.EventVersionDelete, it.VaultID, id)

	var errs []error
	for _, v := range versions {
		errs = append(errs, s.blobs.Delete(ctx, v.ProtectedData))
	}
	return errors.Join(errs...)
}
