// Package versions stores encrypted entity versions.
package versions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/server/models"
)

type Repository interface {
	// Create inserts v. An existing id yields common.ErrConflict.
	Create(ctx context.Context, v *models.Version) error
	// Get returns common.ErrVersionNotFound when id is unknown.
	Get(ctx context.Context, id string) (*models.Version, error)
	// ListByVault returns every version of the vault without its payload.
	ListByVault(ctx context.Context, vaultID string) ([]models.Version, error)
	ListByItem(ctx context.Context, itemID string) ([]models.Version, error)
	// Tombstone marks the version deleted and drops its payload.
	Tombstone(ctx context.Context, id string, at time.Time) error
	TombstoneByItem(ctx context.Context, itemID string, at time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteByItem(ctx context.Context, itemID string) (int64, error)
}
