// Package items stores the server view of entities: one row per entity with
// a pointer to its head version.
package items

import (
	"context"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/server/models"
)

type Repository interface {
	// Get returns common.ErrEntityNotFound when id is unknown.
	Get(ctx context.Context, id string) (*models.Item, error)
	// Upsert inserts it or advances the head of an existing live item. An
	// older update never moves the head backwards and a tombstoned item
	// stays tombstoned.
	Upsert(ctx context.Context, it *models.Item) error
	ListByVault(ctx context.Context, vaultID string) ([]models.Item, error)
	Tombstone(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	// RefreshHead re-points the item at its newest live version.
	RefreshHead(ctx context.Context, id string) error
}
