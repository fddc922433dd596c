// Package vaults stores the server copy of vault records.
package vaults

import (
	"context"

	"github.com/dmitrijs2005/vaultsync/internal/server/models"
)

type Repository interface {
	// Create inserts v. An existing id yields common.ErrConflict.
	Create(ctx context.Context, v *models.Vault) error
	// Get returns common.ErrVaultNotFound when id is unknown.
	Get(ctx context.Context, id string) (*models.Vault, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Vault, error)
	// Update overwrites the mutable fields of v.
	Update(ctx context.Context, v *models.Vault) error
}
