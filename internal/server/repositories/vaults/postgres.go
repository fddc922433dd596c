package vaults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/pgerr"
)

const vaultColumns = `id, owner_id, name, protected_data_key, sync_enabled, created_at, updated_at, deleted_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVault(s scanner) (*models.Vault, error) {
	v := &models.Vault{}
	err := s.Scan(&v.ID, &v.OwnerID, &v.Name, &v.ProtectedDataKey, &v.SyncEnabled, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *PostgresRepository) Create(ctx context.Context, v *models.Vault) error {
	query := `
		INSERT INTO vaults (id, owner_id, name, protected_data_key, sync_enabled, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.OwnerID, v.Name, v.ProtectedDataKey, v.SyncEnabled, v.CreatedAt, v.UpdatedAt, v.DeletedAt)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return fmt.Errorf("vault %s: %w", v.ID, common.ErrConflict)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE id = $1`

	v, err := scanVault(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrVaultNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE owner_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Update(ctx context.Context, v *models.Vault) error {
	query := `
		UPDATE vaults
		SET name = $2, protected_data_key = $3, sync_enabled = $4, updated_at = $5, deleted_at = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		v.ID, v.Name, v.ProtectedDataKey, v.SyncEnabled, v.UpdatedAt, v.DeletedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if dbx.RowsAffected(res) == 0 {
		return common.ErrVaultNotFound
	}
	return nil
}
