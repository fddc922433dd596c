package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
)

const itemColumns = `id, vault_id, type, head_version_id, created_at, updated_at, deleted_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*models.Item, error) {
	var (
		it   models.Item
		head sql.NullString
	)
	if err := s.Scan(&it.ID, &it.VaultID, &it.Type, &head, &it.CreatedAt, &it.UpdatedAt, &it.DeletedAt); err != nil {
		return nil, err
	}
	it.HeadVersionID = head.String
	return &it, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`

	it, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrEntityNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return it, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, it *models.Item) error {
	query := `
		INSERT INTO items (id, vault_id, type, head_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET head_version_id = EXCLUDED.head_version_id, updated_at = EXCLUDED.updated_at
		WHERE items.vault_id = EXCLUDED.vault_id
		  AND items.deleted_at IS NULL
		  AND items.updated_at <= EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		it.ID, it.VaultID, it.Type, nullString(it.HeadVersionID), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByVault(ctx context.Context, vaultID string) ([]models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE vault_id = $1 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, vaultID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Tombstone marks the item deleted. Tombstoning twice keeps the first time.
func (r *PostgresRepository) Tombstone(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE items SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RefreshHead(ctx context.Context, id string) error {
	query := `
		UPDATE items SET head_version_id = (
			SELECT v.id FROM versions v
			WHERE v.item_id = $1 AND v.deleted_at IS NULL
			ORDER BY v.created_at DESC, v.id DESC
			LIMIT 1
		)
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
