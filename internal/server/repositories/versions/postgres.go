package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/pgerr"
)

const versionColumns = `id, vault_id, item_id, type, previous_version_id, created_at, created_by, deleted_at, protected_data`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(s scanner) (*models.Version, error) {
	var (
		v          models.Version
		prev, data sql.NullString
	)
	err := s.Scan(&v.ID, &v.VaultID, &v.ItemID, &v.Type, &prev, &v.CreatedAt, &v.CreatedBy, &v.DeletedAt, &data)
	if err != nil {
		return nil, err
	}
	v.PreviousVersionID = prev.String
	v.ProtectedData = data.String
	return &v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Create(ctx context.Context, v *models.Version) error {
	query := `
		INSERT INTO versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.VaultID, v.ItemID, v.Type, nullString(v.PreviousVersionID),
		v.CreatedAt, v.CreatedBy, v.DeletedAt, nullString(v.ProtectedData))
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return fmt.Errorf("version %s: %w", v.ID, common.ErrConflict)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE id = $1`

	v, err := scanVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrVersionNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, arg string) ([]models.Version, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
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

func (r *PostgresRepository) ListByVault(ctx context.Context, vaultID string) ([]models.Version, error) {
	query := `
		SELECT id, vault_id, item_id, type, previous_version_id, created_at, created_by, deleted_at, NULL
		FROM versions WHERE vault_id = $1
		ORDER BY created_at, id
	`
	return r.list(ctx, query, vaultID)
}

func (r *PostgresRepository) ListByItem(ctx context.Context, itemID string) ([]models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE item_id = $1 ORDER BY created_at, id`
	return r.list(ctx, query, itemID)
}

func (r *PostgresRepository) Tombstone(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE versions SET deleted_at = $2, protected_data = NULL
		WHERE id = $1 AND deleted_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TombstoneByItem(ctx context.Context, itemID string, at time.Time) (int64, error) {
	query := `
		UPDATE versions SET deleted_at = $2, protected_data = NULL
		WHERE item_id = $1 AND deleted_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, itemID, at)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffected(res), nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM versions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteByItem(ctx context.Context, itemID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM versions WHERE item_id = $1`, itemID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffected(res), nil
}
