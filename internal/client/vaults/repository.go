package vaults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
)

// Vault is a registry record. The data key is only ever stored wrapped.
type Vault struct {
	ID               string
	Name             string
	ProtectedDataKey string
	SyncEnabled      bool
	LastSyncedAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Repository persists vault records in the device registry.
type Repository interface {
	Insert(ctx context.Context, v *Vault) error
	Update(ctx context.Context, v *Vault) error
	Get(ctx context.Context, id string) (*Vault, error)
	List(ctx context.Context) ([]*Vault, error)
	Delete(ctx context.Context, id string) error
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const vaultColumns = `id, name, protected_data_key, sync_enabled, last_synced_at, created_at, updated_at`

func (r *SQLiteRepository) Insert(ctx context.Context, v *Vault) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO vaults (`+vaultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.ProtectedDataKey, v.SyncEnabled, optionalTime(v.LastSyncedAt),
		common.FormatTime(v.CreatedAt), common.FormatTime(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, v *Vault) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE vaults
		SET name = ?, protected_data_key = ?, sync_enabled = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, v.Name, v.ProtectedDataKey, v.SyncEnabled, optionalTime(v.LastSyncedAt), common.FormatTime(v.UpdatedAt), v.ID)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	if dbx.RowsAffected(res) == 0 {
		return common.ErrVaultNotFound
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Vault, error) {
	v, err := scanVault(r.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return v, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*Vault, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE deleted_at IS NULL ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	defer rows.Close()

	var out []*Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vault row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vault rows: %w", err)
	}
	return out, nil
}

// Delete removes the record. The vault's own database is removed by the
// service.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM vaults WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete vault: %w", err)
	}
	if dbx.RowsAffected(res) == 0 {
		return common.ErrVaultNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(sc rowScanner) (*Vault, error) {
	var (
		v                    Vault
		lastSynced           sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&v.ID, &v.Name, &v.ProtectedDataKey, &v.SyncEnabled, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if v.CreatedAt, err = common.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = common.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		t, err := common.ParseTime(lastSynced.String)
		if err != nil {
			return nil, err
		}
		v.LastSyncedAt = &t
	}
	return &v, nil
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return common.FormatTime(*t)
}
