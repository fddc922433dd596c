package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/events"
)

// Snapshot lists the ids of every entity and version in the vault with
// their tombstone flags.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	out := NewSnapshot()
	for _, t := range Tables {
		q := statements[t]
		ts := out[t]
		if err := s.collect(ctx, q.snapshotEntities, ts.Entities); err != nil {
			return nil, err
		}
		if err := s.collect(ctx, q.snapshotVersions, ts.Versions); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) collect(ctx context.Context, query string, into map[string]bool) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      string
			deleted bool
		)
		if err := rows.Scan(&id, &deleted); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		into[id] = deleted
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ExportVersion returns a version row as stored, tombstoned or not.
func (s *Store) ExportVersion(ctx context.Context, table Table, versionID string) (*RawVersion, error) {
	q, err := table.sql()
	if err != nil {
		return nil, err
	}
	raw, err := scanVersion(s.db.QueryRowContext(ctx, q.selectVersion, versionID))
	if err != nil {
		return nil, notFound(err, common.ErrVersionNotFound)
	}
	return raw, nil
}

// ExportEntity returns the current version of an entity as stored.
func (s *Store) ExportEntity(ctx context.Context, table Table, entityID string) (*RawVersion, error) {
	q, err := table.sql()
	if err != nil {
		return nil, err
	}
	e, err := scanEntity(s.db.QueryRowContext(ctx, q.selectEntity, entityID), false)
	if err != nil {
		return nil, notFound(err, common.ErrEntityNotFound)
	}
	return s.ExportVersion(ctx, table, e.CurrentVersionID)
}

// ImportVersion stores a version received from the server. The entity is
// created when it does not exist yet, and its current version moves to the
// imported one when that one is newer (last writer wins, ties broken by id).
// Importing a version that is already present does nothing.
func (s *Store) ImportVersion(ctx context.Context, table Table, in VersionInput) error {
	q, err := table.sql()
	if err != nil {
		return err
	}
	key, err := s.dataKey()
	if err != nil {
		return err
	}
	if in.ID == "" || in.EntityID == "" {
		return fmt.Errorf("version without id: %w", common.ErrInvalidOrCorruptedData)
	}
	ciphertext, err := s.encrypt(key, in.Data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := common.FormatTime(in.CreatedAt)
	imported, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (bool, error) {
		_, err := scanVersion(tx.QueryRowContext(ctx, q.selectVersion, in.ID))
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("db error: %w", err)
		}

		e, err := scanEntity(tx.QueryRowContext(ctx, q.selectEntity, in.EntityID), false)
		missing := errors.Is(err, sql.ErrNoRows)
		if err != nil && !missing {
			return false, fmt.Errorf("db error: %w", err)
		}

		// A deleted entity keeps every version tombstoned, late arrivals included.
		var deletedAt any
		if !missing && e.IsDeleted {
			deletedAt = common.FormatTime(s.timestamp())
		}
		if _, err := tx.ExecContext(ctx, q.insertVersion, in.ID, in.EntityID, nullString(in.PreviousVersionID),
			createdAt, in.CreatedBy, ciphertext, deletedAt); err != nil {
			return false, fmt.Errorf("db error: %w", err)
		}

		if missing {
			if _, err := tx.ExecContext(ctx, q.insertEntity, in.EntityID, createdAt, in.CreatedBy,
				createdAt, in.CreatedBy, 0, in.ID); err != nil {
				return false, fmt.Errorf("db error: %w", err)
			}
			return true, nil
		}
		if e.IsDeleted {
			return true, nil
		}

		current, err := scanVersion(tx.QueryRowContext(ctx, q.selectVersion, e.CurrentVersionID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("db error: %w", err)
		}
		if current == nil || current.Tombstoned() || newer(in.CreatedAt.UnixMilli(), in.ID, current) {
			if _, err := tx.ExecContext(ctx, q.setCurrent, in.ID, createdAt, in.CreatedBy, in.EntityID); err != nil {
				return false, fmt.Errorf("db error: %w", err)
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if imported {
		s.dispatch(ctx, table, events.ActionCreateVersion, in.EntityID, in.ID)
	}
	return nil
}

func newer(createdAtMs int64, id string, than *RawVersion) bool {
	other := than.CreatedAt.UnixMilli()
	if createdAtMs != other {
		return createdAtMs > other
	}
	return id > than.ID
}

// TombstoneEntity applies a delete made on another device. Deleting an
// entity that is already deleted is a no-op.
func (s *Store) TombstoneEntity(ctx context.Context, table Table, entityID string) error {
	q, err := table.sql()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := common.FormatTime(s.timestamp())
	changed, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (bool, error) {
		e, err := scanEntity(tx.QueryRowContext(ctx, q.selectEntity, entityID), false)
		if err != nil {
			return false, notFound(err, common.ErrEntityNotFound)
		}
		if e.IsDeleted {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, q.markEntityDeleted, ts, entityID); err != nil {
			return false, fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.tombstoneVersions, ts, entityID); err != nil {
			return false, fmt.Errorf("db error: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.dispatch(ctx, table, events.ActionRemoteDelete, entityID, "")
	}
	return nil
}

// TombstoneVersion applies a version delete made on another device. When the
// version was current, the entity moves to its newest remaining version, or
// is deleted when none is left.
func (s *Store) TombstoneVersion(ctx context.Context, table Table, versionID string) error {
	q, err := table.sql()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := common.FormatTime(s.timestamp())
	entityID, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (string, error) {
		v, err := scanVersion(tx.QueryRowContext(ctx, q.selectVersion, versionID))
		if err != nil {
			return "", notFound(err, common.ErrVersionNotFound)
		}
		if v.Tombstoned() {
			return "", nil
		}
		if _, err := tx.ExecContext(ctx, q.tombstoneVersion, ts, versionID); err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}

		e, err := scanEntity(tx.QueryRowContext(ctx, q.selectEntity, v.EntityID), false)
		if errors.Is(err, sql.ErrNoRows) {
			return v.EntityID, nil
		}
		if err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		if e.IsDeleted || e.CurrentVersionID != versionID {
			return v.EntityID, nil
		}

		latest, err := scanVersion(tx.QueryRowContext(ctx, q.latestLiveVersion, v.EntityID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, q.markEntityDeleted, ts, v.EntityID); err != nil {
				return "", fmt.Errorf("db error: %w", err)
			}
		case err != nil:
			return "", fmt.Errorf("db error: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, q.setCurrent, latest.ID, ts, latest.CreatedBy, v.EntityID); err != nil {
				return "", fmt.Errorf("db error: %w", err)
			}
		}
		return v.EntityID, nil
	})
	if err != nil {
		return err
	}
	if entityID != "" {
		s.dispatch(ctx, table, events.ActionRemoteDelete, entityID, versionID)
	}
	return nil
}

// PurgeEntity physically removes a deleted entity and its versions. Missing
// entities are ignored; live ones are refused.
func (s *Store) PurgeEntity(ctx context.Context, table Table, entityID string) error {
	q, err := table.sql()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	purged, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (bool, error) {
		e, err := scanEntity(tx.QueryRowContext(ctx, q.selectEntity, entityID), false)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("db error: %w", err)
		}
		if !e.IsDeleted {
			return false, fmt.Errorf("purge of live entity %s: %w", entityID, common.ErrSystem)
		}
		if _, err := tx.ExecContext(ctx, q.deleteVersionsOf, entityID); err != nil {
			return false, fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.deleteEntity, entityID); err != nil {
			return false, fmt.Errorf("db error: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if purged {
		s.dispatch(ctx, table, events.ActionPurge, entityID, "")
	}
	return nil
}

// PurgeVersion physically removes a tombstoned version. Missing versions are
// ignored; live ones are refused.
func (s *Store) PurgeVersion(ctx context.Context, table Table, versionID string) error {
	q, err := table.sql()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entityID, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (string, error) {
		v, err := scanVersion(tx.QueryRowContext(ctx, q.selectVersion, versionID))
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		if !v.Tombstoned() {
			return "", fmt.Errorf("purge of live version %s: %w", versionID, common.ErrSystem)
		}
		if _, err := tx.ExecContext(ctx, q.deleteVersion, versionID); err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		return v.EntityID, nil
	})
	if err != nil {
		return err
	}
	if entityID != "" {
		s.dispatch(ctx, table, events.ActionPurge, entityID, versionID)
	}
	return nil
}
