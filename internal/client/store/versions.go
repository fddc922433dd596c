package store

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/events"
)

func (s *Store) openVersion(key string, table Table, raw *RawVersion) (*Version, error) {
	data, err := s.decrypt(key, table, raw.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &Version{
		ID:                raw.ID,
		EntityID:          raw.EntityID,
		PreviousVersionID: raw.PreviousVersionID,
		CreatedAt:         raw.CreatedAt,
		CreatedBy:         raw.CreatedBy,
		DeletedAt:         raw.DeletedAt,
		Data:              data,
	}, nil
}

// GetVersion returns a non-tombstoned version by id.
func (s *Store) GetVersion(ctx context.Context, table Table, versionID string) (*Version, error) {
	q, err := table.sql()
	if err != nil {
		return nil, err
	}
	key, err := s.dataKey()
	if err != nil {
		return nil, err
	}
	raw, err := scanVersion(s.db.QueryRowContext(ctx, q.selectLiveVersion, versionID))
	if err != nil {
		return nil, notFound(err, common.ErrVersionNotFound)
	}
	return s.openVersion(key, table, raw)
}

// GetVersions returns the non-tombstoned versions of a live entity, oldest
// first.
func (s *Store) GetVersions(ctx context.Context, table Table, entityID string) ([]*Version, error) {
	q, err := table.sql()
	if err != nil {
		return nil, err
	}
	key, err := s.dataKey()
	if err != nil {
		return nil, err
	}

	e, err := scanEntity(s.db.QueryRowContext(ctx, q.selectEntity, entityID), false)
	if err != nil {
		return nil, notFound(err, common.ErrEntityNotFound)
	}
	if e.IsDeleted {
		return nil, common.ErrEntityNotFound
	}

	rows, err := s.db.QueryContext(ctx, q.selectVersions, entityID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var raws []*RawVersion
	for rows.Next() {
		raw, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	out := make([]*Version, 0, len(raws))
	for _, raw := range raws {
		v, err := s.openVersion(key, table, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DeleteVersion tombstones a historical version. The current version of an
// entity cannot be deleted this way; delete the entity instead.
func (s *Store) DeleteVersion(ctx context.Context, table Table, versionID string) error {
	q, err := table.sql()
	if err != nil {
		return err
	}
	if _, err := s.dataKey(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := common.FormatTime(s.timestamp())
	entityID, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (string, error) {
		v, err := scanVersion(tx.QueryRowContext(ctx, q.selectLiveVersion, versionID))
		if err != nil {
			return "", notFound(err, common.ErrVersionNotFound)
		}
		e, err := scanEntity(tx.QueryRowContext(ctx, q.selectEntity, v.EntityID), false)
		if err != nil {
			return "", notFound(err, common.ErrEntityNotFound)
		}
		if e.CurrentVersionID == versionID {
			return "", common.ErrLiveVersion
		}
		if _, err := tx.ExecContext(ctx, q.tombstoneVersion, ts, versionID); err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		return v.EntityID, nil
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, table, events.ActionDeleteVersion, entityID, versionID)
	return nil
}
