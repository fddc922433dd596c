package store

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/vaultsync/internal/client/filter"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
	"github.com/dmitrijs2005/vaultsync/internal/events"
)

// Create stores data as the first version of a new entity and returns the
// entity id.
func (s *Store) Create(ctx context.Context, table Table, data Data, createdBy string) (string, error) {
	q, err := table.sql()
	if err != nil {
		return "", err
	}
	key, err := s.dataKey()
	if err != nil {
		return "", err
	}
	ciphertext, err := s.encrypt(key, data)
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entityID, versionID := uuid.NewString(), uuid.NewString()
	ts := common.FormatTime(s.timestamp())

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, q.insertVersion,
			versionID, entityID, nil, ts, createdBy, ciphertext, nil); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.insertEntity,
			entityID, ts, createdBy, ts, createdBy, 0, versionID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.dispatch(ctx, table, events.ActionCreate, entityID, versionID)
	return entityID, nil
}

// Update merges patch into the top-level keys of the entity's current data,
// stores the result as a new version and returns its id.
func (s *Store) Update(ctx context.Context, table Table, id string, patch Data, updatedBy string) (string, error) {
	q, err := table.sql()
	if err != nil {
		return "", err
	}
	key, err := s.dataKey()
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	versionID := uuid.NewString()
	ts := common.FormatTime(s.timestamp())

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		current, err := scanEntity(tx.QueryRowContext(ctx, q.selectCurrent, id), true)
		if err != nil {
			return notFound(err, common.ErrEntityNotFound)
		}
		data, err := s.decrypt(key, table, current.ciphertext)
		if err != nil {
			return err
		}
		merged := make(Data, len(data)+len(patch))
		maps.Copy(merged, data)
		maps.Copy(merged, patch)

		ciphertext, err := s.encrypt(key, merged)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q.insertVersion,
			versionID, id, current.CurrentVersionID, ts, updatedBy, ciphertext, nil); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.setCurrent, versionID, ts, updatedBy, id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.dispatch(ctx, table, events.ActionUpdate, id, versionID)
	return versionID, nil
}

// Delete flags the entity deleted and tombstones all of its versions.
func (s *Store) Delete(ctx context.Context, table Table, id string) error {
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
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		e, err := scanEntity(tx.QueryRowContext(ctx, q.selectEntity, id), false)
		if err != nil {
			return notFound(err, common.ErrEntityNotFound)
		}
		if e.IsDeleted {
			return common.ErrEntityNotFound
		}
		if _, err := tx.ExecContext(ctx, q.markEntityDeleted, ts, id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.tombstoneVersions, ts, id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, table, events.ActionDelete, id, "")
	return nil
}

// Get returns a live entity with its decrypted current data.
func (s *Store) Get(ctx context.Context, table Table, id string) (*Entity, error) {
	q, err := table.sql()
	if err != nil {
		return nil, err
	}
	key, err := s.dataKey()
	if err != nil {
		return nil, err
	}

	row, err := scanEntity(s.db.QueryRowContext(ctx, q.selectCurrent, id), true)
	if err != nil {
		return nil, notFound(err, common.ErrEntityNotFound)
	}
	if row.Data, err = s.decrypt(key, table, row.ciphertext); err != nil {
		return nil, err
	}
	return &row.Entity, nil
}

// Query returns the live entities of table that satisfy q.Where. Column
// comparisons run in SQLite; the rest of the filter, data-path ordering and
// the paging that depends on them run on decrypted rows.
func (s *Store) Query(ctx context.Context, table Table, q Query) ([]*Entity, error) {
	stmts, err := table.sql()
	if err != nil {
		return nil, err
	}
	if err := filter.Validate(q.Where); err != nil {
		return nil, err
	}
	order, err := parseOrder(q.Order)
	if err != nil {
		return nil, err
	}
	key, err := s.dataKey()
	if err != nil {
		return nil, err
	}

	pushed, residual := filter.Split(q.Where)
	sqlText := stmts.queryCurrent
	where, args := filter.ToSQL(pushed, "e")
	if where != "" {
		sqlText += " AND " + where
	}

	inSQL := residual == nil && order.columnsOnly()
	if inSQL {
		sqlText += order.sql("e")
		if q.Limit > 0 || q.Offset > 0 {
			limit := q.Limit
			if limit <= 0 {
				limit = -1
			}
			sqlText += " LIMIT ? OFFSET ?"
			args = append(args, limit, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		r, err := scanEntity(rows, true)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if r.Data, err = s.decrypt(key, table, r.ciphertext); err != nil {
			return nil, err
		}
		if residual != nil && !filter.Match(residual, rowOf(&r.Entity)) {
			continue
		}
		out = append(out, &r.Entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	if inSQL {
		return out, nil
	}
	order.sort(out)
	return page(out, q.Offset, q.Limit), nil
}

func rowOf(e *Entity) filter.Row {
	return filter.Row{
		Columns: map[string]string{
			filter.ColumnID:        e.ID,
			filter.ColumnCreatedAt: common.FormatTime(e.CreatedAt),
			filter.ColumnCreatedBy: e.CreatedBy,
			filter.ColumnUpdatedAt: common.FormatTime(e.UpdatedAt),
			filter.ColumnUpdatedBy: e.UpdatedBy,
		},
		Data: e.Data,
	}
}

func page(in []*Entity, offset, limit int) []*Entity {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

type orderKey struct {
	field filter.Field
	desc  bool
}

type ordering []orderKey

func parseOrder(in []Order) (ordering, error) {
	out := make(ordering, 0, len(in))
	for _, o := range in {
		f, err := filter.ParseField(o.Field)
		if err != nil {
			return nil, err
		}
		out = append(out, orderKey{field: f, desc: o.Desc})
	}
	return out, nil
}

func (o ordering) columnsOnly() bool {
	for _, k := range o {
		if !k.field.IsColumn() {
			return false
		}
	}
	return true
}

func (o ordering) sql(alias string) string {
	if len(o) == 0 {
		return " ORDER BY " + alias + ".created_at, " + alias + ".id"
	}
	s := " ORDER BY "
	for i, k := range o {
		if i > 0 {
			s += ", "
		}
		s += alias + "." + k.field.Column()
		if k.desc {
			s += " DESC"
		}
	}
	return s + ", " + alias + ".created_at, " + alias + ".id"
}

// sort orders entities in Go. Rows missing a value, or holding one that does
// not compare with its neighbour, sort after those that have one.
func (o ordering) sort(items []*Entity) {
	if len(o) == 0 {
		sort.SliceStable(items, func(i, j int) bool {
			if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].CreatedAt.Before(items[j].CreatedAt)
			}
			return items[i].ID < items[j].ID
		})
		return
	}
	rows := make(map[*Entity]filter.Row, len(items))
	for _, e := range items {
		rows[e] = rowOf(e)
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, k := range o {
			a, aok := filter.Lookup(k.field, rows[items[i]])
			b, bok := filter.Lookup(k.field, rows[items[j]])
			switch {
			case !aok && !bok:
				continue
			case !aok:
				return false
			case !bok:
				return true
			}
			c, ok := filter.CompareValues(a, b)
			if !ok || c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
