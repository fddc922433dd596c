package store

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/vaultsync/internal/common"
)

// Table names one kind of versioned entity. The set is closed; statements
// are only ever built from these values.
type Table string

const (
	TableFields       Table = "fields"
	TableContentTypes Table = "content_types"
	TableContentItems Table = "content_items"
	TableViews        Table = "views"
)

// Tables lists every table in a stable order.
var Tables = []Table{TableFields, TableContentTypes, TableContentItems, TableViews}

// ParseTable accepts a table name, also in its dashed form ("content-items").
func ParseTable(s string) (Table, error) {
	t := Table(strings.ReplaceAll(s, "-", "_"))
	if _, ok := statements[t]; !ok {
		return "", fmt.Errorf("unknown table %q: %w", s, common.ErrSystem)
	}
	return t, nil
}

func (t Table) sql() (*tableSQL, error) {
	q, ok := statements[t]
	if !ok {
		return nil, fmt.Errorf("unknown table %q: %w", string(t), common.ErrSystem)
	}
	return q, nil
}

const entityColumns = `e.id, e.created_at, e.created_by, e.updated_at, e.updated_by, e.is_deleted, e.current_version_id`

const versionColumns = `id, entity_id, previous_version_id, created_at, created_by, data, deleted_at`

// tableSQL holds the statements of one entity table and its version table.
type tableSQL struct {
	entity   string
	versions string

	insertEntity      string
	selectEntity      string
	selectCurrent     string
	queryCurrent      string
	setCurrent        string
	markEntityDeleted string
	deleteEntity      string

	insertVersion     string
	selectVersion     string
	selectLiveVersion string
	selectVersions    string
	latestLiveVersion string
	tombstoneVersion  string
	tombstoneVersions string
	deleteVersion     string
	deleteVersionsOf  string
	snapshotEntities  string
	snapshotVersions  string
}

var statements = buildStatements(Tables)

func buildStatements(tables []Table) map[Table]*tableSQL {
	out := make(map[Table]*tableSQL, len(tables))
	for _, t := range tables {
		e := string(t)
		v := e + "_versions"
		out[t] = &tableSQL{
			entity:   e,
			versions: v,

			insertEntity: `INSERT INTO ` + e + ` (id, created_at, created_by, updated_at, updated_by, is_deleted, current_version_id)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			selectEntity: `SELECT ` + entityColumns + ` FROM ` + e + ` e WHERE e.id = ?`,
			selectCurrent: `SELECT ` + entityColumns + `, v.data FROM ` + e + ` e
				JOIN ` + v + ` v ON v.id = e.current_version_id
				WHERE e.id = ? AND e.is_deleted = 0`,
			queryCurrent: `SELECT ` + entityColumns + `, v.data FROM ` + e + ` e
				JOIN ` + v + ` v ON v.id = e.current_version_id
				WHERE e.is_deleted = 0`,
			setCurrent:        `UPDATE ` + e + ` SET current_version_id = ?, updated_at = ?, updated_by = ? WHERE id = ?`,
			markEntityDeleted: `UPDATE ` + e + ` SET is_deleted = 1, updated_at = ? WHERE id = ?`,
			deleteEntity:      `DELETE FROM ` + e + ` WHERE id = ? AND is_deleted = 1`,

			insertVersion: `INSERT INTO ` + v + ` (` + versionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			selectVersion: `SELECT ` + versionColumns + ` FROM ` + v + ` WHERE id = ?`,
			selectLiveVersion: `SELECT ` + versionColumns + ` FROM ` + v + `
				WHERE id = ? AND deleted_at IS NULL`,
			selectVersions: `SELECT ` + versionColumns + ` FROM ` + v + `
				WHERE entity_id = ? AND deleted_at IS NULL ORDER BY created_at, id`,
			latestLiveVersion: `SELECT ` + versionColumns + ` FROM ` + v + `
				WHERE entity_id = ? AND deleted_at IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`,
			tombstoneVersion:  `UPDATE ` + v + ` SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
			tombstoneVersions: `UPDATE ` + v + ` SET deleted_at = ? WHERE entity_id = ? AND deleted_at IS NULL`,
			deleteVersion:     `DELETE FROM ` + v + ` WHERE id = ? AND deleted_at IS NOT NULL`,
			deleteVersionsOf:  `DELETE FROM ` + v + ` WHERE entity_id = ? AND deleted_at IS NOT NULL`,
			snapshotEntities:  `SELECT id, is_deleted FROM ` + e,
			snapshotVersions:  `SELECT id, deleted_at IS NOT NULL FROM ` + v,
		}
	}
	return out
}
