package store

import (
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/client/filter"
)

// Data is a decrypted entity payload.
type Data = map[string]any

// Entity is an entity joined with its decrypted current version.
type Entity struct {
	ID               string
	CreatedAt        time.Time
	CreatedBy        string
	UpdatedAt        time.Time
	UpdatedBy        string
	IsDeleted        bool
	CurrentVersionID string
	Data             Data
}

// Version is one immutable snapshot of an entity's data.
type Version struct {
	ID                string
	EntityID          string
	PreviousVersionID string
	CreatedAt         time.Time
	CreatedBy         string
	DeletedAt         *time.Time
	Data              Data
}

// Tombstoned reports whether the version was deleted.
func (v *Version) Tombstoned() bool {
	return v.DeletedAt != nil
}

// RawVersion is a version row as stored, its payload still encrypted.
// Sync moves versions between devices in this form.
type RawVersion struct {
	ID                string
	EntityID          string
	PreviousVersionID string
	CreatedAt         time.Time
	CreatedBy         string
	DeletedAt         *time.Time
	Ciphertext        string
}

func (v *RawVersion) Tombstoned() bool {
	return v.DeletedAt != nil
}

// VersionInput is a downloaded version handed to ImportVersion.
type VersionInput struct {
	ID                string
	EntityID          string
	PreviousVersionID string
	CreatedAt         time.Time
	CreatedBy         string
	Data              Data
}

// Order sorts query results by an entity column or a data path.
type Order struct {
	Field string
	Desc  bool
}

// Query selects live entities of one table.
type Query struct {
	Where  filter.Expr
	Order  []Order
	Limit  int
	Offset int
}

// Snapshot lists every entity and version id of a vault per table,
// with its tombstone flag.
type Snapshot map[Table]TableSnapshot

// TableSnapshot holds the two id spaces of one table.
type TableSnapshot struct {
	Entities map[string]bool
	Versions map[string]bool
}

// NewSnapshot returns an empty snapshot with every table present.
func NewSnapshot() Snapshot {
	s := make(Snapshot, len(Tables))
	for _, t := range Tables {
		s[t] = TableSnapshot{Entities: map[string]bool{}, Versions: map[string]bool{}}
	}
	return s
}
