// Package store keeps the versioned entities of one vault in a local SQLite
// database. Every entity points at its current version; versions are
// immutable, encrypted with the vault data key, and removed in two steps:
// first tombstoned, then purged once the server agrees.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/cryptox"
	"github.com/dmitrijs2005/vaultsync/internal/events"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// KeyProvider resolves the data key of an unlocked vault.
type KeyProvider interface {
	DataKey(vaultID string) (string, bool)
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSchema validates every payload of table against schema on decrypt.
func WithSchema(table Table, schema *cryptox.Schema) Option {
	return func(s *Store) { s.schemas[table] = schema }
}

// Store is the VersionedEntityStore of one vault.
type Store struct {
	db      *sql.DB
	vaultID string
	crypto  *cryptox.EncryptionService
	keys    KeyProvider
	bus     *events.Bus
	device  events.DeviceContext
	logger  logging.Logger
	schemas map[Table]*cryptox.Schema
	now     func() time.Time

	// writeMu keeps writes in submission order; clockMu guards last.
	writeMu sync.Mutex
	clockMu sync.Mutex
	last    time.Time
}

func New(db *sql.DB, vaultID string, crypto *cryptox.EncryptionService, keys KeyProvider,
	bus *events.Bus, device events.DeviceContext, logger logging.Logger, opts ...Option) *Store {
	s := &Store{
		db:      db,
		vaultID: vaultID,
		crypto:  crypto,
		keys:    keys,
		bus:     bus,
		device:  device,
		logger:  logger.With("module", "store", "vault", vaultID),
		schemas: make(map[Table]*cryptox.Schema),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) VaultID() string { return s.vaultID }

// DB exposes the underlying database, mainly so owners can close it.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) dataKey() (string, error) {
	key, ok := s.keys.DataKey(s.vaultID)
	if !ok {
		return "", fmt.Errorf("vault %s is locked: %w", s.vaultID, common.ErrNoCurrentVault)
	}
	return key, nil
}

// timestamp returns a millisecond timestamp strictly after the previous one
// handed out by this store, so versions created in a burst keep their order.
func (s *Store) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *Store) dispatch(ctx context.Context, table Table, action events.DataAction, id, versionID string) {
	if s.bus == nil {
		return
	}
	s.bus.Dispatch(ctx, events.Event{
		Type:   events.TypeDataChange,
		Origin: s.device,
		Payload: events.DataChange{
			VaultID:   s.vaultID,
			Table:     string(table),
			ID:        id,
			VersionID: versionID,
			Action:    action,
		},
	})
}

func (s *Store) encrypt(key string, data Data) (string, error) {
	if data == nil {
		data = Data{}
	}
	return s.crypto.Encrypt(key, data)
}

func (s *Store) decrypt(key string, table Table, envelope string) (Data, error) {
	var out Data
	if err := s.crypto.Decrypt(key, envelope, &out, s.schemas[table]); err != nil {
		return nil, err
	}
	if out == nil {
		out = Data{}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type entityRow struct {
	Entity
	ciphertext string
}

func scanEntity(sc scanner, withData bool) (*entityRow, error) {
	var (
		r                    entityRow
		createdAt, updatedAt string
		deleted              int
	)
	dest := []any{&r.ID, &createdAt, &r.CreatedBy, &updatedAt, &r.UpdatedBy, &deleted, &r.CurrentVersionID}
	if withData {
		dest = append(dest, &r.ciphertext)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = common.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at: %w", common.ErrInvalidOrCorruptedData)
	}
	if r.UpdatedAt, err = common.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupted updated_at: %w", common.ErrInvalidOrCorruptedData)
	}
	r.IsDeleted = deleted != 0
	return &r, nil
}

func scanVersion(sc scanner) (*RawVersion, error) {
	var (
		v         RawVersion
		prev      sql.NullString
		createdAt string
		deletedAt sql.NullString
	)
	if err := sc.Scan(&v.ID, &v.EntityID, &prev, &createdAt, &v.CreatedBy, &v.Ciphertext, &deletedAt); err != nil {
		return nil, err
	}
	v.PreviousVersionID = prev.String
	var err error
	if v.CreatedAt, err = common.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupted created_at: %w", common.ErrInvalidOrCorruptedData)
	}
	if deletedAt.Valid {
		t, err := common.ParseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupted deleted_at: %w", common.ErrInvalidOrCorruptedData)
		}
		v.DeletedAt = &t
	}
	return &v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: common.FormatTime(*t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFound turns sql.ErrNoRows into sentinel and wraps anything else as a
// db error.
func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return fmt.Errorf("db error: %w", err)
}
