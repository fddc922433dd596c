package items

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
)

var columns = []string{"id", "vault_id", "type", "head_version_id", "created_at", "updated_at", "deleted_at"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestGet(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()
	q := `(?s)^SELECT\s+id,\s*vault_id,.*FROM\s+items\s+WHERE\s+id\s*=\s*\$1$`

	mock.ExpectQuery(q).WithArgs("e-1").WillReturnRows(sqlmock.NewRows(columns).
		AddRow("e-1", "v-1", "content_items", "ver-2", now, now, nil))
	got, err := repo.Get(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, "ver-2", got.HeadVersionID)
	assert.Nil(t, got.DeletedAt)

	mock.ExpectQuery(q).WithArgs("e-2").WillReturnRows(sqlmock.NewRows(columns).
		AddRow("e-2", "v-1", "content_items", nil, now, now, now))
	got, err = repo.Get(context.Background(), "e-2")
	require.NoError(t, err)
	assert.Empty(t, got.HeadVersionID)
	assert.NotNil(t, got.DeletedAt)

	mock.ExpectQuery(q).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrEntityNotFound)
}

func TestUpsert(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()
	it := &models.Item{ID: "e-1", VaultID: "v-1", Type: "content_items", HeadVersionID: "ver-1", CreatedAt: now, UpdatedAt: now}
	q := `(?s)INSERT\s+INTO\s+items.*ON\s+CONFLICT\s+\(id\)\s+DO\s+UPDATE.*items\.deleted_at\s+IS\s+NULL.*items\.updated_at\s*<=\s*EXCLUDED\.updated_at`

	mock.ExpectExec(q).
		WithArgs("e-1", "v-1", "content_items", sql.NullString{String: "ver-1", Valid: true}, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Upsert(context.Background(), it))

	mock.ExpectExec(q).WillReturnError(errors.New("boom"))
	assert.Error(t, repo.Upsert(context.Background(), it))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByVault(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()
	q := `(?s)^SELECT\s+.*FROM\s+items\s+WHERE\s+vault_id\s*=\s*\$1\s+ORDER\s+BY`

	mock.ExpectQuery(q).WithArgs("v-1").WillReturnRows(sqlmock.NewRows(columns).
		AddRow("e-1", "v-1", "content_items", "ver-1", now, now, nil).
		AddRow("e-2", "v-1", "content_items", "ver-9", now, now, now))

	got, err := repo.ListByVault(context.Background(), "v-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e-2", got[1].ID)

	mock.ExpectQuery(q).WithArgs("v-1").WillReturnRows(sqlmock.NewRows(columns).
		AddRow("e-1", "v-1", "content_items", "ver-1", "not a time", now, nil))
	_, err = repo.ListByVault(context.Background(), "v-1")
	assert.Error(t, err)
}

func TestTombstoneDeleteRefresh(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	at := time.Now().UTC()

	mock.ExpectExec(`(?s)UPDATE\s+items\s+SET\s+deleted_at\s*=\s*\$2.*deleted_at\s+IS\s+NULL`).
		WithArgs("e-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Tombstone(context.Background(), "e-1", at))

	mock.ExpectExec(`^DELETE\s+FROM\s+items\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), "e-1"))

	mock.ExpectExec(`(?s)UPDATE\s+items\s+SET\s+head_version_id\s*=\s*\(.*FROM\s+versions.*deleted_at\s+IS\s+NULL.*LIMIT\s+1`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.RefreshHead(context.Background(), "e-1"))

	mock.ExpectExec(`DELETE`).WillReturnError(errors.New("boom"))
	err := repo.Delete(context.Background(), "e-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
