package services

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/server/auth"
	"github.com/dmitrijs2005/vaultsync/internal/server/config"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/repomanager"
)

func newUserService(t *testing.T, db *sql.DB, rm repomanager.RepositoryManager) *UserService {
	t.Helper()
	cfg := &config.Config{
		SecretKey:                    "k",
		AccessTokenValidityDuration:  time.Hour,
		RefreshTokenValidityDuration: 2 * time.Hour,
	}
	return NewUserService(db, rm, cfg)
}

type fakeUsersRepo struct {
	createOut *models.User
	createErr error

	getOut *models.User
	getErr error
}

func (f *fakeUsersRepo) Create(ctx context.Context, u *models.User) (*models.User, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createOut, nil
}

func (f *fakeUsersRepo) GetUserByLogin(ctx context.Context, userName string) (*models.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getOut, nil
}

type fakeRefreshRepo struct {
	findOut *models.RefreshToken
	findErr error

	delErr    error
	deleted   []string
	createErr error
	created   []string
	expired   int64
}

func (f *fakeRefreshRepo) Create(ctx context.Context, userID string, token string, validity time.Duration) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, token)
	return nil
}

func (f *fakeRefreshRepo) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.findOut, nil
}

func (f *fakeRefreshRepo) Delete(ctx context.Context, token string) error {
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeRefreshRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return f.expired, nil
}

func userRepoManager(u *fakeUsersRepo, r *fakeRefreshRepo) *fakeRepoManager {
	m := newFakeRepoManager()
	m.u, m.r = u, r
	return m
}

func TestRefreshToken_Success(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	expectTx(mock, 1)

	refresh := &fakeRefreshRepo{
		findOut: &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(10 * time.Minute)},
	}
	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, refresh))

	pair, err := s.RefreshToken(context.Background(), "refresh-xyz")
	if err != nil {
		t.Fatalf("RefreshToken error: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("empty tokens: %+v", pair)
	}
	if len(refresh.deleted) != 1 || refresh.deleted[0] != "refresh-xyz" {
		t.Fatalf("old token not rotated: %v", refresh.deleted)
	}
	if len(refresh.created) != 1 || refresh.created[0] != pair.RefreshToken {
		t.Fatalf("new token not stored: %v", refresh.created)
	}
	uid, err := auth.GetUserIDFromToken(pair.AccessToken, []byte("k"))
	if err != nil || uid != "u1" {
		t.Fatalf("access token: uid=%q err=%v", uid, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRefreshToken_Expired(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	refresh := &fakeRefreshRepo{
		findOut: &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(-1 * time.Minute)},
	}
	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, refresh))

	_, err := s.RefreshToken(context.Background(), "r")
	if !errors.Is(err, common.ErrRefreshTokenExpired) {
		t.Fatalf("want ErrRefreshTokenExpired, got %v", err)
	}
}

func TestRefreshToken_UnknownIsUnauthorized(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, &fakeRefreshRepo{findErr: common.ErrNotFound}))

	_, err := s.RefreshToken(context.Background(), "r")
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestRefreshToken_FindErr(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, &fakeRefreshRepo{findErr: errBoom{}}))

	_, err := s.RefreshToken(context.Background(), "r")
	if err == nil || !regexp.MustCompile(`error searching refresh token: .*boom`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped find error, got %v", err)
	}
}

func TestRefreshToken_DeleteErr(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	refresh := &fakeRefreshRepo{
		findOut: &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(10 * time.Minute)},
		delErr:  errBoom{},
	}
	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, refresh))

	_, err := s.RefreshToken(context.Background(), "r")
	if err == nil || !regexp.MustCompile(`error deleting refresh token: .*boom`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped delete error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRefreshToken_GeneratePair_CreateErr(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	refresh := &fakeRefreshRepo{
		findOut:   &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(10 * time.Minute)},
		createErr: errBoom{},
	}
	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, refresh))

	_, err := s.RefreshToken(context.Background(), "r")
	if !errors.Is(err, common.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestRegister_SuccessAndError(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	sOK := newUserService(t, db, userRepoManager(&fakeUsersRepo{createOut: &models.User{ID: "42", UserName: "alice"}}, &fakeRefreshRepo{}))
	u, err := sOK.Register(context.Background(), "alice", []byte("s"), []byte("v"))
	if err != nil || u.ID != "42" {
		t.Fatalf("Register ok: got (%v, %v)", u, err)
	}

	sErr := newUserService(t, db, userRepoManager(&fakeUsersRepo{createErr: errBoom{}}, &fakeRefreshRepo{}))
	_, err = sErr.Register(context.Background(), "bob", []byte("s"), []byte("v"))
	if err == nil || !regexp.MustCompile(`error creating user: .*boom`).MatchString(err.Error()) {
		t.Fatalf("Register expected wrapped error, got %v", err)
	}

	sDup := newUserService(t, db, userRepoManager(&fakeUsersRepo{createErr: common.ErrConflict}, &fakeRefreshRepo{}))
	if _, err = sDup.Register(context.Background(), "alice", []byte("s"), []byte("v")); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("Register duplicate: want ErrConflict, got %v", err)
	}

	if _, err = sOK.Register(context.Background(), "", []byte("s"), []byte("v")); !errors.Is(err, common.ErrInvalidOrCorruptedData) {
		t.Fatalf("Register without name: got %v", err)
	}
}

func TestGetSalt_Found_NotFound_Internal(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{getOut: &models.User{Salt: []byte("SALT")}}, &fakeRefreshRepo{}))
	salt, err := s.GetSalt(context.Background(), "alice")
	if err != nil || string(salt) != "SALT" {
		t.Fatalf("GetSalt found: got (%q, %v)", string(salt), err)
	}

	s2 := newUserService(t, db, userRepoManager(&fakeUsersRepo{getErr: common.ErrNotFound}, &fakeRefreshRepo{}))
	salt2, err := s2.GetSalt(context.Background(), "ghost")
	if err != nil || len(salt2) != 32 {
		t.Fatalf("GetSalt not found: len=%d err=%v", len(salt2), err)
	}

	s3 := newUserService(t, db, userRepoManager(&fakeUsersRepo{getErr: errBoom{}}, &fakeRefreshRepo{}))
	_, err = s3.GetSalt(context.Background(), "xx")
	if !errors.Is(err, common.ErrInternal) {
		t.Fatalf("GetSalt internal: want ErrInternal, got %v", err)
	}
}

func TestLogin_Flows(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	// not found → unauthorized
	sNF := newUserService(t, db, userRepoManager(&fakeUsersRepo{getErr: common.ErrNotFound}, &fakeRefreshRepo{}))
	if _, err := sNF.Login(context.Background(), "ghost", []byte("x")); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("notfound → unauthorized, got %v", err)
	}

	sIE := newUserService(t, db, userRepoManager(&fakeUsersRepo{getErr: errBoom{}}, &fakeRefreshRepo{}))
	if _, err := sIE.Login(context.Background(), "u", []byte("x")); !errors.Is(err, common.ErrInternal) {
		t.Fatalf("internal → ErrInternal, got %v", err)
	}

	user := &models.User{ID: "u1", Verifier: []byte("right")}
	sWV := newUserService(t, db, userRepoManager(&fakeUsersRepo{getOut: user}, &fakeRefreshRepo{}))
	if _, err := sWV.Login(context.Background(), "u", []byte("wrong")); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("wrong verifier → unauthorized, got %v", err)
	}

	pair, err := sWV.Login(context.Background(), "u", []byte("right"))
	if err != nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("Login success: pair=%+v err=%v", pair, err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	s := newUserService(t, db, userRepoManager(&fakeUsersRepo{}, &fakeRefreshRepo{expired: 4}))
	n, err := s.PurgeExpiredTokens(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("PurgeExpiredTokens: n=%d err=%v", n, err)
	}
}
