// Package account handles the user's server account on this device: online
// and offline login, registration and the cached credentials that make
// offline login possible.
package account

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/cryptox"
	"github.com/dmitrijs2005/vaultsync/internal/dbx"
)

// Server is the part of the remote API used for accounts.
type Server interface {
	Register(ctx context.Context, username string, salt, verifier []byte) error
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifier []byte) error
	Ping(ctx context.Context) error
}

// Tokens is cleared on logout.
type Tokens interface {
	Clear() error
}

// ErrLocalDataNotAvailable means the device has never logged in online.
var ErrLocalDataNotAvailable = fmt.Errorf("local account data %w", common.ErrNotFound)

const saltSize = 32

type Service struct {
	server Server
	tokens Tokens
	db     *sql.DB
}

func NewService(server Server, tokens Tokens, db *sql.DB) *Service {
	return &Service{server: server, tokens: tokens, db: db}
}

func (s *Service) metadata() MetadataRepository {
	return NewSQLiteMetadataRepository(s.db)
}

// Username returns the account last logged in on this device, or "".
func (s *Service) Username(ctx context.Context) (string, error) {
	u, err := s.metadata().Get(ctx, keyUsername)
	return string(u), err
}

// OfflineLogin checks password against the verifier cached by the last
// online login and returns the derived master key.
func (s *Service) OfflineLogin(ctx context.Context, username string, password []byte) ([]byte, error) {
	repo := s.metadata()

	saved := make(map[string][]byte, 3)
	for _, k := range []string{keyUsername, keySalt, keyVerifier} {
		v, err := repo.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, ErrLocalDataNotAvailable
		}
		saved[k] = v
	}
	if string(saved[keyUsername]) != username {
		return nil, common.ErrUnauthorized
	}

	masterKey := cryptox.DeriveMasterKey(password, saved[keySalt])
	if subtle.ConstantTimeCompare(saved[keyVerifier], cryptox.MakeVerifier(masterKey)) == 0 {
		common.WipeByteArray(masterKey)
		return nil, common.ErrUnauthorized
	}
	return masterKey, nil
}

// OnlineLogin authenticates against the server, caches what offline login
// needs and returns the master key.
func (s *Service) OnlineLogin(ctx context.Context, username string, password []byte) ([]byte, error) {
	salt, err := s.server.GetSalt(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get salt error: %w", err)
	}

	masterKey := cryptox.DeriveMasterKey(password, salt)
	verifier := cryptox.MakeVerifier(masterKey)

	if err := s.server.Login(ctx, username, verifier); err != nil {
		return nil, fmt.Errorf("login error: %w", err)
	}
	if err := s.saveOfflineData(ctx, username, salt, verifier); err != nil {
		return nil, fmt.Errorf("offline data saving error: %w", err)
	}
	return masterKey, nil
}

func (s *Service) saveOfflineData(ctx context.Context, username string, salt, verifier []byte) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteMetadataRepository(tx)
		if err := repo.Set(ctx, keyUsername, []byte(username)); err != nil {
			return err
		}
		if err := repo.Set(ctx, keySalt, salt); err != nil {
			return err
		}
		return repo.Set(ctx, keyVerifier, verifier)
	})
}

// Register creates an account with a fresh random salt.
func (s *Service) Register(ctx context.Context, username string, password []byte) error {
	salt := common.GenerateRandByteArray(saltSize)
	key := cryptox.DeriveMasterKey(password, salt)
	defer common.WipeByteArray(key)

	return s.server.Register(ctx, username, salt, cryptox.MakeVerifier(key))
}

func (s *Service) Ping(ctx context.Context) error {
	return s.server.Ping(ctx)
}

// Logout forgets the tokens and the cached credentials.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.tokens.Clear(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteMetadataRepository(tx)
		for _, k := range []string{keyUsername, keySalt, keyVerifier} {
			if err := repo.Delete(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
}
