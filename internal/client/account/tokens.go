package account

import (
	"context"
	"database/sql"
	"sync"

	"github.com/dmitrijs2005/vaultsync/internal/dbx"
)

// TokenStore keeps the server token pair in the device registry so a login
// survives restarts. Reads are served from memory.
type TokenStore struct {
	db *sql.DB

	mu      sync.RWMutex
	access  string
	refresh string
}

// LoadTokenStore reads any saved tokens.
func LoadTokenStore(ctx context.Context, db *sql.DB) (*TokenStore, error) {
	repo := NewSQLiteMetadataRepository(db)
	access, err := repo.Get(ctx, keyAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := repo.Get(ctx, keyRefreshToken)
	if err != nil {
		return nil, err
	}
	return &TokenStore{db: db, access: string(access), refresh: string(refresh)}, nil
}

func (s *TokenStore) Tokens() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, s.refresh
}

func (s *TokenStore) SetTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := dbx.WithTx(context.Background(), s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteMetadataRepository(tx)
		if err := repo.Set(ctx, keyAccessToken, []byte(access)); err != nil {
			return err
		}
		return repo.Set(ctx, keyRefreshToken, []byte(refresh))
	})
	if err != nil {
		return err
	}
	s.access, s.refresh = access, refresh
	return nil
}

func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := dbx.WithTx(context.Background(), s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteMetadataRepository(tx)
		if err := repo.Delete(ctx, keyAccessToken); err != nil {
			return err
		}
		return repo.Delete(ctx, keyRefreshToken)
	})
	if err != nil {
		return err
	}
	s.access, s.refresh = "", ""
	return nil
}
