package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/server/auth"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/services"
)

const testSecret = "secret"

type stubUsers struct {
	mu       sync.Mutex
	users    map[string]*models.User
	refresh  map[string]string
	seq      int
	failWith error
}

func newStubUsers() *stubUsers {
	return &stubUsers{users: map[string]*models.User{}, refresh: map[string]string{}}
}

func (s *stubUsers) Register(_ context.Context, username string, salt, verifier []byte) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if _, ok := s.users[username]; ok {
		return nil, fmt.Errorf("error creating user: %w", common.ErrConflict)
	}
	u := &models.User{ID: "id-" + username, UserName: username, Salt: salt, Verifier: verifier}
	s.users[username] = u
	return u, nil
}

func (s *stubUsers) GetSalt(_ context.Context, username string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		return u.Salt, nil
	}
	return []byte("random"), nil
}

func (s *stubUsers) pair(userID string) (*services.TokenPair, error) {
	access, err := auth.GenerateToken(userID, []byte(testSecret), time.Minute)
	if err != nil {
		return nil, err
	}
	s.seq++
	refresh := fmt.Sprintf("refresh-%s-%d", userID, s.seq)
	s.refresh[refresh] = userID
	return &services.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *stubUsers) Login(_ context.Context, username string, verifier []byte) (*services.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok || subtle.ConstantTimeCompare(u.Verifier, verifier) != 1 {
		return nil, common.ErrUnauthorized
	}
	return s.pair(u.ID)
}

func (s *stubUsers) RefreshToken(_ context.Context, token string) (*services.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[token]
	if !ok {
		return nil, common.ErrUnauthorized
	}
	delete(s.refresh, token)
	return s.pair(userID)
}

type stubVaults struct {
	mu     sync.Mutex
	vaults map[string]*models.Vault
	hub    *Hub
}

func (s *stubVaults) owned(userID, id string) (*models.Vault, error) {
	v, ok := s.vaults[id]
	if !ok {
		return nil, common.ErrVaultNotFound
	}
	if v.OwnerID != userID {
		return nil, common.ErrForbidden
	}
	return v, nil
}

func (s *stubVaults) Create(_ context.Context, userID string, v *models.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; ok {
		return common.ErrConflict
	}
	v.OwnerID = userID
	cp := *v
	s.vaults[v.ID] = &cp
	return nil
}

func (s *stubVaults) Get(_ context.Context, userID, id string) (*models.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.owned(userID, id)
	if err != nil {
		return nil, err
	}
	cp := *v
	return &cp, nil
}

func (s *stubVaults) List(_ context.Context, userID string) ([]models.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Vault
	for _, v := range s.vaults {
		if v.OwnerID == userID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *stubVaults) Update(_ context.Context, userID, id string, u api.VaultUpdate) (*models.Vault, error) {
	s.mu.Lock()
	v, err := s.owned(userID, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	v.Name, v.ProtectedDataKey, v.SyncEnabled, v.UpdatedAt = u.Name, u.ProtectedDataKey, u.SyncEnabled, u.UpdatedAt
	cp := *v
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Publish(api.VaultEvent{Type: api.EventVaultUpdate, VaultID: id, ID: id})
	}
	return &cp, nil
}

func (s *stubVaults) Snapshot(ctx context.Context, userID, id string) (*services.Snapshot, error) {
	v, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	gone := v.UpdatedAt
	return &services.Snapshot{
		Vault: v,
		Items: []models.Item{{ID: "e-1", Type: "content_items"}, {ID: "e-2", Type: "content_items", DeletedAt: &gone}},
		Versions: map[string][]models.Version{
			"e-1": {{ID: "ver-1", DeletedAt: &gone}, {ID: "ver-2"}},
		},
	}, nil
}

type deleteCall struct {
	kind  string
	id    string
	purge bool
}

type stubVersions struct {
	mu       sync.Mutex
	versions map[string]*models.Version
	deletes  []deleteCall
}

func (s *stubVersions) Create(_ context.Context, userID string, v *models.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; ok {
		return common.ErrConflict
	}
	v.CreatedBy = userID + "/" + v.CreatedBy
	cp := *v
	s.versions[v.ID] = &cp
	return nil
}

func (s *stubVersions) Get(_ context.Context, _ string, id string) (*models.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, common.ErrVersionNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *stubVersions) GetItem(_ context.Context, _ string, id string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head *models.Version
	for _, v := range s.versions {
		if v.ItemID == id && (head == nil || v.CreatedAt.After(head.CreatedAt)) {
			head = v
		}
	}
	if head == nil {
		return nil, common.ErrEntityNotFound
	}
	return &models.Item{ID: id, VaultID: head.VaultID, Type: head.Type, HeadVersionID: head.ID}, nil
}

func (s *stubVersions) DeleteVersion(_ context.Context, _ string, id string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleteCall{"version", id, purge})
	if _, ok := s.versions[id]; !ok {
		return common.ErrVersionNotFound
	}
	return nil
}

func (s *stubVersions) DeleteItem(_ context.Context, _ string, id string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleteCall{"item", id, purge})
	return nil
}
