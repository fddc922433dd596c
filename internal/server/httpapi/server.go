// Package httpapi serves the sync REST API and the per-vault change feed.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
	"github.com/dmitrijs2005/vaultsync/internal/server/models"
	"github.com/dmitrijs2005/vaultsync/internal/server/services"
)

const shutdownTimeout = 10 * time.Second

type UserService interface {
	Register(ctx context.Context, username string, salt, verifier []byte) (*models.User, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifier []byte) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
}

type VaultService interface {
	Create(ctx context.Context, userID string, v *models.Vault) error
	Get(ctx context.Context, userID, vaultID string) (*models.Vault, error)
	List(ctx context.Context, userID string) ([]models.Vault, error)
	Update(ctx context.Context, userID, vaultID string, u api.VaultUpdate) (*models.Vault, error)
	Snapshot(ctx context.Context, userID, vaultID string) (*services.Snapshot, error)
}

type VersionService interface {
	Create(ctx context.Context, userID string, v *models.Version) error
	Get(ctx context.Context, userID, id string) (*models.Version, error)
	GetItem(ctx context.Context, userID, id string) (*models.Item, error)
	DeleteVersion(ctx context.Context, userID, id string, purge bool) error
	DeleteItem(ctx context.Context, userID, id string, purge bool) error
}

// Server is the HTTP front of the sync server.
type Server struct {
	address   string
	users     UserService
	vaults    VaultService
	versions  VersionService
	hub       *Hub
	logger    logging.Logger
	jwtSecret []byte
}

func NewServer(address string, l logging.Logger, us UserService, vs VaultService, ver VersionService, hub *Hub, secretKey string) *Server {
	return &Server{
		address:   address,
		users:     us,
		vaults:    vs,
		versions:  ver,
		hub:       hub,
		logger:    l.With("module", "http_server"),
		jwtSecret: []byte(secretKey),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.health)

	mux.HandleFunc("POST /v1/auth/register", s.register)
	mux.HandleFunc("GET /v1/auth/salt", s.salt)
	mux.HandleFunc("POST /v1/auth/login", s.login)
	mux.HandleFunc("POST /v1/auth/refresh", s.refresh)

	mux.HandleFunc("GET /v1/vaults", s.requireAuth(s.listVaults))
	mux.HandleFunc("POST /v1/vaults", s.requireAuth(s.createVault))
	mux.HandleFunc("GET /v1/vaults/{id}", s.requireAuth(s.getVault))
	mux.HandleFunc("PATCH /v1/vaults/{id}", s.requireAuth(s.updateVault))
	mux.HandleFunc("GET /v1/vaults/{id}/snapshot", s.requireAuth(s.snapshot))
	mux.HandleFunc("GET /v1/vaults/{id}/events", s.requireAuth(s.events))

	mux.HandleFunc("POST /v1/versions", s.requireAuth(s.createVersion))
	mux.HandleFunc("GET /v1/versions/{id}", s.requireAuth(s.getVersion))
	mux.HandleFunc("DELETE /v1/versions/{id}", s.requireAuth(s.deleteVersion))

	mux.HandleFunc("GET /v1/items/{id}", s.requireAuth(s.getItem))
	mux.HandleFunc("DELETE /v1/items/{id}", s.requireAuth(s.deleteItem))

	return s.logRequests(mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

func (s *Server) Serve(ctx context.Context, listen net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(context.Background(), "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
