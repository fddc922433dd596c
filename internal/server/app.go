// Package server wires the sync server together: configuration, logging,
// PostgreSQL with its migrations, the blob store, the services and the
// HTTP API, and runs it until the process is signalled.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/vaultsync/internal/logging"
	"github.com/dmitrijs2005/vaultsync/internal/server/blobs"
	"github.com/dmitrijs2005/vaultsync/internal/server/config"
	"github.com/dmitrijs2005/vaultsync/internal/server/httpapi"
	"github.com/dmitrijs2005/vaultsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/vaultsync/internal/server/services"
)

const (
	// tokenJanitorInterval is how often expired refresh tokens are dropped.
	tokenJanitorInterval = time.Hour
	dbConnectAttempts    = 5
)

var (
	openDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("pgx", dsn)
	}

	newRepoManager = func() repomanager.RepositoryManager {
		return repomanager.NewPostgresRepositoryManager()
	}

	newS3Store = func(ctx context.Context, o blobs.S3Options) (blobs.Store, error) {
		return blobs.NewS3Store(ctx, o)
	}
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	users       *services.UserService
	vaults      *services.VaultService
	versions    *services.VersionService
	hub         *httpapi.Hub
	dbRetryBase time.Duration
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return newApp(ctx, c, logging.NewJSONLogger(level), time.Second)
}

func newApp(ctx context.Context, c *config.Config, logger logging.Logger, retryBase time.Duration) (*App, error) {
	app := &App{config: c, logger: logger, dbRetryBase: retryBase}

	db, err := openDB(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	app.db = db

	rm := newRepoManager()
	if err := app.prepareDB(ctx, rm); err != nil {
		db.Close()
		return nil, err
	}

	store, err := app.blobStore(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	app.hub = httpapi.NewHub(logger)
	app.users = services.NewUserService(db, rm, c)
	app.vaults = services.NewVaultService(db, rm, app.hub)
	app.versions = services.NewVersionService(db, rm, store, app.hub)
	return app, nil
}

// prepareDB waits for the database to accept connections, since it often
// starts alongside the server, then migrates the schema.
func (app *App) prepareDB(ctx context.Context, rm repomanager.RepositoryManager) error {
	backoff := retry.WithMaxRetries(dbConnectAttempts-1, retry.NewExponential(app.dbRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := app.db.PingContext(ctx); err != nil {
			app.logger.Warn(ctx, "database not ready", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db connect error: %w", err)
	}

	if err := rm.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("db migration error: %w", err)
	}
	return nil
}

func (app *App) blobStore(ctx context.Context) (blobs.Store, error) {
	switch app.config.BlobStore {
	case config.BlobStoreInline, "":
		return blobs.Inline{}, nil
	case config.BlobStoreS3:
		return newS3Store(ctx, blobs.S3Options{
			Bucket:       app.config.S3Bucket,
			Region:       app.config.S3Region,
			BaseEndpoint: app.config.S3BaseEndpoint,
			AccessKey:    app.config.S3RootUser,
			SecretKey:    app.config.S3RootPassword,
		})
	default:
		return nil, fmt.Errorf("unknown blob store %q", app.config.BlobStore)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) runTokenJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.users.PurgeExpiredTokens(ctx)
			if err != nil {
				app.logger.Error(ctx, "purging refresh tokens", "error", err)
				continue
			}
			if n > 0 {
				app.logger.Info(ctx, "purged expired refresh tokens", "count", n)
			}
		}
	}
}

// Run serves the API until ctx is done or the process is signalled.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runTokenJanitor(ctx, tokenJanitorInterval)
	}()

	srv := httpapi.NewServer(app.config.EndpointAddr, app.logger, app.users, app.vaults, app.versions, app.hub, app.config.SecretKey)
	err := srv.Run(ctx)
	cancelFunc()
	wg.Wait()

	if cerr := app.db.Close(); cerr != nil {
		app.logger.Error(context.Background(), "closing database", "error", cerr)
	}
	app.logger.Info(context.Background(), "App stopped")
	return err
}
