// Package app wires the client together: configuration, logging, the device
// registry, key storage, the event bus and its relay to sibling instances,
// the remote client and the sync engine. Each unlocked vault with sync
// enabled gets a coordinator, so that only one instance on the device runs
// its sync driver.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/client/account"
	"github.com/dmitrijs2005/vaultsync/internal/client/config"
	"github.com/dmitrijs2005/vaultsync/internal/client/localdb"
	"github.com/dmitrijs2005/vaultsync/internal/client/migrations"
	"github.com/dmitrijs2005/vaultsync/internal/client/remote"
	"github.com/dmitrijs2005/vaultsync/internal/client/syncengine"
	"github.com/dmitrijs2005/vaultsync/internal/client/vaults"
	"github.com/dmitrijs2005/vaultsync/internal/coordinator"
	"github.com/dmitrijs2005/vaultsync/internal/cryptox"
	"github.com/dmitrijs2005/vaultsync/internal/events"
	"github.com/dmitrijs2005/vaultsync/internal/filex"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// ErrSyncElsewhere is returned by SyncOnce when another instance on this
// device holds the vault's primary lock.
var ErrSyncElsewhere = errors.New("sync is run by another instance on this device")

// oneShotLockWait bounds how long SyncOnce waits for the primary lock.
const oneShotLockWait = 500 * time.Millisecond

type App struct {
	Config  *config.Config
	Logger  logging.Logger
	Bus     *events.Bus
	Crypto  *cryptox.EncryptionService
	Keys    *vaults.MemoryKeyStorage
	Remote  *remote.Client
	Tokens  *account.TokenStore
	Account *account.Service
	Vaults  *vaults.Service
	Engine  *syncengine.Engine

	registry  *sql.DB
	logCloser io.Closer
	relay     events.Relay
	newLock   func(vaultID string) coordinator.DistributedLock
	watcher   syncengine.Watcher
	noFeed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	auto     bool
	listener events.Listener
	running  map[string]*vaultSync
}

type vaultSync struct {
	coord  *coordinator.Coordinator
	driver *syncengine.Driver
	cancel context.CancelFunc
}

// Option customizes New.
type Option func(*App)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l logging.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithRelay replaces the file relay, e.g. with an in-memory hub.
func WithRelay(r events.Relay) Option {
	return func(a *App) { a.relay = r }
}

// WithLocks replaces the file based primary locks.
func WithLocks(newLock func(vaultID string) coordinator.DistributedLock) Option {
	return func(a *App) { a.newLock = newLock }
}

// WithWatcher replaces the websocket change feed. A nil watcher leaves the
// driver on its schedule only.
func WithWatcher(w syncengine.Watcher) Option {
	return func(a *App) {
		a.watcher = w
		a.noFeed = w == nil
	}
}

// New opens the device registry and builds every service. The relay starts
// immediately; sync drivers start once vaults are unlocked and auto sync is
// enabled.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config:  cfg,
		running: make(map[string]*vaultSync),
	}
	a.newLock = func(vaultID string) coordinator.DistributedLock {
		return coordinator.NewFileLock(cfg.LockDir, vaultID)
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.Logger == nil {
		l, closer, err := newLogger(cfg)
		if err != nil {
			return nil, err
		}
		a.Logger, a.logCloser = l, closer
	}

	if _, err := filex.EnsurePrivateDir(cfg.DataDir); err != nil {
		a.closeLog()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := localdb.Open(ctx, cfg.RegistryPath(), migrations.Registry())
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("db init error: %w", err)
	}
	a.registry = db

	if err := a.build(ctx); err != nil {
		a.registry.Close()
		a.closeLog()
		return nil, err
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.startRelay()
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	device := events.NewDeviceContext()
	a.Bus = events.NewBus(device, a.Logger)
	a.Crypto = cryptox.NewEncryptionService()
	a.Keys = vaults.NewMemoryKeyStorage()

	tokens, err := account.LoadTokenStore(ctx, a.registry)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	a.Tokens = tokens

	rc, err := remote.New(a.Config.ServerURL, a.Logger, remote.WithTokenStore(tokens))
	if err != nil {
		return err
	}
	a.Remote = rc
	if a.watcher == nil && !a.noFeed {
		a.watcher = remote.NewWatcher(rc, a.Config.ReconnectDelay, a.Logger)
	}

	a.Account = account.NewService(rc, tokens, a.registry)
	a.Vaults = vaults.NewService(a.registry, a.Config.DataDir, a.Crypto, a.Keys, a.Bus, a.Logger)
	a.Engine = syncengine.New(rc, a.Vaults, a.Keys, a.Crypto, a.Bus, a.Logger)

	if a.relay == nil {
		r, err := events.NewFileRelay(a.Config.RelayDir, device, a.Config.RelayTTL, a.Logger)
		if err != nil {
			return fmt.Errorf("relay init error: %w", err)
		}
		a.relay = r
	}
	return nil
}

func newLogger(cfg *config.Config) (logging.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogFile == "" {
		return logging.NewTextLogger(os.Stderr, level), nil, nil
	}
	l, closer := logging.NewFileLogger(logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Level:      level,
	})
	return l, closer, nil
}

func (a *App) startRelay() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Bus.Attach(a.ctx, a.relay); err != nil && a.ctx.Err() == nil {
			a.Logger.Warn(a.ctx, "relay stopped", "error", err)
		}
	}()
}

// EnableAutoSync makes the app follow vault lifecycle events: a vault that
// is unlocked with sync enabled gets a coordinator, a vault that is locked,
// deleted or has sync disabled loses it. Vaults already unlocked are
// considered immediately.
func (a *App) EnableAutoSync(ctx context.Context) error {
	a.mu.Lock()
	if a.auto {
		a.mu.Unlock()
		return nil
	}
	a.auto = true
	a.listener = events.Func(a.handleVaultEvent)
	a.mu.Unlock()

	for _, t := range []events.Type{events.TypeVaultUnlock, events.TypeVaultLock, events.TypeVaultChange} {
		a.Bus.Subscribe(t, a.listener)
	}

	list, err := a.Vaults.List(ctx)
	if err != nil {
		return err
	}
	for _, v := range list {
		a.reconcile(ctx, v.ID)
	}
	return nil
}

func (a *App) handleVaultEvent(evt events.Event) {
	if evt.External {
		return
	}
	var id string
	switch p := evt.Payload.(type) {
	case events.VaultRef:
		id = p.VaultID
	case events.VaultChange:
		id = p.VaultID
	default:
		return
	}
	// Listeners run inside Dispatch; registry reads happen off that path.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reconcile(a.ctx, id)
	}()
}

// reconcile starts or stops the sync coordinator of a vault to match its
// current state.
func (a *App) reconcile(ctx context.Context, vaultID string) {
	if ctx.Err() != nil {
		return
	}
	v, err := a.Vaults.Get(ctx, vaultID)
	if err != nil || !v.SyncEnabled || !a.Vaults.IsUnlocked(vaultID) {
		a.StopSync(vaultID)
		return
	}
	a.StartSync(vaultID)
}

// StartSync runs a coordinator for the vault in the background. It is a
// no-op when one is already running.
func (a *App) StartSync(vaultID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.running[vaultID]; ok || a.ctx.Err() != nil {
		return
	}

	driver := syncengine.NewDriver(vaultID, a.Engine, a.Config.SyncInterval, a.watcher, a.Logger)
	coord := coordinator.New("vault-"+vaultID, a.newLock(vaultID), driver, a.Logger)
	ctx, cancel := context.WithCancel(a.ctx)
	a.running[vaultID] = &vaultSync{coord: coord, driver: driver, cancel: cancel}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := coord.Run(ctx); err != nil {
			a.Logger.Error(ctx, "sync coordinator failed", "vault", vaultID, "error", err)
		}
	}()
}

// StopSync steps the vault's coordinator down.
func (a *App) StopSync(vaultID string) {
	a.mu.Lock()
	vs, ok := a.running[vaultID]
	delete(a.running, vaultID)
	a.mu.Unlock()
	if !ok {
		return
	}
	vs.coord.Release()
	vs.cancel()
}

// Syncing reports whether a coordinator runs for the vault and whether this
// instance is currently its primary.
func (a *App) Syncing(vaultID string) (running, primary bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vs, ok := a.running[vaultID]
	if !ok {
		return false, false
	}
	return true, vs.coord.IsPrimary()
}

// SyncOnce reconciles a vault right away. When this instance is primary the
// running driver does it; otherwise the primary lock is taken briefly and
// the engine is activated for the duration of one reconciliation.
func (a *App) SyncOnce(ctx context.Context, vaultID string) error {
	a.mu.Lock()
	vs, ok := a.running[vaultID]
	a.mu.Unlock()
	if ok && vs.coord.IsPrimary() {
		return vs.driver.SyncNow(ctx)
	}
	if ok {
		return ErrSyncElsewhere
	}

	lockCtx, cancel := context.WithTimeout(ctx, oneShotLockWait)
	defer cancel()
	lease, err := a.newLock(vaultID).Acquire(lockCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrSyncElsewhere
	}
	defer func() {
		if err := lease.Release(); err != nil {
			a.Logger.Warn(ctx, "failed to release primary lock", "vault", vaultID, "error", err)
		}
	}()

	a.Engine.Activate(vaultID)
	defer a.Engine.Deactivate(vaultID)
	return a.Engine.RequestSync(ctx, vaultID)
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cancelFunc()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// Run enables auto sync and blocks until ctx is done or the process is
// signalled. It does not close the app.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := a.initSignalHandler(cancel)
	defer stop()

	a.Logger.Info(ctx, "Starting app...")
	if err := a.EnableAutoSync(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Logger.Info(context.Background(), "Shutting down...")
	return nil
}

// Close stops every coordinator and the relay, then closes the stores and
// the registry.
func (a *App) Close() error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	listener := a.listener
	a.mu.Unlock()

	if listener != nil {
		for _, t := range []events.Type{events.TypeVaultUnlock, events.TypeVaultLock, events.TypeVaultChange} {
			a.Bus.Unsubscribe(t, listener)
		}
	}
	for _, id := range ids {
		a.StopSync(id)
	}
	a.cancel()
	a.wg.Wait()
	a.Engine.Close()

	a.Keys.Clear()
	errs := []error{a.Vaults.Close(), a.registry.Close()}
	a.closeLog()
	return errors.Join(errs...)
}

func (a *App) closeLog() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
