package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// Watcher delivers server-side change notifications for a vault until ctx
// is done.
type Watcher interface {
	Watch(ctx context.Context, vaultID string, notify func()) error
}

// Driver runs sync for one vault while this instance is primary: it
// activates the vault in the engine, reconciles periodically and on server
// notifications.
type Driver struct {
	vaultID  string
	engine   *Engine
	interval time.Duration
	watcher  Watcher
	logger   logging.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	scheduler *Scheduler
	wg        sync.WaitGroup
}

// NewDriver builds a driver. watcher may be nil.
func NewDriver(vaultID string, engine *Engine, interval time.Duration, watcher Watcher, logger logging.Logger) *Driver {
	return &Driver{
		vaultID:  vaultID,
		engine:   engine,
		interval: interval,
		watcher:  watcher,
		logger:   logger.With("module", "sync-driver", "vault", vaultID),
	}
}

func (d *Driver) sync(ctx context.Context) {
	// Errors are logged and reported through sync-status events.
	_ = d.engine.RequestSync(ctx, d.vaultID)
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.engine.Activate(d.vaultID)

	d.scheduler = NewScheduler(d.interval, d.sync, d.logger)
	d.scheduler.Start(ctx)

	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			err := d.watcher.Watch(ctx, d.vaultID, func() { d.sync(ctx) })
			if err != nil && ctx.Err() == nil {
				d.logger.Warn(ctx, "watcher stopped", "error", err)
			}
		}()
	}
	d.logger.Info(ctx, "sync driver started")
	return nil
}

// Stop does not flush queued actions; they are dropped with the vault's
// activation.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.scheduler.Stop()
	d.wg.Wait()
	d.engine.Deactivate(d.vaultID)
	d.cancel = nil
	d.logger.Info(ctx, "sync driver stopped")
	return nil
}

// SyncNow runs one reconciliation outside the schedule.
func (d *Driver) SyncNow(ctx context.Context) error {
	return d.engine.RequestSync(ctx, d.vaultID)
}
