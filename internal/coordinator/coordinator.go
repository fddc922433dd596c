// Package coordinator elects one primary among the client instances running
// on a device, per vault. Only the primary runs the sync driver; the others
// wait on the lock and take over when it is released.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// Primary is the work that only the lock holder performs.
type Primary interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StopTimeout bounds Primary.Stop once the coordinator steps down.
const StopTimeout = 5 * time.Second

type Coordinator struct {
	name    string
	lock    DistributedLock
	primary Primary
	logger  logging.Logger

	isPrimary atomic.Bool
	release   chan struct{}
	once      sync.Once
}

func New(name string, lock DistributedLock, primary Primary, logger logging.Logger) *Coordinator {
	return &Coordinator{
		name:    name,
		lock:    lock,
		primary: primary,
		logger:  logger.With("module", "coordinator", "name", name),
		release: make(chan struct{}),
	}
}

// IsPrimary reports whether this instance currently runs the primary.
func (c *Coordinator) IsPrimary() bool {
	return c.isPrimary.Load()
}

// Release steps down (or gives up waiting). Run returns afterwards.
func (c *Coordinator) Release() {
	c.once.Do(func() { close(c.release) })
}

// Run waits for the lock, starts the primary and holds the lock until ctx is
// done or Release is called. The primary is then stopped and the lock
// released, which lets a waiting instance take over.
func (c *Coordinator) Run(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.release:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	c.logger.Debug(ctx, "waiting for primary lock")
	lease, err := c.lock.Acquire(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			c.logger.Warn(ctx, "failed to release primary lock", "error", err)
		}
	}()

	if err := c.primary.Start(waitCtx); err != nil {
		return err
	}
	c.isPrimary.Store(true)
	c.logger.Info(ctx, "became primary")

	<-waitCtx.Done()

	c.isPrimary.Store(false)
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), StopTimeout)
	defer stopCancel()
	err = c.primary.Stop(stopCtx)
	c.logger.Info(ctx, "stepped down")
	return err
}
