package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// DefaultSyncInterval is used when a Scheduler gets no interval.
const DefaultSyncInterval = time.Minute

// Scheduler runs a task once on start and then on every tick until stopped.
// Ticks that arrive while the task is still running are skipped.
type Scheduler struct {
	interval time.Duration
	task     func(context.Context)
	logger   logging.Logger

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewScheduler(interval time.Duration, task func(context.Context), logger logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{interval: interval, task: task, logger: logger.With("module", "scheduler")}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	s.logger.Debug(ctx, "scheduler started", "interval", s.interval.String())
}

// Stop waits for a task in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.task(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.task(ctx)
		}
	}
}
