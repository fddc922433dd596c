//go:build unix

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dmitrijs2005/vaultsync/internal/filex"
)

// DefaultPollInterval is how often a waiting FileLock retries.
const DefaultPollInterval = 200 * time.Millisecond

// FileLock is an advisory flock(2) on <dir>/<name>.lock, shared by every
// process on the device. The lock dies with the process holding it.
type FileLock struct {
	path string
	poll time.Duration
}

func NewFileLock(dir, name string) *FileLock {
	return &FileLock{path: filepath.Join(dir, name+".lock"), poll: DefaultPollInterval}
}

func (l *FileLock) Path() string { return l.path }

// Acquire polls with LOCK_NB so that waiting honours ctx.
func (l *FileLock) Acquire(ctx context.Context) (Lease, error) {
	if err := filex.EnsureParentDir(l.path); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			_ = f.Truncate(0)
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			return &fileLease{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type fileLease struct {
	once sync.Once
	f    *os.File
	err  error
}

func (l *fileLease) Release() error {
	l.once.Do(func() {
		if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
			l.err = err
		}
		if err := l.f.Close(); err != nil && l.err == nil {
			l.err = err
		}
	})
	return l.err
}
