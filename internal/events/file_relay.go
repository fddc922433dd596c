package events

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/filex"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const (
	relayFileSuffix = ".event.json"
	relayTmpPrefix  = ".tmp-"
)

// FileRelay mirrors events between processes through a spool directory.
// Each published event is one file, written to a temporary name and renamed
// into place so readers never see a partial file. Listeners pick files up
// through fsnotify and ignore their own. Files older than TTL are swept.
type FileRelay struct {
	dir    string
	device DeviceContext
	ttl    time.Duration
	logger logging.Logger
	seq    atomic.Uint64
}

// NewFileRelay creates dir if needed. ttl bounds how long a sibling that
// is slow to react can still pick an event up.
func NewFileRelay(dir string, device DeviceContext, ttl time.Duration, logger logging.Logger) (*FileRelay, error) {
	if _, err := filex.EnsurePrivateDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create relay dir %s: %w", dir, err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &FileRelay{dir: dir, device: device, ttl: ttl, logger: logger.With("module", "file-relay")}, nil
}

func (r *FileRelay) Publish(ctx context.Context, evt Event) error {
	data, err := Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	name := fmt.Sprintf("%020d-%s-%06d%s", time.Now().UnixNano(), r.device.ID, r.seq.Add(1), relayFileSuffix)
	tmp := filepath.Join(r.dir, relayTmpPrefix+name)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(r.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Listen watches the spool directory until ctx is done.
func (r *FileRelay) Listen(ctx context.Context, deliver func(Event)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch relay dir %s: %w", r.dir, err)
	}

	sweep := time.NewTicker(r.ttl)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if evt, ok := r.read(ctx, ev.Name); ok {
				deliver(evt)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn(ctx, "watcher error", "error", err)

		case <-sweep.C:
			r.sweep(ctx)
		}
	}
}

func (r *FileRelay) read(ctx context.Context, path string) (Event, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, relayTmpPrefix) || !strings.HasSuffix(base, relayFileSuffix) {
		return Event{}, false
	}
	if strings.Contains(base, "-"+r.device.ID+"-") {
		return Event{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Swept by a sibling or renamed away before we got to it.
		return Event{}, false
	}
	evt, err := Unmarshal(data)
	if err != nil {
		r.logger.Warn(ctx, "skipping unreadable event", "file", base, "error", err)
		return Event{}, false
	}
	return evt, true
}

func (r *FileRelay) sweep(ctx context.Context) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Warn(ctx, "sweep failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-r.ttl)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(r.dir, e.Name()))
		}
	}
}
