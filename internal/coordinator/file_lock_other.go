//go:build !unix

package coordinator

import (
	"context"
	"errors"
	"path/filepath"
)

// FileLock is not available on this platform; Acquire always fails, so
// instances fall back to running without a primary.
type FileLock struct {
	path string
}

func NewFileLock(dir, name string) *FileLock {
	return &FileLock{path: filepath.Join(dir, name+".lock")}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Acquire(context.Context) (Lease, error) {
	return nil, errors.New("file locks are not supported on this platform")
}
