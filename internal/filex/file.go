// Package filex holds small filesystem helpers shared by the client packages.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsurePrivateDir creates dir (and parents) readable only by the current
// user and returns its absolute path. An existing non-directory is an error.
func EnsurePrivateDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// EnsureParentDir prepares the directory that will hold the file at path.
func EnsureParentDir(path string) error {
	_, err := EnsurePrivateDir(filepath.Dir(path))
	return err
}
