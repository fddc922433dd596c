// Package blobs decides where version ciphertext lives. The Inline store
// keeps it in the versions table; S3Store moves it to an S3 compatible
// bucket and keeps only a reference in the row.
package blobs

import (
	"context"
	"fmt"
)

// Store puts, resolves and removes version payloads.
//
// Put returns the value to persist in the versions row. Get turns that
// value back into the payload and Delete releases whatever Put allocated.
type Store interface {
	Put(ctx context.Context, key string, data string) (string, error)
	Get(ctx context.Context, stored string) (string, error)
	Delete(ctx context.Context, stored string) error
}

// Key is the object key of a version payload.
func Key(vaultID, versionID string) string {
	return fmt.Sprintf("vaults/%s/%s", vaultID, versionID)
}

// Inline keeps payloads in the database row.
type Inline struct{}

func (Inline) Put(_ context.Context, _ string, data string) (string, error) { return data, nil }
func (Inline) Get(_ context.Context, stored string) (string, error)         { return stored, nil }
func (Inline) Delete(context.Context, string) error                         { return nil }
