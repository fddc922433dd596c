// Package migrations embeds the goose migrations of the client databases:
// the device-wide vault registry and the per-vault entity database.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed registry/*.sql
var registry embed.FS

//go:embed vault/*.sql
var vault embed.FS

// Registry returns the migrations of the vault registry database.
func Registry() fs.FS {
	sub, _ := fs.Sub(registry, "registry")
	return sub
}

// Vault returns the migrations of a per-vault database.
func Vault() fs.FS {
	sub, _ := fs.Sub(vault, "vault")
	return sub
}
