// Package cli provides the vaultsync command-line client.
//
// Every command is a cobra subcommand working on a Session, which wraps the
// wired app.App and the terminal. Run without arguments (or with "shell")
// the client becomes an interactive REPL that keeps unlocked vaults in
// memory and syncs them in the background; one-shot commands prompt for
// the vault password each time.
//
// Key features:
//   - register / login (online with offline fallback) / logout / status
//   - vault create, list, open, lock, rename, passwd, sync-enable, delete, pull
//   - entity create, get, update, delete, list, history, delete-version, watch
//   - sync (one reconciliation) and daemon (continuous sync)
//
// See Session, NewRootCommand and runREPL for details.
package cli
