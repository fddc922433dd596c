package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/vaultsync/internal/client/app"
	"github.com/dmitrijs2005/vaultsync/internal/client/vaults"
)

// Sync reconciles one vault with the server right away.
func (s *Session) Sync(ctx context.Context, ref string) error {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return err
	}
	if !v.SyncEnabled {
		return fmt.Errorf("sync is disabled for vault %s", v.Name)
	}
	if err := s.unlock(ctx, v); err != nil {
		return err
	}
	err = s.app.SyncOnce(ctx, v.ID)
	if errors.Is(err, app.ErrSyncElsewhere) {
		s.println("Another vaultsync instance is syncing this vault; your changes reach it through the relay.")
		return nil
	}
	if err != nil {
		return err
	}
	s.printf("Vault %s synced\n", v.Name)
	return nil
}

// unlockSyncedVaults prompts for the password of every vault with sync
// enabled that is still locked. A wrong password skips the vault.
func (s *Session) unlockSyncedVaults(ctx context.Context) ([]*vaults.Vault, error) {
	list, err := s.app.Vaults.List(ctx)
	if err != nil {
		return nil, err
	}
	var unlocked []*vaults.Vault
	for _, v := range list {
		if !v.SyncEnabled {
			continue
		}
		if err := s.unlock(ctx, v); err != nil {
			s.logger.Warn(ctx, "vault stays locked", "vault", v.Name, "error", err)
			continue
		}
		unlocked = append(unlocked, v)
	}
	return unlocked, nil
}

// Daemon unlocks the synced vaults and keeps them in sync until the process
// is signalled. Several daemons and shells may run at once; each vault is
// synced by one of them.
func (s *Session) Daemon(ctx context.Context) error {
	unlocked, err := s.unlockSyncedVaults(ctx)
	if err != nil {
		return err
	}
	if len(unlocked) == 0 {
		return errors.New("no vault with sync enabled could be unlocked")
	}
	s.printf("Syncing %d vault(s), press Ctrl+C to stop\n", len(unlocked))
	return s.app.Run(ctx)
}

func newSyncCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [vault]",
		Short: "Reconcile a vault with the server now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.Sync(c.Context(), optionalArg(args))
		},
	}
}

func newDaemonCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep every synced vault in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if s.shell {
				return errors.New("daemon is not available inside the shell; the shell already syncs")
			}
			return s.Daemon(c.Context())
		},
	}
}
