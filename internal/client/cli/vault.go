package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/vaultsync/internal/client/vaults"
	"github.com/dmitrijs2005/vaultsync/internal/common"
)

// CreateVault creates a vault, leaves it unlocked and makes it current.
func (s *Session) CreateVault(ctx context.Context, name string, syncEnabled bool) error {
	password, err := GetNewPassword(s.out, "Vault password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	v, err := s.app.Vaults.Create(ctx, name, string(password), syncEnabled)
	if err != nil {
		return err
	}
	if err := s.app.Vaults.Open(ctx, v.ID); err != nil {
		return err
	}
	s.printf("Created vault %s (%s)\n", v.Name, v.ID)
	return nil
}

func (s *Session) ListVaults(ctx context.Context) error {
	list, err := s.app.Vaults.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		s.println("No vaults")
		return nil
	}
	current := ""
	if v, err := s.app.Vaults.Current(ctx); err == nil {
		current = v.ID
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tID\tSYNC\tLOCKED\tLAST SYNCED")
	for _, v := range list {
		mark := ""
		if v.ID == current {
			mark = "*"
		}
		synced := "never"
		if v.LastSyncedAt != nil {
			synced = common.FormatTime(*v.LastSyncedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, v.Name, v.ID,
			onOff(v.SyncEnabled), yesNo(!s.app.Vaults.IsUnlocked(v.ID)), synced)
	}
	return tw.Flush()
}

// OpenVault unlocks a vault and makes it the current one.
func (s *Session) OpenVault(ctx context.Context, ref string) error {
	if ref == "" {
		return errors.New("vault name or id is required")
	}
	v, err := s.app.Vaults.Find(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.unlock(ctx, v); err != nil {
		return err
	}
	if err := s.app.Vaults.Open(ctx, v.ID); err != nil {
		return err
	}
	s.printf("Opened vault %s\n", v.Name)
	return nil
}

// LockVault forgets the data key of a vault. Locking the current vault also
// closes it.
func (s *Session) LockVault(ctx context.Context, ref string) error {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return err
	}
	if cur, err := s.app.Vaults.Current(ctx); err == nil && cur.ID == v.ID {
		s.app.Vaults.CloseCurrent(ctx)
	}
	s.app.Vaults.Lock(ctx, v.ID)
	s.printf("Locked vault %s\n", v.Name)
	return nil
}

func (s *Session) RenameVault(ctx context.Context, ref, name string) error {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := s.app.Vaults.Rename(ctx, v.ID, name); err != nil {
		return err
	}
	s.printf("Renamed vault %s to %s\n", v.Name, name)
	return nil
}

// ChangeVaultPassword rewraps the vault's data key under a new password.
func (s *Session) ChangeVaultPassword(ctx context.Context, ref string) error {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return err
	}
	oldPassword, err := getPassword(s.out, "Current password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(oldPassword)
	newPassword, err := GetNewPassword(s.out, "New password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(newPassword)

	if err := s.app.Vaults.ChangePassword(ctx, v.ID, string(oldPassword), string(newPassword)); err != nil {
		return err
	}
	s.println("Password changed")
	return nil
}

func (s *Session) SetVaultSync(ctx context.Context, ref string, enabled bool) error {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := s.app.Vaults.SetSyncEnabled(ctx, v.ID, enabled); err != nil {
		return err
	}
	s.printf("Sync %s for vault %s\n", onOff(enabled), v.Name)
	return nil
}

// DeleteVault removes a vault from this device after confirmation. The
// server copy is left alone.
func (s *Session) DeleteVault(ctx context.Context, ref string, force bool) error {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return err
	}
	if !force {
		answer, err := getSimpleText(s.reader, fmt.Sprintf("Type the vault name (%s) to delete it from this device", v.Name), s.out)
		if err != nil {
			return err
		}
		if answer != v.Name {
			return errors.New("aborted")
		}
	}
	if err := s.app.Vaults.Delete(ctx, v.ID); err != nil {
		return err
	}
	s.printf("Deleted vault %s\n", v.Name)
	return nil
}

// PullVaults registers vaults that the account has on the server but this
// device does not know yet. With a ref only that vault is pulled.
func (s *Session) PullVaults(ctx context.Context, ref string) error {
	remote, err := s.app.Remote.ListVaults(ctx)
	if err != nil {
		return err
	}
	pulled := 0
	for _, rv := range remote {
		if ref != "" && rv.ID != ref && rv.Name != ref {
			continue
		}
		if _, err := s.app.Vaults.Get(ctx, rv.ID); err == nil {
			continue
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		v, err := s.app.Vaults.Adopt(ctx, &vaults.Vault{
			ID:               rv.ID,
			Name:             rv.Name,
			ProtectedDataKey: rv.ProtectedDataKey,
			SyncEnabled:      rv.SyncEnabled,
			CreatedAt:        rv.CreatedAt,
			UpdatedAt:        rv.UpdatedAt,
		})
		if err != nil {
			return err
		}
		pulled++
		s.printf("Pulled vault %s (%s)\n", v.Name, v.ID)
	}
	if pulled == 0 {
		s.println("Nothing to pull")
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newVaultCommand(s *Session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the vaults of this device",
	}

	var noSync bool
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a vault protected by its own password",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.CreateVault(c.Context(), args[0], !noSync)
		},
	}
	create.Flags().BoolVar(&noSync, "no-sync", false, "keep the vault on this device only")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List vaults",
		Args:    cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return s.ListVaults(c.Context())
		},
	}

	open := &cobra.Command{
		Use:   "open <vault>",
		Short: "Unlock a vault and make it current",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.OpenVault(c.Context(), args[0])
		},
	}

	lock := &cobra.Command{
		Use:   "lock [vault]",
		Short: "Forget the data key of a vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.LockVault(c.Context(), optionalArg(args))
		},
	}

	rename := &cobra.Command{
		Use:   "rename <vault> <new-name>",
		Short: "Rename a vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return s.RenameVault(c.Context(), args[0], args[1])
		},
	}

	passwd := &cobra.Command{
		Use:   "passwd [vault]",
		Short: "Change a vault password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.ChangeVaultPassword(c.Context(), optionalArg(args))
		},
	}

	var off bool
	syncEnable := &cobra.Command{
		Use:   "sync-enable [vault]",
		Short: "Turn sync on (or off with --off) for a vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.SetVaultSync(c.Context(), optionalArg(args), !off)
		},
	}
	syncEnable.Flags().BoolVar(&off, "off", false, "disable sync")

	var force bool
	del := &cobra.Command{
		Use:   "delete <vault>",
		Short: "Delete a vault from this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.DeleteVault(c.Context(), args[0], force)
		},
	}
	del.Flags().BoolVarP(&force, "force", "f", false, "do not ask for confirmation")

	pull := &cobra.Command{
		Use:   "pull [vault]",
		Short: "Register vaults of your account that this device does not have yet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return s.PullVaults(c.Context(), optionalArg(args))
		},
	}

	cmd.AddCommand(create, list, open, lock, rename, passwd, syncEnable, del, pull)
	return cmd
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
