package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/vaultsync/internal/buildinfo"
)

// NewRootCommand builds the command tree around a session.
//
// The global flags are read by config.LoadConfig before the tree exists;
// they are declared here so that cobra accepts them and lists them in help.
func NewRootCommand(s *Session) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultsync",
		Short:         "Local-first encrypted vaults with background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (JSON or YAML)")
	pf.StringP("server", "a", "", "base URL of the sync server")
	pf.StringP("data-dir", "d", "", "data directory")
	pf.IntP("sync-interval", "i", 0, "sync interval (in seconds)")
	pf.StringP("log-file", "l", "", "log to this rotating file instead of stderr")
	pf.StringP("user", "u", "", "account name")

	root.AddCommand(
		newRegisterCommand(s),
		newLoginCommand(s),
		newLogoutCommand(s),
		newStatusCommand(s),
		newVaultCommand(s),
		newEntityCommand(s),
		newSyncCommand(s),
		newDaemonCommand(s),
		newShellCommand(s),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			buildinfo.PrintBuildData(c.OutOrStdout())
		},
	}
}

// Execute runs the command line args. Without a command the shell starts.
func Execute(ctx context.Context, s *Session, args []string) error {
	root := NewRootCommand(s)
	root.RunE = func(c *cobra.Command, _ []string) error {
		return s.Shell(c.Context())
	}
	root.SetArgs(args)
	root.SetOut(s.out)
	return root.ExecuteContext(ctx)
}
