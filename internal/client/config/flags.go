package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/flagx"
)

// Flags names the command-line flags this package reads. Each may be given
// with one or two dashes. Command trees that parse os.Args themselves must
// tolerate them.
var Flags = []string{
	"a", "server",
	"d", "data-dir",
	"i", "sync-interval",
	"l", "log-file",
	"u", "user",
}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short and long forms):
//
//	-a, -server string         base URL of the sync server
//	-d, -data-dir string       data directory
//	-i, -sync-interval int     sync interval in seconds
//	-l, -log-file string       log to this rotating file instead of stderr
//	-u, -user string           account name
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with subcommand flags.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], Flags...)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	for _, name := range []string{"a", "server"} {
		fs.StringVar(&cfg.ServerURL, name, cfg.ServerURL, "base URL of the sync server")
	}
	for _, name := range []string{"d", "data-dir"} {
		fs.StringVar(&cfg.DataDir, name, cfg.DataDir, "data directory")
	}
	seconds := int(cfg.SyncInterval.Seconds())
	for _, name := range []string{"i", "sync-interval"} {
		fs.IntVar(&seconds, name, seconds, "sync interval (in seconds)")
	}
	for _, name := range []string{"l", "log-file"} {
		fs.StringVar(&cfg.LogFile, name, cfg.LogFile, "log file")
	}
	for _, name := range []string{"u", "user"} {
		fs.StringVar(&cfg.Username, name, cfg.Username, "account name")
	}

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(seconds) * time.Second
}
