package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// onlineCheckInterval is how often the shell pings the server.
const onlineCheckInterval = 30 * time.Second

// execIface defines the minimal command surface the REPL needs to operate.
// Session satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Exec(ctx context.Context, args []string) error
}

// runREPL starts a read–eval–print loop over the command tree.
//
// Each line is split into words (single and double quotes group words, so
// JSON can be passed as one argument) and executed as if given on the
// command line. Errors are printed and the loop continues. The loop exits
// on EOF, when ctx is done, or when the user types "exit" or "quit".
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader, w io.Writer) {
	for ctx.Err() == nil {
		fmt.Fprintf(w, "vs%s> ", statusFn())
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(w)
			return
		}
		args, perr := splitArgs(line)
		if perr != nil {
			fmt.Fprintln(w, "error:", perr)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "exit", "quit":
			fmt.Fprintln(w, "Bye!")
			return
		default:
			if err := a.Exec(ctx, args); err != nil {
				fmt.Fprintln(w, "error:", err)
			}
		}
	}
}

// splitArgs splits a command line into words. Quotes group words and are
// removed; inside double quotes a backslash escapes the next character.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '"' && r == '\\':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, errors.New("unterminated quote")
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}

// Exec runs one command line through a fresh command tree, so flag values
// never leak from one line to the next.
func (s *Session) Exec(ctx context.Context, args []string) error {
	root := NewRootCommand(s)
	root.SetArgs(args)
	root.SetIn(s.reader)
	root.SetOut(s.out)
	root.SetErr(s.out)
	return root.ExecuteContext(ctx)
}

// Shell keeps vaults unlocked between commands and syncs them in the
// background while it runs.
func (s *Session) Shell(ctx context.Context) error {
	s.shell = true
	defer func() { s.shell = false }()

	s.println("Welcome to vaultsync (type 'help' for commands, 'exit' to leave)")

	if name, err := s.app.Account.Username(ctx); err == nil && name != "" {
		s.setUser(name)
		if err := s.app.Account.Ping(ctx); err != nil {
			s.setMode(ModeOffline)
		} else {
			s.setMode(ModeOnline)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.app.EnableAutoSync(ctx); err != nil {
		return err
	}
	go s.StartOnlineStatusWatcher(ctx, onlineCheckInterval)

	runREPL(ctx, s, func() string { return s.getStatus(ctx) }, s.reader, s.out)
	return nil
}

func newShellCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell that keeps vaults unlocked and in sync",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if s.shell {
				return errors.New("already in the shell")
			}
			return s.Shell(c.Context())
		},
	}
}
