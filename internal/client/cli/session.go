package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/client/app"
	"github.com/dmitrijs2005/vaultsync/internal/client/store"
	"github.com/dmitrijs2005/vaultsync/internal/client/vaults"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

type Mode string

const (
	ModeOffline  Mode = "offline"
	ModeOnline   Mode = "online"
	ModeDisabled Mode = "disabled"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

var errNoVaultSelected = errors.New("no vault selected: pass --vault or run 'vault open <name>'")

// Session is the state shared by the commands of one process: the wired
// app, the input it prompts on and, in the shell, the login state.
type Session struct {
	app    *app.App
	logger logging.Logger
	reader *bufio.Reader
	out    io.Writer
	shell  bool

	mu       sync.Mutex
	mode     Mode
	userName string
}

func NewSession(a *app.App, in io.Reader, out io.Writer) *Session {
	return &Session{
		app:    a,
		logger: a.Logger.With("module", "cli"),
		reader: bufio.NewReader(in),
		out:    out,
	}
}

func (s *Session) setMode(mode Mode) {
	s.mu.Lock()
	changed := s.mode != mode
	s.mode = mode
	s.mu.Unlock()
	if changed {
		s.logger.Info(context.Background(), "switched mode", "mode", mode)
	}
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) setUser(name string) {
	s.mu.Lock()
	s.userName = name
	s.mu.Unlock()
}

// getStatus renders the prompt decoration: user, connectivity mode and the
// current vault.
func (s *Session) getStatus(ctx context.Context) string {
	s.mu.Lock()
	st := ""
	if s.userName != "" {
		st = s.userName + " "
	}
	if s.mode != "" {
		st = st + string(s.mode)
	}
	s.mu.Unlock()

	if v, err := s.app.Vaults.Current(ctx); err == nil {
		if st != "" {
			st += " "
		}
		st += "@" + v.Name
	}
	if st != "" {
		st = fmt.Sprintf("(%s)", st)
	}
	return st
}

// StartOnlineStatusWatcher pings the server every interval and flips the
// session between online and offline. A disabled session stays disabled.
func (s *Session) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.Mode() == ModeDisabled || s.Mode() == "" {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := s.app.Account.Ping(pingCtx)
			cancel()

			if err != nil {
				s.setMode(ModeOffline)
			} else {
				s.setMode(ModeOnline)
			}

		case <-ctx.Done():
			return
		}
	}
}

// resolveVault finds the vault named by ref (name or id). Without a ref it
// falls back to the current vault, then to the only vault of the device.
func (s *Session) resolveVault(ctx context.Context, ref string) (*vaults.Vault, error) {
	if ref != "" {
		return s.app.Vaults.Find(ctx, ref)
	}
	v, err := s.app.Vaults.Current(ctx)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, common.ErrNoCurrentVault) {
		return nil, err
	}
	list, err := s.app.Vaults.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 1 {
		return list[0], nil
	}
	return nil, errNoVaultSelected
}

// unlock prompts for the vault password unless the vault is already
// unlocked in this process.
func (s *Session) unlock(ctx context.Context, v *vaults.Vault) error {
	if s.app.Vaults.IsUnlocked(v.ID) {
		return nil
	}
	pw, err := getPassword(s.out, fmt.Sprintf("Password for vault %q", v.Name))
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)
	return s.app.Vaults.Unlock(ctx, v.ID, string(pw))
}

// openStore resolves and unlocks a vault and returns its entity store.
func (s *Session) openStore(ctx context.Context, ref string) (*store.Store, error) {
	v, err := s.resolveVault(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.unlock(ctx, v); err != nil {
		return nil, err
	}
	return s.app.Vaults.OpenStore(ctx, v.ID)
}

// author is recorded as created_by / updated_by: the account name when one
// is known, the instance id otherwise.
func (s *Session) author(ctx context.Context) string {
	s.mu.Lock()
	name := s.userName
	s.mu.Unlock()
	if name != "" {
		return name
	}
	if name, err := s.app.Account.Username(ctx); err == nil && name != "" {
		return name
	}
	return s.app.Bus.Device().ID
}

func (s *Session) println(a ...any) {
	fmt.Fprintln(s.out, a...)
}

func (s *Session) printf(format string, a ...any) {
	fmt.Fprintf(s.out, format, a...)
}
