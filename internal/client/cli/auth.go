package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/vaultsync/internal/common"
)

func (s *Session) askUsername() (string, error) {
	if u := s.app.Config.Username; u != "" {
		return u, nil
	}
	u, err := getSimpleText(s.reader, "Enter username", s.out)
	if err != nil {
		return "", err
	}
	if u == "" {
		return "", errors.New("username is required")
	}
	return u, nil
}

// Register prompts the user for a username and password and attempts to
// create a new account on the server.
//
// On success it prints "Success!" and returns nil. The password byte slice
// is securely wiped before returning.
func (s *Session) Register(ctx context.Context) error {
	userName, err := s.askUsername()
	if err != nil {
		return err
	}

	password, err := GetNewPassword(s.out, "Enter password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := s.app.Account.Register(ctx, userName, password); err != nil {
		return err
	}

	s.println("Success!")
	return nil
}

// Login prompts the user for credentials and tries to authenticate.
//
// The method first attempts an online login. If the server is unreachable
// (errors.Is(err, common.ErrNetwork)), it falls back to offline login
// against the credentials cached by the last online login. The session mode
// becomes:
//   - ModeOnline if online login succeeds,
//   - ModeOffline if offline login succeeds,
//   - ModeDisabled if both fail.
//
// The password and the derived master key are wiped before returning.
func (s *Session) Login(ctx context.Context) error {
	userName, err := s.askUsername()
	if err != nil {
		return err
	}

	password, err := getPassword(s.out, "Enter password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	masterKey, err := s.app.Account.OnlineLogin(ctx, userName, password)
	switch {
	case err == nil:
		s.logger.Info(ctx, "Login successful", "user", userName)
		s.setMode(ModeOnline)
	case errors.Is(err, common.ErrNetwork):
		s.logger.Warn(ctx, "Server unavailable, trying offline login...")
		masterKey, err = s.app.Account.OfflineLogin(ctx, userName, password)
		if err != nil {
			s.setMode(ModeDisabled)
			return fmt.Errorf("offline login unsuccessful: %w", err)
		}
		s.logger.Info(ctx, "Offline login successful", "user", userName)
		s.setMode(ModeOffline)
	default:
		return fmt.Errorf("login unsuccessful: %w", err)
	}
	common.WipeByteArray(masterKey)

	s.setUser(userName)
	s.printf("Logged in as %s (%s)\n", userName, s.Mode())
	return nil
}

// Logout forgets the tokens and the cached offline credentials.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.app.Account.Logout(ctx); err != nil {
		return err
	}
	s.setUser("")
	s.setMode("")
	s.println("Logged out")
	return nil
}

// Status prints the account, server reachability and vault states.
func (s *Session) Status(ctx context.Context) error {
	name, err := s.app.Account.Username(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		name = "(not logged in)"
	}
	server := "reachable"
	if err := s.app.Account.Ping(ctx); err != nil {
		server = "unreachable: " + err.Error()
	}
	s.printf("Account: %s\nServer:  %s %s\n", name, s.app.Config.ServerURL, server)
	return s.ListVaults(ctx)
}

func newRegisterCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account on the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.Register(cmd.Context())
		},
	}
}

func newLoginCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in, falling back to cached credentials when offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.Login(cmd.Context())
		},
	}
}

func newLogoutCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session tokens and cached credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.Logout(cmd.Context())
		},
	}
}

func newStatusCommand(s *Session) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account, server and vault status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.Status(cmd.Context())
		},
	}
}
