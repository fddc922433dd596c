package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/vaultsync/internal/client/app"
	"github.com/dmitrijs2005/vaultsync/internal/client/cli"
	"github.com/dmitrijs2005/vaultsync/internal/client/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.LoadConfig()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s := cli.NewSession(a, os.Stdin, os.Stdout)
	return cli.Execute(ctx, s, os.Args[1:])
}
