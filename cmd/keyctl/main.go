// keyctl is the operator CLI for signing key rotation and user
// provisioning. It talks to the key and user tables directly, so it needs
// the same DATABASE_URL and KEY_SEALING_URL as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"token-service/internal/clock"
	"token-service/internal/config"
	"token-service/internal/database"
	"token-service/internal/keystore"
	"token-service/internal/rotation"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var verbose bool

	flagSet := pflag.NewFlagSet("keyctl", pflag.ContinueOnError)
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		printUsage(flagSet)
		return errors.New("missing command")
	}

	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		defer logger.Sync()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return err
	}
	db, err := database.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	sealer, err := keystore.OpenSealer(ctx, cfg.KeySealingURL)
	if err != nil {
		return err
	}
	defer sealer.Close()

	clk := clock.Real()
	keys, err := keystore.New(ctx, database.NewKeyRepository(db), sealer, clk, keystore.Options{
		GraceWindow:  cfg.KeyGraceWindow,
		CacheTTL:     cfg.KeyCacheTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)
	if err != nil {
		return err
	}

	cli := &CLI{
		Rotation:   rotation.NewCoordinator(keys, logger),
		Users:      database.NewUserRepository(db),
		Clock:      clk,
		BcryptCost: cfg.BcryptCost,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
	}
	return cli.Execute(ctx, flagSet.Arg(0), flagSet.Args()[1:])
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `keyctl manages signing keys and users of the token service.

Usage:
  keyctl [flags] <command> [args]

Commands:
  status                  list key versions and the rotation phase
  initiate                create a pending key (begin rotation)
  activate <version>      promote a pending key to active
  sweep                   retire keys whose grace window has passed
  rotate                  advance rotation by one step
  user-add <identifier>   create a user; the password is read from stdin

Flags:
%s`, flagSet.FlagUsages())
}
