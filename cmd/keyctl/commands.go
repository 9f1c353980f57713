package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"token-service/internal/clock"
	"token-service/internal/keystore"
	"token-service/internal/limiter"
	"token-service/internal/models"
	"token-service/internal/rotation"
)

// RotationManager drives key rotation. *rotation.Coordinator satisfies it.
type RotationManager interface {
	Status(ctx context.Context) (rotation.Status, error)
	Initiate(ctx context.Context) (keystore.KeyVersion, error)
	Activate(ctx context.Context, version int64) error
	Complete(ctx context.Context, now time.Time) ([]int64, error)
	Rotate(ctx context.Context) (keystore.KeyVersion, error)
}

// UserCreator persists new users. *database.UserRepository satisfies it.
type UserCreator interface {
	Create(ctx context.Context, u *models.User) error
}

// CLI executes keyctl commands against its dependencies.
type CLI struct {
	Rotation   RotationManager
	Users      UserCreator
	Clock      clock.Clock
	BcryptCost int
	Stdin      io.Reader
	Stdout     io.Writer
}

// Execute runs one command.
func (c *CLI) Execute(ctx context.Context, command string, args []string) error {
	switch command {
	case "status":
		return c.status(ctx)
	case "initiate":
		key, err := c.Rotation.Initiate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Stdout, "created pending key version %d\n", key.Version)
		return nil
	case "activate":
		return c.activate(ctx, args)
	case "sweep":
		retired, err := c.Rotation.Complete(ctx, c.Clock.Now())
		if err != nil {
			return err
		}
		if len(retired) == 0 {
			fmt.Fprintln(c.Stdout, "no keys retired")
			return nil
		}
		for _, v := range retired {
			fmt.Fprintf(c.Stdout, "retired key version %d\n", v)
		}
		return nil
	case "rotate":
		key, err := c.Rotation.Rotate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Stdout, "key version %d is now %s\n", key.Version, key.State)
		return c.status(ctx)
	case "user-add":
		return c.userAdd(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *CLI) status(ctx context.Context) error {
	status, err := c.Rotation.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Stdout, "phase: %s\n", status.Phase)
	w := tabwriter.NewWriter(c.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tCREATED\tRETIRE AT")
	for _, k := range status.Keys {
		retireAt := "-"
		if k.RetireAt != nil {
			retireAt = k.RetireAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", k.Version, k.State, k.CreatedAt.UTC().Format(time.RFC3339), retireAt)
	}
	return w.Flush()
}

func (c *CLI) activate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: keyctl activate <version>")
	}
	version, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || version <= 0 {
		return fmt.Errorf("invalid key version %q", args[0])
	}
	if err := c.Rotation.Activate(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "key version %d is now active\n", version)
	return nil
}

func (c *CLI) userAdd(ctx context.Context, args []string) error {
	var attributes map[string]string

	flagSet := pflag.NewFlagSet("user-add", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringToStringVar(&attributes, "attr", nil, "token attribute as key=value (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: keyctl user-add [--attr key=value] <identifier>")
	}
	identifier := limiter.NormalizeIdentifier(flagSet.Arg(0))
	if identifier == "" {
		return errors.New("identifier must not be empty")
	}

	password, err := bufio.NewReader(c.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Identifier:   identifier,
		PasswordHash: string(hash),
		Attributes:   attributes,
	}
	if err := c.Users.Create(ctx, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Fprintf(c.Stdout, "created user %s (%s)\n", user.ID, user.Identifier)
	return nil
}
