// Package sessionctl is the operator tool for remote sessions: it stores an
// encrypted session for a user, revokes it, reports whether one exists and
// mints bearer tokens for local testing.
package sessionctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/server/auth"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// Commands lists the subcommands in the order they are documented.
var Commands = []string{"put", "revoke", "status", "token"}

var ErrUsage = errors.New("usage: sessionctl [config flags] put|revoke|status|token -user ID [options]")

// SessionStore is the subset of the session store the tool drives.
type SessionStore interface {
	Put(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, userID int64) error
	Exists(ctx context.Context, userID int64) (bool, error)
}

type App struct {
	store     SessionStore
	secretKey []byte
	stdin     *os.File
	out       io.Writer
}

func New(store SessionStore, secretKey string, stdin *os.File, out io.Writer) *App {
	return &App{store: store, secretKey: []byte(secretKey), stdin: stdin, out: out}
}

// SplitCommand returns the subcommand found in args and the arguments after it.
// Arguments before the subcommand belong to the shared configuration.
func SplitCommand(args []string) (string, []string) {
	for i, a := range args {
		if slices.Contains(Commands, a) {
			return a, args[i+1:]
		}
	}
	return "", nil
}

func (a *App) Run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "put":
		return a.put(ctx, args)
	case "revoke":
		return a.revoke(ctx, args)
	case "status":
		return a.status(ctx, args)
	case "token":
		return a.token(args)
	default:
		return ErrUsage
	}
}

// command is the flag set shared by every subcommand.
type command struct {
	fs     *flag.FlagSet
	userID *int64
}

func (a *App) command(name string) *command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return &command{fs: fs, userID: fs.Int64("user", 0, "user id")}
}

func (c *command) parse(args []string) (int64, error) {
	if err := c.fs.Parse(args); err != nil {
		return 0, err
	}
	if *c.userID <= 0 {
		return 0, fmt.Errorf("%w: -user must be a positive id", ErrUsage)
	}
	return *c.userID, nil
}

func (a *App) put(ctx context.Context, args []string) error {
	c := a.command("put")
	file := c.fs.String("file", "", "read the session blob from this file")
	userID, err := c.parse(args)
	if err != nil {
		return err
	}

	blob, err := readBlob(*file, a.stdin, a.out)
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, &models.Session{UserID: userID, Blob: blob}); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	fmt.Fprintf(a.out, "session stored for user %d\n", userID)
	return nil
}

func (a *App) revoke(ctx context.Context, args []string) error {
	userID, err := a.command("revoke").parse(args)
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, userID); err != nil {
		if errors.Is(err, common.ErrSessionNotFound) {
			fmt.Fprintf(a.out, "user %d has no session\n", userID)
			return nil
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	fmt.Fprintf(a.out, "session revoked for user %d\n", userID)
	return nil
}

func (a *App) status(ctx context.Context, args []string) error {
	userID, err := a.command("status").parse(args)
	if err != nil {
		return err
	}
	ok, err := a.store.Exists(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "user %d has_session=%t\n", userID, ok)
	return nil
}

func (a *App) token(args []string) error {
	c := a.command("token")
	ttl := c.fs.Duration("ttl", 24*time.Hour, "token validity")
	userID, err := c.parse(args)
	if err != nil {
		return err
	}
	tok, err := auth.GenerateToken(userID, a.secretKey, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, tok)
	return nil
}
