package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"qms/pharmacy-service/internal/app"
	"qms/pharmacy-service/internal/config"
	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"

	"github.com/spf13/cobra"
)

// OpenFunc connects a document store and returns its release func.
type OpenFunc func(ctx context.Context, dsn string, logger *slog.Logger) (docstore.Store, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	Format   string // "json" | "text"
	User     string
	Verbose  bool

	cfg  config.Config
	open OpenFunc
}

var ValidFormats = []string{"text", "json"}

var errNoDatabase = errors.New("--db or DB_DSN is required")

// NewRootCommand builds queuectl against the store named by --db.
func NewRootCommand() *cobra.Command {
	return newRootCommand(config.Load(), openDatabase)
}

// openDatabase refuses to fall back to an in-memory store: each command is a
// separate process, so its writes would vanish on exit.
func openDatabase(ctx context.Context, dsn string, logger *slog.Logger) (docstore.Store, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil, errNoDatabase
	}
	return app.OpenStore(ctx, dsn, logger)
}

func newRootCommand(cfg config.Config, open OpenFunc) *cobra.Command {
	opts := &RootOptions{cfg: cfg, open: open}

	cmd := &cobra.Command{
		Use:   "queuectl",
		Short: "Operate pharmacy queues and reservations",
		Long: `queuectl drives the pharmacy queue and reservation engines directly
against the document store, without going through the HTTP API.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", cfg.DatabaseURL, "postgres DSN, required (defaults to DB_DSN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.User, "user", "queuectl", "user id recorded on reservation changes")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewIssueCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewDoneCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewReservationCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))

	return cmd
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// connect opens the store for one command. The returned func must be called
// once the command is done with it.
func (o *RootOptions) connect(cmd *cobra.Command) (docstore.Store, *slog.Logger, func(), error) {
	logger := o.logger(cmd.ErrOrStderr())
	st, closeStore, err := o.open(cmd.Context(), o.Database, logger)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, logger, closeStore, nil
}

func (o *RootOptions) actor() models.Actor {
	return models.Actor{UserID: o.User, Role: models.RoleAdmin}
}
