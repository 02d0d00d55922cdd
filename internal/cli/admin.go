package cli

import (
	"fmt"
	"time"

	"qms/pharmacy-service/internal/app"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/outbox"
	"qms/pharmacy-service/internal/session"

	"github.com/spf13/cobra"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the document store schema",
		Long:          "Migrate connects to --db and applies the schema. It is safe to run repeatedly.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.Database == "" {
				return NewExitError(ExitCommandError, "--db or DB_DSN is required")
			}
			// Opening a postgres store migrates it.
			_, _, closeStore, err := rootOpts.connect(cmd)
			if err != nil {
				return err
			}
			closeStore()
			return rootOpts.emit(cmd, map[string]string{"status": "migrated"}, "schema up to date")
		},
	}
}

type sessionOptions struct {
	*RootOptions
	SessionUser string
	Role        string
	Branches    []string
	TTL         time.Duration
}

// NewSessionCommand manages the sessions the HTTP API authenticates with.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage API sessions",
	}

	opts := &sessionOptions{RootOptions: rootOpts}
	create := &cobra.Command{
		Use:           "create",
		Short:         "Create a session and print its id",
		Example:       "  queuectl session create --for u-7 --role pharmacist --branches br-01,br-02 --ttl 12h",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, closeStore, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer closeStore()
			sessions := session.NewStore(st, nil)
			created, err := sessions.CreateSession(cmd.Context(), models.Session{
				UserID:    opts.SessionUser,
				Role:      opts.Role,
				BranchIDs: opts.Branches,
				ExpiresAt: time.Now().Add(opts.TTL),
			})
			if err != nil {
				return WrapExitError(ExitFailure, "create session failed", err)
			}
			return opts.emit(cmd, created, created.SessionID)
		},
	}
	create.Flags().StringVar(&opts.SessionUser, "for", "", "user id the session belongs to (required)")
	_ = create.MarkFlagRequired("for")
	create.Flags().StringVar(&opts.Role, "role", models.RolePharmacist, "role: admin, pharmacist, customer, kiosk or display")
	create.Flags().StringSliceVar(&opts.Branches, "branches", nil, "allowed branch ids (all branches when empty)")
	create.Flags().DurationVar(&opts.TTL, "ttl", 12*time.Hour, "session lifetime")

	cmd.AddCommand(create)
	return cmd
}

type relayOptions struct {
	*RootOptions
	Follow bool
}

func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &relayOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox events",
		Long: `Relay publishes pending outbox events to the configured Kafka and AMQP
targets, or to the log when neither is set. Without --follow it drains the
outbox once and exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, logger, closeStore, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			publisher := app.Publisher(opts.cfg, logger)
			defer publisher.Close()
			relay := outbox.NewRelay(st, publisher, outbox.Config{BatchSize: opts.cfg.OutboxBatchSize, Logger: logger})

			if opts.Follow {
				outbox.Start(cmd.Context(), opts.cfg.OutboxPollInterval, relay)
				return nil
			}
			total := 0
			for {
				n, err := relay.Run(cmd.Context())
				total += n
				if err != nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("relay stopped after %d events", total), err)
				}
				if n == 0 {
					break
				}
			}
			return opts.emit(cmd, map[string]int{"published": total}, fmt.Sprintf("published %d events", total))
		},
	}
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep polling until interrupted")
	return cmd
}
