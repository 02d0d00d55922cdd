package cli

import (
	"context"
	"fmt"
	"strings"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/queue"

	"github.com/spf13/cobra"
)

type branchOptions struct {
	*RootOptions
	Branch string
}

func addBranchFlag(cmd *cobra.Command, opts *branchOptions) {
	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "branch id (required)")
	_ = cmd.MarkFlagRequired("branch")
}

func (o *branchOptions) engine(st docstore.Store, cmd *cobra.Command) *queue.Engine {
	return queue.NewEngine(st, queue.Options{ResetBatchSize: o.cfg.ResetBatchSize, Logger: o.logger(cmd.ErrOrStderr())})
}

func NewIssueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &branchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "issue",
		Short:         "Issue the next ticket for a branch",
		Example:       "  queuectl issue --branch br-01",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, e *queue.Engine) error {
				ticket, err := e.IssueTicket(ctx, opts.Branch)
				if err != nil {
					return WrapExitError(ExitFailure, "issue failed", err)
				}
				return opts.emit(cmd, ticket, fmt.Sprintf("issued #%d (%s)", ticket.TicketNumber, ticket.TicketID))
			})
		},
	}
	addBranchFlag(cmd, opts)
	return cmd
}

func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &branchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "next",
		Short:         "Call the lowest waiting ticket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, e *queue.Engine) error {
				ticket, found, err := e.AdvanceTicket(ctx, opts.Branch)
				if err != nil {
					return WrapExitError(ExitFailure, "advance failed", err)
				}
				return opts.emitTicket(cmd, ticket, found, "serving", "no tickets waiting")
			})
		},
	}
	addBranchFlag(cmd, opts)
	return cmd
}

func NewDoneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &branchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "done",
		Short:         "Complete the ticket being served",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, e *queue.Engine) error {
				ticket, found, err := e.CompleteTicket(ctx, opts.Branch)
				if err != nil {
					return WrapExitError(ExitFailure, "complete failed", err)
				}
				return opts.emitTicket(cmd, ticket, found, "done", "nothing is being served")
			})
		},
	}
	addBranchFlag(cmd, opts)
	return cmd
}

type resetOptions struct {
	branchOptions
	Yes bool
}

func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resetOptions{branchOptions: branchOptions{RootOptions: rootOpts}}
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a branch queue to zero and delete its tickets",
		Long: `Reset sets the ticket counter back to zero, clears the serving slot and
deletes every ticket of the branch. Deletion runs in batches after the
counter reset, so new tickets may be issued while old ones drain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return NewExitError(ExitCommandError, "refusing to reset without --yes")
			}
			return opts.withQueue(cmd, func(ctx context.Context, e *queue.Engine) error {
				if err := e.ResetQueue(ctx, opts.Branch); err != nil {
					return WrapExitError(ExitFailure, "reset failed", err)
				}
				return opts.emit(cmd, map[string]string{"status": "reset", "branch_id": opts.Branch}, "queue "+opts.Branch+" reset")
			})
		},
	}
	addBranchFlag(cmd, &opts.branchOptions)
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the reset")
	return cmd
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &branchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show the queue snapshot of a branch",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, e *queue.Engine) error {
				snapshot, err := e.Snapshot(ctx, opts.Branch)
				if err != nil {
					return WrapExitError(ExitFailure, "status failed", err)
				}
				return opts.emit(cmd, snapshot, formatSnapshot(snapshot))
			})
		},
	}
	addBranchFlag(cmd, opts)
	return cmd
}

func (o *branchOptions) withQueue(cmd *cobra.Command, fn func(context.Context, *queue.Engine) error) error {
	st, _, closeStore, err := o.connect(cmd)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(cmd.Context(), o.engine(st, cmd))
}

func (o *branchOptions) emitTicket(cmd *cobra.Command, ticket models.Ticket, found bool, verb, empty string) error {
	if !found {
		return o.emit(cmd, map[string]any{"found": false}, empty)
	}
	return o.emit(cmd, map[string]any{"found": true, "ticket": ticket}, fmt.Sprintf("%s #%d (%s)", verb, ticket.TicketNumber, ticket.TicketID))
}

func formatSnapshot(s models.QueueSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "branch:      %s\n", s.Meta.BranchID)
	fmt.Fprintf(&b, "issued:      %d\n", s.Meta.CurrentNumber)
	fmt.Fprintf(&b, "now serving: %s\n", ticketLabel(s.NowServing))
	fmt.Fprintf(&b, "next:        %s\n", ticketLabel(s.NextWaiting))
	fmt.Fprintf(&b, "waiting:     %d", s.WaitingCount)
	return b.String()
}

func ticketLabel(t *models.Ticket) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("#%d", t.TicketNumber)
}
