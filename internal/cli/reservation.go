package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/reservation"

	"github.com/spf13/cobra"
)

func (o *RootOptions) withReservations(cmd *cobra.Command, fn func(context.Context, *reservation.Engine) error) error {
	st, logger, closeStore, err := o.connect(cmd)
	if err != nil {
		return err
	}
	defer closeStore()
	e := reservation.NewEngine(st, reservation.Options{
		DefaultExpiresHours: o.cfg.ReservationExpiresHours,
		StrictTransitions:   o.cfg.StrictTransitions,
		Logger:              logger,
	})
	return fn(cmd.Context(), e)
}

// refused maps engine outcomes a caller can act on to ExitFailure; anything
// else is a command error.
func refused(message string, err error) error {
	switch {
	case errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, reservation.ErrExpired),
		errors.Is(err, reservation.ErrInvalidTransition),
		errors.Is(err, reservation.ErrInvalidInput):
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

type claimOptions struct {
	branchOptions
	Code string
}

func NewClaimCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &claimOptions{branchOptions: branchOptions{RootOptions: rootOpts}}
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a reservation by QR payload or typed token",
		Example: `  queuectl claim --branch br-01 --code 7KQ2M9XAHN4RTW8PZC3D
  queuectl claim --branch br-01 --code '{"type":"reservation","branchId":"br-01","token":"..."}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := reservation.ParseCode(opts.Code)
			if err != nil {
				return refused("claim failed", err)
			}
			if payload.BranchID != "" && payload.BranchID != opts.Branch {
				return refused("claim failed", reservation.ErrNotFound)
			}
			return opts.withReservations(cmd, func(ctx context.Context, e *reservation.Engine) error {
				claimed, err := e.ClaimByToken(ctx, opts.actor(), opts.Branch, payload.Token)
				if err != nil {
					return refused("claim failed", err)
				}
				return opts.emit(cmd, claimed, fmt.Sprintf("claimed %s for %s", claimed.ReservationID, claimed.CustomerName))
			})
		},
	}
	addBranchFlag(cmd, &opts.branchOptions)
	cmd.Flags().StringVar(&opts.Code, "code", "", "QR payload or token (required)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

// NewReservationCommand groups the staff reservation operations.
func NewReservationCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reservation",
		Aliases: []string{"res"},
		Short:   "Inspect and update reservations",
	}
	cmd.AddCommand(newReservationListCommand(rootOpts))
	cmd.AddCommand(newReservationShowCommand(rootOpts))
	cmd.AddCommand(newReservationActionCommand(rootOpts, reservation.ActionComplete))
	cmd.AddCommand(newReservationActionCommand(rootOpts, reservation.ActionArchive))
	return cmd
}

func newReservationListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &branchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List reservations, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withReservations(cmd, func(ctx context.Context, e *reservation.Engine) error {
				list, err := e.List(ctx, opts.Branch)
				if err != nil {
					return refused("list failed", err)
				}
				if opts.Format == "json" {
					return opts.emit(cmd, list, "")
				}
				return writeReservationTable(cmd, list, e)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "branch id (all branches when empty)")
	return cmd
}

func writeReservationTable(cmd *cobra.Command, list []models.Reservation, e *reservation.Engine) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "No reservations found.")
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBRANCH\tCUSTOMER\tSTATUS\tQTY\tEXPIRES")
	now := e.Now()
	for _, r := range list {
		status := r.Status
		if models.IsExpired(r.Status, r.ExpiresAt, now) {
			status += " (expired)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ReservationID, r.BranchID, r.CustomerName, status, r.TotalQty, r.ExpiresAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

type reservationIDOptions struct {
	*RootOptions
	ID string
}

func addIDFlag(cmd *cobra.Command, opts *reservationIDOptions) {
	cmd.Flags().StringVar(&opts.ID, "id", "", "reservation id (required)")
	_ = cmd.MarkFlagRequired("id")
}

func newReservationShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &reservationIDOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "show",
		Short:         "Show a reservation with its items",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withReservations(cmd, func(ctx context.Context, e *reservation.Engine) error {
				found, ok, err := e.Get(ctx, opts.ID)
				if err != nil {
					return refused("show failed", err)
				}
				if !ok {
					return refused("show failed", reservation.ErrNotFound)
				}
				items, err := e.Items(ctx, found.ReservationID)
				if err != nil {
					return refused("show failed", err)
				}
				detail := map[string]any{
					"reservation": found,
					"items":       items,
					"cost":        models.ItemsCost(items),
					"expired":     models.IsExpired(found.Status, found.ExpiresAt, e.Now()),
				}
				return opts.emit(cmd, detail, formatReservation(found, items))
			})
		},
	}
	addIDFlag(cmd, opts)
	return cmd
}

func newReservationActionCommand(rootOpts *RootOptions, action string) *cobra.Command {
	opts := &reservationIDOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           action,
		Short:         "Mark a reservation " + models.ReservationCompleted,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withReservations(cmd, func(ctx context.Context, e *reservation.Engine) error {
				var (
					updated models.Reservation
					err     error
				)
				if action == reservation.ActionArchive {
					updated, err = e.Archive(ctx, opts.actor(), opts.ID)
				} else {
					updated, err = e.Complete(ctx, opts.actor(), opts.ID)
				}
				if err != nil {
					return refused(action+" failed", err)
				}
				return opts.emit(cmd, updated, fmt.Sprintf("%s is now %s", updated.ReservationID, updated.Status))
			})
		},
	}
	if action == reservation.ActionArchive {
		cmd.Short = "Mark a reservation " + models.ReservationArchived
	}
	addIDFlag(cmd, opts)
	return cmd
}

func formatReservation(r models.Reservation, items []models.ReservationItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s\n", r.ReservationID, r.CustomerName, r.Status)
	for _, it := range items {
		fmt.Fprintf(&b, "  %-24s x%d  %.2f\n", it.MedicineName, it.Qty, it.Price)
	}
	fmt.Fprintf(&b, "total %.2f", models.ItemsCost(items))
	return b.String()
}
