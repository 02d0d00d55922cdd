package cli

import (
	"encoding/json"
	"fmt"

	"qms/pharmacy-service/internal/hub"
	"qms/pharmacy-service/internal/projection"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	branchOptions
	Topics []string
	Count  int
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &watchOptions{branchOptions: branchOptions{RootOptions: rootOpts}}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live queue projections for a branch",
		Long: `Watch prints one JSON message per projection change, the same messages
realtime clients receive. It runs until interrupted or until --count
messages were printed.`,
		Example:       "  queuectl watch --branch br-01 --topic queue.now_serving --count 1",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}
	addBranchFlag(cmd, &opts.branchOptions)
	cmd.Flags().StringSliceVar(&opts.Topics, "topic", nil, "topics to follow (defaults to all queue topics)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many messages (0 means forever)")
	return cmd
}

func runWatch(opts *watchOptions, cmd *cobra.Command) error {
	raw, _ := json.Marshal(hub.SubscribeMessage{Action: "subscribe", BranchID: opts.Branch, Topics: opts.Topics})
	msg, ok := hub.ParseSubscribe(raw)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid topics %v", opts.Topics))
	}

	st, logger, closeStore, err := opts.connect(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	h := hub.New(projection.New(st, logger), logger)
	client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 64)}
	h.Register(client)
	defer h.Unregister(client)
	h.UpdateSubscription(client, hub.Subscription{BranchID: msg.BranchID, Topics: msg.Topics})

	ctx := cmd.Context()
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-client.Send:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(line)); err != nil {
				return err
			}
			printed++
			if opts.Count > 0 && printed >= opts.Count {
				return nil
			}
		}
	}
}
