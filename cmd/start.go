package main

import (
	"fmt"

	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/subscription"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to the relays and stream matching events",
		Long: `Connect to the configured relays and keep a live subscription open,
printing every new event as one JSON line. Events are cached in the local
store as they arrive. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter, err := filterFromFlags(cmd.Flags(), nowFunc())
			if err != nil {
				return err
			}

			node, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			out := cmd.OutOrStdout()
			cb := subscription.NewCallback(func(relay string, evt *nostr.Event) {
				fmt.Fprintln(out, evt.String())
			}, func() {
				logger.Debug("Caught up with stored events")
			})
			subID, err := node.Pool.Sub(ctx, []nostr.Filter{filter}, cb, subscription.SubOptions{})
			if err != nil {
				return err
			}
			logger.Info("Streaming events", zap.String("subscription", subID))

			<-ctx.Done()
			node.Pool.Unsub(cb)
			return nil
		},
	}
	addFilterFlags(cmd)
	return cmd
}
