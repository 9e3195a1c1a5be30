package main

import (
	"fmt"
	"time"

	"github.com/Shugur-Network/relaypool/internal/pool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List events from the relays and the local store",
		Long: `Ask the relays for events matching the filter flags, wait for them to
finish, and print the merged, deduplicated result newest first. With
--db-only the stored events are printed immediately while the relays keep
filling the store in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter, err := filterFromFlags(cmd.Flags(), nowFunc())
			if err != nil {
				return err
			}
			dbOnly, _ := cmd.Flags().GetBool("db-only")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			node, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			events, err := node.Pool.List(ctx, []nostr.Filter{filter}, pool.ListOptions{
				DBOnly:  dbOnly,
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, evt := range events {
				fmt.Fprintln(out, evt.String())
			}
			return nil
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().Bool("db-only", false, "Answer from the local store without waiting for relays")
	cmd.Flags().Duration("timeout", 0, "How long to wait for relays (defaults to pool.list_timeout)")
	return cmd
}
