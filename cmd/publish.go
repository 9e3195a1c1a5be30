package main

import (
	"fmt"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/constants"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <content>",
		Short: "Sign and publish an event",
		Long: `Sign an event with the configured identity and send it to every connected
relay. With --wait the command returns once one relay accepts it and fails
if every relay rejects it or none answers in time.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kind, _ := cmd.Flags().GetInt("kind")
			wait, _ := cmd.Flags().GetBool("wait")
			rawTags, _ := cmd.Flags().GetStringSlice("tag")

			tags := make(nostr.Tags, 0, len(rawTags))
			for _, t := range rawTags {
				parts := strings.Split(t, "=")
				if len(parts) < 2 || parts[0] == "" {
					return fmt.Errorf("invalid tag %q, want name=value[=extra...]", t)
				}
				tags = append(tags, nostr.Tag(parts))
			}

			node, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			evt := &nostr.Event{
				Kind:    kind,
				Content: strings.Join(args, " "),
				Tags:    tags,
			}
			if wait {
				_, err = node.Pool.Send(ctx, evt)
			} else {
				_, err = node.Pool.Publish(ctx, evt)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), evt.ID)
			return nil
		},
	}
	cmd.Flags().IntP("kind", "k", constants.KindTextNote, "Event kind")
	cmd.Flags().StringSliceP("tag", "t", nil, "Tag as name=value[=extra...] (repeatable)")
	cmd.Flags().Bool("wait", false, "Wait for a relay to accept the event")
	return cmd
}
