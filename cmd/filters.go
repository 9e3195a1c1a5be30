package main

import (
	"fmt"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addFilterFlags registers the flags filterFromFlags reads.
func addFilterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntSliceP("kind", "k", nil, "Event kind (repeatable)")
	f.StringSliceP("author", "a", nil, "Author public key in hex (repeatable)")
	f.StringSlice("id", nil, "Event id in hex (repeatable)")
	f.StringSliceP("tag", "t", nil, "Tag condition as name=value (repeatable)")
	f.Duration("since", 0, "Only events newer than this long ago")
	f.IntP("limit", "l", 0, "Maximum number of events per filter")
}

// filterFromFlags turns the filter flags into a single filter. An empty
// filter is rejected so a typo does not subscribe to everything.
func filterFromFlags(flags *pflag.FlagSet, now time.Time) (nostr.Filter, error) {
	var f nostr.Filter
	f.Kinds, _ = flags.GetIntSlice("kind")
	f.Authors, _ = flags.GetStringSlice("author")
	f.IDs, _ = flags.GetStringSlice("id")
	f.Limit, _ = flags.GetInt("limit")

	tags, _ := flags.GetStringSlice("tag")
	for _, t := range tags {
		name, value, ok := strings.Cut(t, "=")
		if !ok || name == "" || value == "" {
			return f, fmt.Errorf("invalid tag %q, want name=value", t)
		}
		if f.Tags == nil {
			f.Tags = nostr.TagMap{}
		}
		f.Tags[name] = append(f.Tags[name], value)
	}

	if since, _ := flags.GetDuration("since"); since > 0 {
		ts := nostr.Timestamp(now.Add(-since).Unix())
		f.Since = &ts
	}

	if len(f.Kinds) == 0 && len(f.Authors) == 0 && len(f.IDs) == 0 && len(f.Tags) == 0 && f.Since == nil {
		return f, fmt.Errorf("at least one of --kind, --author, --id, --tag or --since is required")
	}
	return f, nil
}
