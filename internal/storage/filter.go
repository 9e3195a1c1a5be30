package storage

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/constants"
	nostr "github.com/nbd-wtf/go-nostr"
)

// indexedTags are the tag names backed by a column. Constraints on any other
// tag are checked in Go after the rows come back.
var indexedTags = map[string]string{"p": "p1", "e": "e1"}

// CompiledQuery is one filter turned into SQL.
type CompiledQuery struct {
	SQL  string
	Args []any
	// Exact is false when the SQL over-selects and rows must be re-checked
	// with Filter.Matches before the limit is applied.
	Exact bool
	Limit int
}

// matchesNothing reports filters that can never select a row, such as an
// explicitly empty id list.
func matchesNothing(f nostr.Filter) bool {
	if f.LimitZero {
		return true
	}
	if (f.IDs != nil && len(f.IDs) == 0) ||
		(f.Authors != nil && len(f.Authors) == 0) ||
		(f.Kinds != nil && len(f.Kinds) == 0) {
		return true
	}
	for _, values := range f.Tags {
		if values != nil && len(values) == 0 {
			return true
		}
	}
	return false
}

// CompileFilter builds a SELECT over posts for one filter. When latestOnly is
// set the limit is dropped so the caller can scan for the newest match.
func CompileFilter(f nostr.Filter, latestOnly bool) CompiledQuery {
	var (
		where []string
		args  []any
	)
	in := func(column string, values []any) {
		placeholders := make([]string, len(values))
		for i, v := range values {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")))
	}

	if len(f.IDs) > 0 {
		in("id", stringsToAny(f.IDs))
	}
	if len(f.Authors) > 0 {
		in("pubkey", stringsToAny(f.Authors))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = k
		}
		in("kind", kinds)
	}

	exact := true
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := f.Tags[name]
		if len(values) == 0 {
			continue
		}
		column, ok := indexedTags[name]
		if !ok {
			exact = false
			continue
		}
		// the column holds the first tag of that name only; matchesIndexed
		// applies the same rule outside SQL
		in(column, stringsToAny(values))
	}

	if f.Since != nil {
		args = append(args, int64(*f.Since))
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.Until != nil {
		args = append(args, int64(*f.Until))
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectColumns)
	sb.WriteString(" FROM ")
	sb.WriteString(constants.EventsTable)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC, id ASC")

	limit := f.Limit
	if latestOnly {
		limit = 0
	}
	if exact && limit > 0 {
		args = append(args, limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	return CompiledQuery{SQL: sb.String(), Args: args, Exact: exact, Limit: limit}
}

// matchesIndexed is Filter.Matches with p and e conditions checked against
// the first tag of that name only, the value kept in the p1 and e1 columns.
// Every backend and the pending queue match through it so an event selects
// the same way before and after it is flushed.
func matchesIndexed(f nostr.Filter, evt *nostr.Event) bool {
	var indexed map[string][]string
	if len(f.Tags) > 0 {
		rest := make(nostr.TagMap, len(f.Tags))
		for name, values := range f.Tags {
			if _, ok := indexedTags[name]; ok && values != nil {
				if indexed == nil {
					indexed = make(map[string][]string, len(indexedTags))
				}
				indexed[name] = values
				continue
			}
			rest[name] = values
		}
		f.Tags = rest
	}
	if !f.Matches(evt) {
		return false
	}
	for name, values := range indexed {
		first := firstTagValue(evt.Tags, name)
		if first == nil || !slices.Contains(values, *first) {
			return false
		}
	}
	return true
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// sortNewestFirst orders events by created_at descending, then id.
func sortNewestFirst(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// mergeUnique appends events from src whose id is not yet in seen.
func mergeUnique(dst []*nostr.Event, seen map[string]struct{}, src []*nostr.Event) []*nostr.Event {
	for _, evt := range src {
		if _, dup := seen[evt.ID]; dup {
			continue
		}
		seen[evt.ID] = struct{}{}
		dst = append(dst, evt)
	}
	return dst
}

// selectMatching returns the events in candidates matching any filter, each
// filter capped at its own limit, deduplicated and newest first.
func selectMatching(candidates []*nostr.Event, filters []nostr.Filter) []*nostr.Event {
	sorted := append([]*nostr.Event(nil), candidates...)
	sortNewestFirst(sorted)

	seen := make(map[string]struct{})
	var out []*nostr.Event
	for _, f := range filters {
		if matchesNothing(f) {
			continue
		}
		var hits []*nostr.Event
		for _, evt := range sorted {
			if !matchesIndexed(f, evt) {
				continue
			}
			hits = append(hits, evt)
			if f.Limit > 0 && len(hits) == f.Limit {
				break
			}
		}
		out = mergeUnique(out, seen, hits)
	}
	sortNewestFirst(out)
	return out
}
