package subscription

import (
	"encoding/json"
	"sort"

	nostr "github.com/nbd-wtf/go-nostr"
)

// canonicalFilter is the order-independent form of one filter. Slices are
// pointers so an explicitly empty list, which matches nothing, keeps a
// different key from an absent one.
type canonicalFilter struct {
	IDs       *[]string           `json:"ids,omitempty"`
	Authors   *[]string           `json:"authors,omitempty"`
	Kinds     *[]int              `json:"kinds,omitempty"`
	Tags      map[string][]string `json:"tags,omitempty"`
	Since     int64               `json:"since,omitempty"`
	Until     int64               `json:"until,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	LimitZero bool                `json:"limit_zero,omitempty"`
	Search    string              `json:"search,omitempty"`
}

// CanonicalKey maps semantically equal filter lists to the same string:
// slices are sorted and deduplicated, tag names are sorted, and the order of
// filters in the list does not matter.
func CanonicalKey(filters []nostr.Filter) (string, error) {
	parts := make([]string, 0, len(filters))
	seen := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		b, err := json.Marshal(canonicalize(f))
		if err != nil {
			return "", err
		}
		s := string(b)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		parts = append(parts, s)
	}
	sort.Strings(parts)
	b, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func canonicalize(f nostr.Filter) canonicalFilter {
	c := canonicalFilter{
		IDs:       sortedStrings(f.IDs),
		Authors:   sortedStrings(f.Authors),
		Kinds:     sortedInts(f.Kinds),
		Limit:     f.Limit,
		LimitZero: f.LimitZero,
		Search:    f.Search,
	}
	if f.Since != nil {
		c.Since = int64(*f.Since)
	}
	if f.Until != nil {
		c.Until = int64(*f.Until)
	}
	if len(f.Tags) > 0 {
		c.Tags = make(map[string][]string, len(f.Tags))
		for name, values := range f.Tags {
			if values == nil {
				continue
			}
			c.Tags[name] = *sortedStrings(values)
		}
	}
	return c
}

// sortedStrings returns nil for nil and a sorted, deduplicated, non-nil copy
// otherwise.
func sortedStrings(in []string) *[]string {
	if in == nil {
		return nil
	}
	out := append([]string{}, in...)
	if len(out) == 0 {
		return &out
	}
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	out = out[:n]
	return &out
}

func sortedInts(in []int) *[]int {
	if in == nil {
		return nil
	}
	out := append([]int{}, in...)
	if len(out) == 0 {
		return &out
	}
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	out = out[:n]
	return &out
}

// withSince returns copies of filters whose since is at least floor.
func withSince(filters []nostr.Filter, floor nostr.Timestamp) []nostr.Filter {
	out := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		out[i] = f
		if floor > 0 && (f.Since == nil || *f.Since < floor) {
			ts := floor
			out[i].Since = &ts
		}
	}
	return out
}
