package subscription

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(t *testing.T, filters ...nostr.Filter) string {
	t.Helper()
	k, err := CanonicalKey(filters)
	require.NoError(t, err)
	return k
}

func TestCanonicalKeyIgnoresOrderAndDuplicates(t *testing.T) {
	a := nostr.Filter{
		Kinds:   []int{7, 1},
		Authors: []string{"bob", "alice", "bob"},
		Tags:    nostr.TagMap{"p": {"y", "x"}, "e": {"z"}},
	}
	b := nostr.Filter{
		Authors: []string{"alice", "bob"},
		Kinds:   []int{1, 7},
		Tags:    nostr.TagMap{"e": {"z"}, "p": {"x", "y", "x"}},
	}
	assert.Equal(t, key(t, a), key(t, b))

	other := nostr.Filter{Kinds: []int{0}}
	assert.Equal(t, key(t, a, other), key(t, other, b))
	assert.Equal(t, key(t, a), key(t, a, b))
}

func TestCanonicalKeyDistinguishesSemantics(t *testing.T) {
	since := nostr.Timestamp(100)
	base := nostr.Filter{Kinds: []int{1}}

	assert.NotEqual(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, Limit: 5}))
	assert.NotEqual(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, Since: &since}))
	assert.NotEqual(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"t": {"go"}}}))
	assert.NotEqual(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, Search: "go"}))

	// limit 0 asks for live events only
	assert.NotEqual(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, LimitZero: true}))

	// an empty list matches nothing, an absent one matches everything
	assert.NotEqual(t, key(t, nostr.Filter{}), key(t, nostr.Filter{Kinds: []int{}}))
	assert.NotEqual(t, key(t, nostr.Filter{}), key(t, nostr.Filter{Authors: []string{}}))
	assert.NotEqual(t, key(t, nostr.Filter{}), key(t, nostr.Filter{IDs: []string{}}))
	assert.NotEqual(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"p": {}}}))

	// a nil tag list is the same as no tag condition
	assert.Equal(t, key(t, base), key(t, nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"p": nil}}))
}

func TestWithSinceOnlyRaises(t *testing.T) {
	high := nostr.Timestamp(900)
	filters := []nostr.Filter{{Kinds: []int{1}}, {Kinds: []int{1}, Since: &high}}

	out := withSince(filters, 500)
	require.NotNil(t, out[0].Since)
	assert.Equal(t, nostr.Timestamp(500), *out[0].Since)
	assert.Equal(t, nostr.Timestamp(900), *out[1].Since)
	assert.Nil(t, filters[0].Since, "input must not be mutated")

	assert.Nil(t, withSince(filters, 0)[0].Since)
}
