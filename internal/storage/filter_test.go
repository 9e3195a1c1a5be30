package storage

import (
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestCompileFilterBuildsInClauses(t *testing.T) {
	since := nostr.Timestamp(100)
	q := CompileFilter(nostr.Filter{
		IDs:     []string{"a", "b"},
		Authors: []string{"pk"},
		Kinds:   []int{1, 7},
		Tags:    nostr.TagMap{"p": {"x"}, "e": {"y"}},
		Since:   &since,
		Limit:   20,
	}, false)

	assert.Equal(t,
		"SELECT id, pubkey, kind, created_at, content, tags, sig FROM posts"+
			" WHERE id IN ($1,$2) AND pubkey IN ($3) AND kind IN ($4,$5)"+
			" AND e1 IN ($6) AND p1 IN ($7) AND created_at >= $8"+
			" ORDER BY created_at DESC, id ASC LIMIT $9",
		q.SQL)
	assert.Equal(t, []any{"a", "b", "pk", 1, 7, "y", "x", int64(100), 20}, q.Args)
	assert.True(t, q.Exact)
}

func TestCompileFilterUnindexedTagDropsSQLLimit(t *testing.T) {
	q := CompileFilter(nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"t": {"go"}}, Limit: 5}, false)
	assert.False(t, q.Exact)
	assert.NotContains(t, q.SQL, "LIMIT")
	assert.Equal(t, 5, q.Limit)
}

func TestCompileFilterLatestIgnoresLimit(t *testing.T) {
	q := CompileFilter(nostr.Filter{Kinds: []int{1}, Limit: 5}, true)
	assert.False(t, strings.Contains(q.SQL, "LIMIT"))
	assert.Equal(t, 0, q.Limit)
}

func TestMatchesNothing(t *testing.T) {
	assert.True(t, matchesNothing(nostr.Filter{IDs: []string{}}))
	assert.True(t, matchesNothing(nostr.Filter{LimitZero: true}))
	assert.False(t, matchesNothing(nostr.Filter{}))
}

func TestSelectMatchingAppliesPerFilterLimit(t *testing.T) {
	events := []*nostr.Event{
		{ID: "1", Kind: 1, CreatedAt: 10},
		{ID: "2", Kind: 1, CreatedAt: 30},
		{ID: "3", Kind: 1, CreatedAt: 20},
		{ID: "4", Kind: 7, CreatedAt: 5},
	}
	got := selectMatching(events, []nostr.Filter{
		{Kinds: []int{1}, Limit: 2},
		{Kinds: []int{7}},
	})
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"2", "3", "4"}, ids)
}

func TestToRowTakesFirstTagValues(t *testing.T) {
	r, err := toRow(&nostr.Event{
		ID:   "id",
		Tags: nostr.Tags{{"e", "root"}, {"p", "alice"}, {"p", "bob"}, {"e", "reply"}},
	})
	assert.NoError(t, err)
	assert.Equal(t, "alice", *r.P1)
	assert.Equal(t, "root", *r.E1)

	r, err = toRow(&nostr.Event{ID: "id"})
	assert.NoError(t, err)
	assert.Nil(t, r.P1)
	assert.Equal(t, "[]", r.Tags)
}

func TestMatchesIndexedUsesFirstTagOnly(t *testing.T) {
	evt := &nostr.Event{ID: "x", Kind: 1, Tags: nostr.Tags{{"e", "root"}, {"e", "reply"}, {"p", "alice"}}}

	assert.True(t, matchesIndexed(nostr.Filter{Tags: nostr.TagMap{"e": {"root"}}}, evt))
	assert.False(t, matchesIndexed(nostr.Filter{Tags: nostr.TagMap{"e": {"reply"}}}, evt))
	assert.True(t, matchesIndexed(nostr.Filter{Tags: nostr.TagMap{"e": {"reply", "root"}, "p": {"alice"}}}, evt))
	assert.False(t, matchesIndexed(nostr.Filter{Kinds: []int{7}, Tags: nostr.TagMap{"e": {"root"}}}, evt))
	assert.False(t, matchesIndexed(nostr.Filter{Tags: nostr.TagMap{"p": {"bob"}}}, evt))

	// the caller's filter is left alone
	f := nostr.Filter{Tags: nostr.TagMap{"e": {"root"}, "t": {"go"}}}
	matchesIndexed(f, evt)
	assert.Len(t, f.Tags, 2)
}
