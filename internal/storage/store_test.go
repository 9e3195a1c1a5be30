package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, backend *MemoryBackend, delay time.Duration) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, Options{FlushDelay: delay, BloomSize: 1000, BloomFP: 0.001})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func note(id string, createdAt int64) *nostr.Event {
	return &nostr.Event{ID: id, Kind: 1, PubKey: "pk", CreatedAt: nostr.Timestamp(createdAt)}
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestSaveEventIsIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	s := openStore(t, backend, time.Hour)

	s.SaveEvent(note("a", 1))
	s.SaveEvent(note("a", 1))
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Flush(context.Background()))
	// a persisted id is written again and ignored by the backend
	s.SaveEvent(note("a", 1))
	assert.Equal(t, 1, s.Pending())
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, backend.Len())

	got, err := s.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestListMergesQueueAndStoredRows(t *testing.T) {
	backend := NewMemoryBackend()
	s := openStore(t, backend, time.Hour)

	require.NoError(t, s.SaveEventSync(context.Background(), note("stored", 10)))
	s.SaveEvent(note("queued", 20))
	s.SaveEvent(&nostr.Event{ID: "other", Kind: 7, CreatedAt: 30})

	got, err := s.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"queued", "stored"}, ids(got))

	// Latest covers stored rows only
	latest, err := s.Latest(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, nostr.Timestamp(10), latest)
}

func TestListOrdersTiesByID(t *testing.T) {
	s := openStore(t, NewMemoryBackend(), time.Hour)
	s.SaveEvent(note("b", 5))
	s.SaveEvent(note("a", 5))
	require.NoError(t, s.Flush(context.Background()))
	s.SaveEvent(note("c", 5))

	got, err := s.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestFlushTimerWritesQueue(t *testing.T) {
	backend := NewMemoryBackend()
	s := openStore(t, backend, 10*time.Millisecond)

	s.SaveEvent(note("a", 1))
	s.SaveEvent(note("b", 2))
	assert.Eventually(t, func() bool { return backend.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestPartialFailureRequeues(t *testing.T) {
	backend := NewMemoryBackend()
	backend.fail = func(e *nostr.Event) bool { return e.ID == "bad" }
	s := openStore(t, backend, time.Hour)

	s.SaveEvent(note("good", 1))
	s.SaveEvent(note("bad", 2))
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, backend.Len())
	assert.Equal(t, 1, s.Pending())

	// still visible while queued
	got, err := s.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "good"}, ids(got))

	backend.mu.Lock()
	backend.fail = nil
	backend.mu.Unlock()
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 2, backend.Len())
	assert.Equal(t, 0, s.Pending())
}

func TestSaveEventSyncDropsQueuedCopy(t *testing.T) {
	backend := NewMemoryBackend()
	s := openStore(t, backend, time.Hour)

	s.SaveEvent(note("a", 1))
	require.NoError(t, s.SaveEventSync(context.Background(), note("a", 1)))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 1, backend.Len())
}

func TestOpenSeedsBloomFromBackend(t *testing.T) {
	backend := NewMemoryBackend()
	_, err := backend.SaveBatch(context.Background(), []*nostr.Event{note("old", 1)}, false)
	require.NoError(t, err)

	s := openStore(t, backend, time.Hour)
	assert.True(t, s.bloom.TestString("old"))

	s.SaveEvent(note("old", 1))
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, backend.Len())
}

func TestBloomFalsePositivesNeverDropEvents(t *testing.T) {
	backend := NewMemoryBackend()
	var stored []*nostr.Event
	for i := 0; i < 1000; i++ {
		stored = append(stored, note(fmt.Sprintf("stored-%d", i), 1))
	}
	_, err := backend.SaveBatch(context.Background(), stored, false)
	require.NoError(t, err)

	// a tiny, saturated filter answers yes for most unseen ids
	s, err := Open(context.Background(), backend, Options{FlushDelay: time.Hour, BloomSize: 100, BloomFP: 0.5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	for i := 0; i < 2000; i++ {
		s.SaveEvent(note(fmt.Sprintf("new-%d", i), 2))
	}
	assert.Equal(t, 2000, s.Pending())

	got, err := s.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Len(t, got, 3000)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 3000, backend.Len())
	got, err = s.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Len(t, got, 3000)
}

func TestFailedRowsRequeueDespiteBloomHit(t *testing.T) {
	backend := NewMemoryBackend()
	backend.fail = func(e *nostr.Event) bool { return e.ID == "bad" }
	s := openStore(t, backend, time.Hour)

	s.bloom.AddString("bad")
	s.SaveEvent(note("bad", 1))
	require.Error(t, s.Flush(context.Background()))
	assert.Equal(t, 1, s.Pending())
}

func TestIndexedTagMatchIsStableAcrossFlush(t *testing.T) {
	backend := NewMemoryBackend()
	s := openStore(t, backend, time.Hour)

	evt := note("tagged", 1)
	evt.Tags = nostr.Tags{{"p", "first"}, {"p", "second"}, {"t", "go"}}
	s.SaveEvent(evt)

	byFirst := []nostr.Filter{{Tags: nostr.TagMap{"p": {"first"}}}}
	bySecond := []nostr.Filter{{Tags: nostr.TagMap{"p": {"second"}}}}
	byTopic := []nostr.Filter{{Tags: nostr.TagMap{"t": {"go"}}}}

	check := func() {
		got, err := s.List(context.Background(), byFirst)
		require.NoError(t, err)
		assert.Equal(t, []string{"tagged"}, ids(got))

		got, err = s.List(context.Background(), bySecond)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.List(context.Background(), byTopic)
		require.NoError(t, err)
		assert.Equal(t, []string{"tagged"}, ids(got))
	}

	check()
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, backend.Len())
	check()
}

func TestCloseFlushesRemainingEvents(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := Open(context.Background(), backend, Options{FlushDelay: time.Hour})
	require.NoError(t, err)

	s.SaveEvent(note("a", 1))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, backend.Len())

	s.SaveEvent(note("b", 2))
	assert.Equal(t, 0, s.Pending())
}
