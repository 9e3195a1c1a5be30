package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/identity"
	"github.com/Shugur-Network/relaypool/internal/storage"
	"github.com/Shugur-Network/relaypool/internal/subscription"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	relayA = "wss://a.example"
	relayB = "wss://b.example"
	relayC = "wss://c.example"
)

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		ReconnectBackoff: 50 * time.Millisecond,
		DialTimeout:      time.Second,
		WriteTimeout:     time.Second,
		ListTimeout:      time.Second,
		PublishTimeout:   200 * time.Millisecond,
		MaxCachedSubs:    3,
		OneShotKinds:     []int{0, 3},
		SendRate:         1000,
		SendBurst:        100,
		VerifySignatures: true,
	}
}

func newSigner(t *testing.T) *identity.KeySigner {
	t.Helper()
	s, err := identity.NewKeySigner(identity.Generate())
	require.NoError(t, err)
	return s
}

func signedNote(t *testing.T, s *identity.KeySigner, content string, createdAt int64) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{Kind: 1, Content: content, CreatedAt: nostr.Timestamp(createdAt)}
	require.NoError(t, s.SignEvent(context.Background(), evt))
	return evt
}

type harness struct {
	pool   *Pool
	relays map[string]*fakeRelay
	store  *storage.Store
}

func newHarness(t *testing.T, withStore bool, relays map[string]*fakeRelay, mutate func(*Options)) *harness {
	t.Helper()
	opts := Options{
		Config: testConfig(),
		Signer: newSigner(t),
		Dialer: &fakeDialer{relays: relays},
	}
	var store *storage.Store
	if withStore {
		var err error
		store, err = storage.Open(context.Background(), storage.NewMemoryBackend(), storage.Options{FlushDelay: time.Hour})
		require.NoError(t, err)
		opts.Store = store
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	urls := make([]string, 0, len(relays))
	for u := range relays {
		urls = append(urls, u)
	}
	require.NoError(t, p.SetRelays(context.Background(), urls))
	require.Len(t, p.Connected(), len(relays))
	return &harness{pool: p, relays: relays, store: store}
}

func contents(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Content
	}
	return out
}

func TestListDeduplicatesAcrossRelays(t *testing.T) {
	author := newSigner(t)
	shared := signedNote(t, author, "shared", 300)
	onlyA := signedNote(t, author, "only-a", 200)
	onlyB := signedNote(t, author, "only-b", 100)

	for _, withStore := range []bool{true, false} {
		relays := map[string]*fakeRelay{
			relayA: {events: []*nostr.Event{shared, onlyA}},
			relayB: {events: []*nostr.Event{shared, onlyB}},
		}
		h := newHarness(t, withStore, relays, nil)

		got, err := h.pool.List(context.Background(), []nostr.Filter{{Kinds: []int{1}, Authors: []string{author.PublicKey()}}}, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"shared", "only-a", "only-b"}, contents(got), "store=%v", withStore)
	}
}

func TestListAsksOnlyForNewerEvents(t *testing.T) {
	author := newSigner(t)
	old := signedNote(t, author, "old", 500)
	relays := map[string]*fakeRelay{relayA: {events: []*nostr.Event{old}}}
	h := newHarness(t, true, relays, nil)

	require.NoError(t, h.store.SaveEventSync(context.Background(), old))

	filters := []nostr.Filter{{Kinds: []int{1}, Authors: []string{author.PublicKey()}}}
	got, err := h.pool.List(context.Background(), filters, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, contents(got))

	reqs := relays[relayA].requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0][0].Since)
	assert.Equal(t, nostr.Timestamp(500), *reqs[0][0].Since)
}

func TestListDBOnlyReturnsImmediately(t *testing.T) {
	author := newSigner(t)
	live := signedNote(t, author, "live", 100)
	relays := map[string]*fakeRelay{relayA: {events: []*nostr.Event{live}}}
	h := newHarness(t, true, relays, nil)

	filters := []nostr.Filter{{Kinds: []int{1}, Authors: []string{author.PublicKey()}}}
	_, err := h.pool.List(context.Background(), filters, ListOptions{DBOnly: true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := h.store.List(context.Background(), filters)
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.pool.ActiveSubscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestListDropsInvalidEvents(t *testing.T) {
	author := newSigner(t)
	good := signedNote(t, author, "good", 100)
	forged := signedNote(t, author, "forged", 200)
	forged.Sig = good.Sig

	relays := map[string]*fakeRelay{relayA: {events: []*nostr.Event{good, forged}}}
	h := newHarness(t, true, relays, nil)

	got, err := h.pool.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, contents(got))
}

func TestSendSucceedsWithOneAck(t *testing.T) {
	relays := map[string]*fakeRelay{
		relayA: {okMode: "silent"},
		relayB: {okMode: "accept"},
	}
	h := newHarness(t, true, relays, nil)

	evt, err := h.pool.Send(context.Background(), &nostr.Event{Kind: 1, Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.Sig)

	// stored before it went out
	got, err := h.store.List(context.Background(), []nostr.Filter{{IDs: []string{evt.ID}}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSendRejectedByEveryRelay(t *testing.T) {
	relays := map[string]*fakeRelay{
		relayA: {okMode: "reject"},
		relayB: {okMode: "reject"},
	}
	h := newHarness(t, false, relays, nil)

	_, err := h.pool.Send(context.Background(), &nostr.Event{Kind: 1, Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePublishRejected))
}

func TestSendSurfacesAuthRequired(t *testing.T) {
	var mu sync.Mutex
	var notices []AuthNotice
	relays := map[string]*fakeRelay{relayA: {okMode: "auth"}}
	h := newHarness(t, false, relays, func(o *Options) {
		o.OnAuthRequired = func(n AuthNotice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		}
	})

	_, err := h.pool.Send(context.Background(), &nostr.Event{Kind: 1, Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrorTypeAuthentication))

	mu.Lock()
	require.Len(t, notices, 1)
	assert.Equal(t, relayA, notices[0].Relay)
	mu.Unlock()
	assert.Equal(t, "auth-required: sign in first", h.pool.RelayStatuses()[0].AuthRequired)
}

func TestSendTimesOut(t *testing.T) {
	relays := map[string]*fakeRelay{relayA: {okMode: "silent"}}
	h := newHarness(t, false, relays, nil)

	_, err := h.pool.Send(context.Background(), &nostr.Event{Kind: 1, Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePublishTimeout))
}

func TestPublishWithoutSigner(t *testing.T) {
	relays := map[string]*fakeRelay{relayA: {okMode: "accept"}}
	h := newHarness(t, false, relays, func(o *Options) { o.Signer = nil })

	_, err := h.pool.Publish(context.Background(), &nostr.Event{Kind: 1})
	assert.Error(t, err)
}

func TestPublishDoesNotWait(t *testing.T) {
	relays := map[string]*fakeRelay{relayA: {okMode: "silent"}}
	h := newHarness(t, false, relays, nil)

	evt, err := h.pool.Publish(context.Background(), &nostr.Event{Kind: 1, Content: "fire"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		r := relays[relayA]
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.published) == 1 && r.published[0].ID == evt.ID
	}, time.Second, 5*time.Millisecond)
}

func TestSetRelaysAppliesDiff(t *testing.T) {
	relays := map[string]*fakeRelay{relayA: {}, relayB: {}, relayC: {}}
	p, err := New(Options{Config: testConfig(), Dialer: &fakeDialer{relays: relays}})
	require.NoError(t, err)
	defer p.Close(context.Background())

	require.NoError(t, p.SetRelays(context.Background(), []string{relayA, relayB}))
	assert.Equal(t, []string{relayA, relayB}, p.Connected())

	require.NoError(t, p.SetRelays(context.Background(), []string{relayB, relayC}))
	assert.Equal(t, []string{relayB, relayC}, p.Relays())
	assert.Equal(t, []string{relayB, relayC}, p.Connected())

	assert.Error(t, p.SetRelays(context.Background(), []string{relayA, "https://nope.example"}))
	assert.Equal(t, []string{relayB, relayC}, p.Relays())
}

func TestSubWithoutRelaysFails(t *testing.T) {
	p, err := New(Options{Config: testConfig(), Dialer: &fakeDialer{}})
	require.NoError(t, err)
	defer p.Close(context.Background())

	_, err = p.Sub(context.Background(), []nostr.Filter{{Kinds: []int{1}}}, subscription.NewCallback(nil, nil), subscription.SubOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNoRelays))
}

func TestSubDeliversLiveEvents(t *testing.T) {
	author := newSigner(t)
	note := signedNote(t, author, "hello", 100)
	relays := map[string]*fakeRelay{relayA: {events: []*nostr.Event{note}}}
	h := newHarness(t, false, relays, nil)

	got := make(chan *nostr.Event, 1)
	cb := subscription.NewCallback(func(_ string, e *nostr.Event) { got <- e }, nil)
	_, err := h.pool.Sub(context.Background(), []nostr.Filter{{Kinds: []int{1}}}, cb, subscription.SubOptions{})
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, note.ID, e.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	h.pool.Unsub(cb)
	assert.Equal(t, 0, h.pool.ActiveSubscriptions())
}
