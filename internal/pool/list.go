package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/subscription"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// ListOptions adjust a List call.
type ListOptions struct {
	// DBOnly returns what the store holds right away and lets relays fill
	// it in the background.
	DBOnly bool
	// OnEvent sees every live event as it arrives.
	OnEvent func(relay string, evt *nostr.Event)
	// Timeout overrides the configured list timeout.
	Timeout time.Duration
}

// List returns events matching filters. With a store it asks relays only for
// events newer than the newest stored match, waits for EOSE and answers from
// the store. Without a store it collects one round of live events.
func (p *Pool) List(ctx context.Context, filters []nostr.Filter, opts ListOptions) ([]*nostr.Event, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.ListTimeout
	}
	if p.store == nil {
		return p.listLive(ctx, filters, opts.OnEvent, timeout)
	}

	since, err := p.store.Latest(ctx, filters)
	if err != nil {
		errors.Log(p.log, "latest stored event", err)
		since = 0
	}

	eose := make(chan struct{})
	var once sync.Once
	cb := subscription.NewCallback(opts.OnEvent, func() { once.Do(func() { close(eose) }) })

	if _, err := p.mux.Sub(ctx, filters, cb, subscription.SubOptions{Since: since}); err != nil {
		if !errors.HasCode(err, errors.CodeNoRelays) {
			return nil, err
		}
		p.log.Debug("no relays connected, answering from store")
		return p.store.List(ctx, filters)
	}

	if opts.DBOnly {
		go func() {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-eose:
			case <-timer.C:
			}
			p.mux.Unsub(cb)
		}()
		return p.store.List(ctx, filters)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-eose:
	case <-timer.C:
		p.log.Debug("list timed out waiting for EOSE", zap.Duration("timeout", timeout))
	case <-ctx.Done():
		p.mux.Unsub(cb)
		return nil, ctx.Err()
	}
	p.mux.Unsub(cb)
	return p.store.List(ctx, filters)
}

// listLive runs a private one-shot subscription and deduplicates what the
// relays send.
func (p *Pool) listLive(ctx context.Context, filters []nostr.Filter, onEvent func(string, *nostr.Event), timeout time.Duration) ([]*nostr.Event, error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		out  []*nostr.Event
		once sync.Once
	)
	eose := make(chan struct{})
	cb := subscription.NewCallback(func(relay string, evt *nostr.Event) {
		mu.Lock()
		_, dup := seen[evt.ID]
		if !dup {
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
		mu.Unlock()
		if !dup && onEvent != nil {
			onEvent(relay, evt)
		}
	}, func() { once.Do(func() { close(eose) }) })

	opts := subscription.SubOptions{CloseOnEOSE: true, Exclusive: true}
	if _, err := p.mux.Sub(ctx, filters, cb, opts); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var err error
	select {
	case <-eose:
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.mux.Unsub(cb)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	result := append([]*nostr.Event(nil), out...)
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
