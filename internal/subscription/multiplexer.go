// Package subscription multiplexes caller subscriptions onto relay REQs.
//
// Callers asking for the same filters share one wire subscription. Long-lived
// subscriptions are kept in a small LRU; when it overflows, the least recently
// used one is closed on every relay. Subscriptions whose kinds are all
// one-shot kinds close themselves once every relay has sent EOSE and never
// count against the LRU.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/protocol"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Transport is what the multiplexer needs from the relay layer.
type Transport interface {
	Connected() []string
	Send(ctx context.Context, url string, env protocol.Envelope) error
}

// Callback is a subscriber handle. Unsub matches it by pointer, so keep the
// pointer returned by NewCallback. Either func may be nil.
type Callback struct {
	OnEvent func(relay string, evt *nostr.Event)
	OnEOSE  func()
}

func NewCallback(onEvent func(relay string, evt *nostr.Event), onEOSE func()) *Callback {
	return &Callback{OnEvent: onEvent, OnEOSE: onEOSE}
}

// SubOptions adjust a single Sub call.
type SubOptions struct {
	// Since raises every filter's since to at least this value on the wire.
	// It does not take part in deduplication.
	Since nostr.Timestamp
	// CloseOnEOSE makes the subscription one-shot regardless of its kinds.
	CloseOnEOSE bool
	// Exclusive always opens a new wire subscription that no later Sub
	// will share.
	Exclusive bool
}

// Config for a Multiplexer.
type Config struct {
	MaxCached    int
	OneShotKinds []int
	SendTimeout  time.Duration
}

type entry struct {
	key       string
	subID     string
	filters   []nostr.Filter
	floor     nostr.Timestamp
	callbacks []*Callback
	relays    map[string]struct{}           // relays the REQ went to
	open      map[string]struct{}           // relays where it is live now
	pending   map[string]struct{}           // relays that owe an EOSE
	lostAt    map[string]nostr.Timestamp    // disconnect time per relay
	eoseSeen  bool
	oneShot   bool
	lastHit   time.Time
}

func (e *entry) snapshot() []*Callback {
	return append([]*Callback(nil), e.callbacks...)
}

func (e *entry) openRelays() []string {
	out := make([]string, 0, len(e.open))
	for r := range e.open {
		out = append(out, r)
	}
	return out
}

// Multiplexer deduplicates subscriptions and fans relay data out to callers.
type Multiplexer struct {
	transport Transport
	cfg       Config
	oneShot   map[int]struct{}
	log       *zap.Logger

	mu      sync.Mutex
	byKey   map[string]*entry
	bySubID map[string]*entry
	lru     *simplelru.LRU[string, struct{}]
	evicted []*entry
}

func New(transport Transport, cfg Config) (*Multiplexer, error) {
	if cfg.MaxCached <= 0 {
		cfg.MaxCached = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	m := &Multiplexer{
		transport: transport,
		cfg:       cfg,
		oneShot:   make(map[int]struct{}, len(cfg.OneShotKinds)),
		log:       logger.New("subscription"),
		byKey:     make(map[string]*entry),
		bySubID:   make(map[string]*entry),
	}
	for _, k := range cfg.OneShotKinds {
		m.oneShot[k] = struct{}{}
	}
	lru, err := simplelru.NewLRU[string, struct{}](cfg.MaxCached, m.onEvict)
	if err != nil {
		return nil, err
	}
	m.lru = lru
	return m, nil
}

// onEvict runs under m.mu from inside lru.Add. Entries already detached by
// removeLocked are not found and ignored.
func (m *Multiplexer) onEvict(key string, _ struct{}) {
	e, ok := m.byKey[key]
	if !ok {
		return
	}
	delete(m.byKey, key)
	delete(m.bySubID, e.subID)
	m.evicted = append(m.evicted, e)
	metrics.SubscriptionEvictions.Inc()
}

// Sub attaches cb to the subscription for filters, creating it and sending
// one REQ per connected relay when none exists. It returns the wire
// subscription id.
func (m *Multiplexer) Sub(ctx context.Context, filters []nostr.Filter, cb *Callback, opts SubOptions) (string, error) {
	if cb == nil {
		cb = &Callback{}
	}
	if len(filters) == 0 {
		return "", errors.New(errors.ErrorTypeValidation, "EMPTY_FILTERS", "at least one filter is required")
	}
	key, err := CanonicalKey(filters)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "BAD_FILTER", "cannot canonicalize filters")
	}

	m.mu.Lock()
	if e, ok := m.byKey[key]; ok && !opts.Exclusive {
		m.attachLocked(e, cb)
		seen := e.eoseSeen
		subID := e.subID
		m.mu.Unlock()

		metrics.SharedSubscriptions.Inc()
		if seen && cb.OnEOSE != nil {
			cb.OnEOSE()
		}
		return subID, nil
	}
	m.mu.Unlock()

	relays := m.transport.Connected()
	if len(relays) == 0 {
		return "", errors.NoRelaysError("subscribe")
	}

	e := &entry{
		key:       key,
		subID:     uuid.NewString(),
		filters:   filters,
		floor:     opts.Since,
		callbacks: []*Callback{cb},
		relays:    make(map[string]struct{}, len(relays)),
		open:      make(map[string]struct{}, len(relays)),
		pending:   make(map[string]struct{}, len(relays)),
		lostAt:    make(map[string]nostr.Timestamp),
		oneShot:   opts.CloseOnEOSE || m.isOneShot(filters),
		lastHit:   time.Now(),
	}
	if opts.Exclusive {
		e.key = key + "/" + e.subID
	}
	for _, r := range relays {
		e.relays[r] = struct{}{}
		e.open[r] = struct{}{}
		e.pending[r] = struct{}{}
	}

	m.mu.Lock()
	if existing, ok := m.byKey[e.key]; ok {
		// lost a race with another Sub for the same filters
		m.attachLocked(existing, cb)
		seen, subID := existing.eoseSeen, existing.subID
		m.mu.Unlock()
		if seen && cb.OnEOSE != nil {
			cb.OnEOSE()
		}
		return subID, nil
	}
	m.byKey[e.key] = e
	m.bySubID[e.subID] = e
	if !e.oneShot {
		m.lru.Add(e.key, struct{}{})
	}
	evicted := m.evicted
	m.evicted = nil
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, old := range evicted {
		m.log.Debug("evicting subscription", zap.String("sub_id", old.subID))
		m.sendClose(old.subID, old.openRelays())
	}

	req := protocol.ReqEnvelope{SubscriptionID: e.subID, Filters: withSince(filters, opts.Since)}
	var failed []string
	for _, r := range relays {
		if err := m.transport.Send(ctx, r, req); err != nil {
			errors.Log(m.log, "send REQ", err)
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		m.relaysDone(e.subID, failed, true)
	}
	return e.subID, nil
}

// Unsub detaches cb from every subscription. Subscriptions left without
// callbacks are closed on their relays.
func (m *Multiplexer) Unsub(cb *Callback) {
	if cb == nil {
		return
	}
	type closing struct {
		subID  string
		relays []string
	}
	var toClose []closing

	m.mu.Lock()
	for _, e := range m.byKey {
		if !detach(e, cb) || len(e.callbacks) > 0 {
			continue
		}
		toClose = append(toClose, closing{e.subID, e.openRelays()})
		m.removeLocked(e)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, c := range toClose {
		m.sendClose(c.subID, c.relays)
	}
}

// HandleEvent fans evt out to the callbacks of subID.
func (m *Multiplexer) HandleEvent(relay, subID string, evt *nostr.Event) {
	m.mu.Lock()
	e, ok := m.bySubID[subID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cbs := e.snapshot()
	m.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnEvent != nil {
			cb.OnEvent(relay, evt)
		}
	}
}

// HandleEOSE records that relay finished sending stored events for subID.
func (m *Multiplexer) HandleEOSE(relay, subID string) {
	m.relaysDone(subID, []string{relay}, false)
}

// HandleClosed records that relay ended subID. It is not reissued to that relay.
func (m *Multiplexer) HandleClosed(relay, subID, reason string) {
	m.mu.Lock()
	if e, ok := m.bySubID[subID]; ok {
		delete(e.relays, relay)
		delete(e.open, relay)
	}
	m.mu.Unlock()
	m.log.Debug("subscription closed by relay",
		zap.String("relay", relay),
		zap.String("sub_id", subID),
		zap.String("reason", reason))
	m.relaysDone(subID, []string{relay}, false)
}

// HandleDisconnect counts relay as finished for every subscription waiting on
// it and remembers when it dropped so HandleReconnect can resume.
func (m *Multiplexer) HandleDisconnect(relay string) {
	now := nostr.Now()
	var subIDs []string

	m.mu.Lock()
	for _, e := range m.byKey {
		if _, ok := e.open[relay]; !ok {
			continue
		}
		delete(e.open, relay)
		e.lostAt[relay] = now
		subIDs = append(subIDs, e.subID)
	}
	m.mu.Unlock()

	for _, id := range subIDs {
		m.relaysDone(id, []string{relay}, false)
	}
}

// HandleReconnect reissues every subscription that was live on relay before
// it dropped, asking only for events since the disconnect.
func (m *Multiplexer) HandleReconnect(ctx context.Context, relay string) {
	var reqs []protocol.ReqEnvelope

	m.mu.Lock()
	for _, e := range m.byKey {
		if _, issued := e.relays[relay]; !issued {
			continue
		}
		if _, live := e.open[relay]; live {
			continue
		}
		floor := e.floor
		if lost, ok := e.lostAt[relay]; ok && lost > floor {
			floor = lost
		}
		delete(e.lostAt, relay)
		e.open[relay] = struct{}{}
		reqs = append(reqs, protocol.ReqEnvelope{SubscriptionID: e.subID, Filters: withSince(e.filters, floor)})
	}
	m.mu.Unlock()

	for _, req := range reqs {
		if err := m.transport.Send(ctx, relay, req); err != nil {
			errors.Log(m.log, "reissue REQ", err)
		}
	}
	if len(reqs) > 0 {
		m.log.Info("reissued subscriptions", zap.String("relay", relay), zap.Int("count", len(reqs)))
	}
}

// Len returns the number of live subscriptions.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// CachedKeys returns the canonical keys held by the LRU, oldest first.
func (m *Multiplexer) CachedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Keys()
}

// Close ends every subscription.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.byKey))
	for _, e := range m.byKey {
		entries = append(entries, e)
	}
	for _, e := range entries {
		m.removeLocked(e)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, e := range entries {
		m.sendClose(e.subID, e.openRelays())
	}
}

// relaysDone clears relays from subID's pending set. When the set empties
// for the first time every callback gets OnEOSE, and one-shot
// subscriptions are closed.
func (m *Multiplexer) relaysDone(subID string, relays []string, sendFailed bool) {
	m.mu.Lock()
	e, ok := m.bySubID[subID]
	if !ok {
		m.mu.Unlock()
		return
	}
	for _, r := range relays {
		delete(e.pending, r)
		if sendFailed {
			delete(e.open, r)
		}
	}
	if len(e.pending) > 0 || e.eoseSeen {
		m.mu.Unlock()
		return
	}
	e.eoseSeen = true
	cbs := e.snapshot()
	var closeOn []string
	if e.oneShot {
		closeOn = e.openRelays()
		m.removeLocked(e)
		m.updateGaugesLocked()
	}
	m.mu.Unlock()

	if e.oneShot {
		m.sendClose(e.subID, closeOn)
	}
	for _, cb := range cbs {
		if cb.OnEOSE != nil {
			cb.OnEOSE()
		}
	}
}

// removeLocked detaches e from the maps before touching the LRU so the
// eviction callback ignores it.
func (m *Multiplexer) removeLocked(e *entry) {
	delete(m.byKey, e.key)
	delete(m.bySubID, e.subID)
	if !e.oneShot {
		m.lru.Remove(e.key)
	}
}

func (m *Multiplexer) sendClose(subID string, relays []string) {
	if len(relays) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	for _, r := range relays {
		if err := m.transport.Send(ctx, r, protocol.CloseEnvelope{SubscriptionID: subID}); err != nil {
			errors.Log(m.log, "send CLOSE", err)
		}
	}
}

func (m *Multiplexer) isOneShot(filters []nostr.Filter) bool {
	if len(m.oneShot) == 0 {
		return false
	}
	for _, f := range filters {
		if len(f.Kinds) == 0 {
			return false
		}
		for _, k := range f.Kinds {
			if _, ok := m.oneShot[k]; !ok {
				return false
			}
		}
	}
	return true
}

func (m *Multiplexer) updateGaugesLocked() {
	cached := m.lru.Len()
	metrics.ActiveSubscriptions.WithLabelValues("cached").Set(float64(cached))
	metrics.ActiveSubscriptions.WithLabelValues("oneshot").Set(float64(len(m.byKey) - cached))
}

// attachLocked adds cb to a live entry and marks it recently used.
func (m *Multiplexer) attachLocked(e *entry, cb *Callback) {
	attach(e, cb)
	e.lastHit = time.Now()
	if !e.oneShot {
		m.lru.Get(e.key)
	}
}

func attach(e *entry, cb *Callback) {
	for _, existing := range e.callbacks {
		if existing == cb {
			return
		}
	}
	e.callbacks = append(e.callbacks, cb)
}

func detach(e *entry, cb *Callback) bool {
	for i, existing := range e.callbacks {
		if existing == cb {
			e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
			return true
		}
	}
	return false
}
