// Package pool is the client-facing façade over relay connections, the
// subscription multiplexer and the local event store.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/identity"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/protocol"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/Shugur-Network/relaypool/internal/subscription"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// AuthNotice tells the caller a relay wants NIP-42 authentication. Exactly
// one of Challenge or Reason is set.
type AuthNotice struct {
	Relay     string
	Challenge string
	Reason    string
}

// Options wire a Pool to its collaborators. Store and Signer are optional;
// without a Signer, Publish and Send fail.
type Options struct {
	Config config.PoolConfig
	Store  domain.EventStore
	Signer identity.Signer
	// Dialer defaults to a gorilla/websocket dialer built from Config.
	Dialer         relay.Dialer
	OnAuthRequired func(AuthNotice)
	OnRelayState   func(url string, state relay.State)
}

// Pool multiplexes subscriptions over a set of relays and merges what they
// send with the local store.
type Pool struct {
	cfg    config.PoolConfig
	store  domain.EventStore
	signer identity.Signer
	relays *relay.Manager
	mux    *subscription.Multiplexer
	acks   *xsync.MapOf[string, *pendingAck]
	log    *zap.Logger

	onAuth  func(AuthNotice)
	onState func(string, relay.State)

	closeOnce sync.Once
}

// New builds a Pool. It does not connect; call SetRelays.
func New(opts Options) (*Pool, error) {
	cfg := opts.Config
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		store:   opts.Store,
		signer:  opts.Signer,
		acks:    xsync.NewMapOf[string, *pendingAck](),
		log:     logger.New("pool"),
		onAuth:  opts.OnAuthRequired,
		onState: opts.OnRelayState,
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = relay.WebsocketDialer{
			HandshakeTimeout: cfg.DialTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PingInterval:     cfg.PingInterval,
			MaxMessageSize:   cfg.MaxMessageSize,
		}
	}
	p.relays = relay.NewManager(dialer, p, relay.Options{
		Backoff:     cfg.ReconnectBackoff,
		DialTimeout: cfg.DialTimeout,
		SendRate:    cfg.SendRate,
		SendBurst:   cfg.SendBurst,
	})

	mux, err := subscription.New(p.relays, subscription.Config{
		MaxCached:    cfg.MaxCachedSubs,
		OneShotKinds: cfg.OneShotKinds,
		SendTimeout:  cfg.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	p.mux = mux
	return p, nil
}

/* ------------------------------------------------------------------ *
|  Relay set                                                          |
* -------------------------------------------------------------------*/

// SetRelays makes urls the relay set. Relays no longer listed are closed and
// forgotten; new ones are dialed. A relay that fails to dial keeps retrying
// in the background, so only an invalid URL is an error, and then nothing
// changes. Existing subscriptions are not sent to newly added relays.
func (p *Pool) SetRelays(ctx context.Context, urls []string) error {
	want := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		u, err := relay.NormalizeURL(raw)
		if err != nil {
			return err
		}
		want[u] = struct{}{}
	}

	var removed []string
	for _, u := range p.relays.URLs() {
		if _, keep := want[u]; !keep {
			removed = append(removed, u)
		}
	}
	if len(removed) > 0 {
		p.relays.Remove(removed...)
		p.log.Info("removed relays", zap.Strings("relays", removed))
	}

	var wg sync.WaitGroup
	for u := range want {
		if c := p.relays.Get(u); c != nil && c.State() == relay.StateConnected {
			continue
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := p.relays.Ensure(ctx, u); err != nil {
				p.log.Warn("relay unavailable, will retry",
					zap.String("relay", u),
					zap.Error(err))
			}
		}(u)
	}
	wg.Wait()
	return nil
}

// Relays lists the configured relays.
func (p *Pool) Relays() []string { return p.relays.URLs() }

// Connected lists relays with an open socket.
func (p *Pool) Connected() []string { return p.relays.Connected() }

// RelayStatuses reports every relay.
func (p *Pool) RelayStatuses() []domain.RelayStatus { return p.relays.Statuses() }

// ActiveSubscriptions is the number of live wire subscriptions.
func (p *Pool) ActiveSubscriptions() int { return p.mux.Len() }

/* ------------------------------------------------------------------ *
|  Subscriptions                                                      |
* -------------------------------------------------------------------*/

// Sub subscribes cb to filters on every connected relay, sharing the wire
// subscription with any caller that asked for the same filters.
func (p *Pool) Sub(ctx context.Context, filters []nostr.Filter, cb *subscription.Callback, opts subscription.SubOptions) (string, error) {
	return p.mux.Sub(ctx, filters, cb, opts)
}

// Unsub detaches cb from every subscription.
func (p *Pool) Unsub(cb *subscription.Callback) {
	p.mux.Unsub(cb)
}

/* ------------------------------------------------------------------ *
|  relay.Handler                                                      |
* -------------------------------------------------------------------*/

// HandleEnvelope routes one inbound message. Calls for a single relay
// arrive in wire order.
func (p *Pool) HandleEnvelope(url string, env protocol.Envelope) {
	switch e := env.(type) {
	case protocol.EventEnvelope:
		if err := protocol.ValidateEvent(e.Event, p.cfg.VerifySignatures); err != nil {
			metrics.InvalidEvents.Inc()
			p.log.Debug("dropping invalid event",
				zap.String("relay", url),
				zap.String("sub_id", e.SubscriptionID),
				zap.Error(err))
			return
		}
		// stored before fan-out so a List woken by the following EOSE
		// already sees it
		if p.store != nil {
			p.store.SaveEvent(e.Event)
		}
		metrics.ObserveEvent(e.Event.Kind)
		p.mux.HandleEvent(url, e.SubscriptionID, e.Event)

	case protocol.EOSEEnvelope:
		p.mux.HandleEOSE(url, e.SubscriptionID)

	case protocol.ClosedEnvelope:
		if protocol.IsAuthRequired(e.Reason) {
			p.authRequired(url, e.Reason)
		}
		p.mux.HandleClosed(url, e.SubscriptionID, e.Reason)

	case protocol.OKEnvelope:
		if !e.OK && protocol.IsAuthRequired(e.Reason) {
			p.authRequired(url, e.Reason)
		}
		p.deliverAck(url, e)

	case protocol.NoticeEnvelope:
		p.log.Info("relay notice", zap.String("relay", url), zap.String("message", e.Message))

	case protocol.AuthEnvelope:
		p.log.Info("relay sent auth challenge", zap.String("relay", url))
		if p.onAuth != nil {
			p.onAuth(AuthNotice{Relay: url, Challenge: e.Challenge})
		}

	default:
		p.log.Debug("ignoring message", zap.String("relay", url), zap.String("label", env.Label()))
	}
}

// HandleState resumes subscriptions when a relay comes back and releases
// EOSE waiters when it drops.
func (p *Pool) HandleState(url string, state relay.State) {
	switch state {
	case relay.StateConnected:
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		p.mux.HandleReconnect(ctx, url)
		cancel()
	case relay.StateDisconnected:
		p.mux.HandleDisconnect(url)
	}
	if p.onState != nil {
		p.onState(url, state)
	}
}

func (p *Pool) authRequired(url, reason string) {
	if c := p.relays.Get(url); c != nil {
		c.MarkAuthRequired(reason)
	}
	p.log.Warn("relay requires authentication", zap.String("relay", url), zap.String("reason", reason))
	if p.onAuth != nil {
		p.onAuth(AuthNotice{Relay: url, Reason: reason})
	}
}

// Close ends every subscription, closes every relay and flushes the store.
func (p *Pool) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.mux.Close()
		p.relays.CloseAll()
		if p.store != nil {
			if ferr := p.store.Flush(ctx); ferr != nil {
				errors.Log(p.log, "final flush", ferr)
				err = ferr
			}
		}
		p.log.Info("pool closed")
	})
	return err
}
