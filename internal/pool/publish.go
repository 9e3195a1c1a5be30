package pool

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/protocol"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

type ack struct {
	relay  string
	ok     bool
	reason string
}

// pendingAck collects OK messages for one Send until it resolves.
type pendingAck struct {
	mu       sync.Mutex
	resolved bool
	ch       chan ack
}

// offer hands a to the waiting Send. It reports false once Send has
// resolved.
func (w *pendingAck) offer(a ack) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false
	}
	select {
	case w.ch <- a:
	default:
		// more OKs than relays; the extras carry nothing new
	}
	return true
}

func (w *pendingAck) resolve() {
	w.mu.Lock()
	w.resolved = true
	w.mu.Unlock()
}

// Publish signs evt, stores it when a store is configured and sends it to
// every connected relay without waiting for acknowledgement.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event) (*nostr.Event, error) {
	if err := p.prepare(ctx, evt); err != nil {
		return nil, err
	}
	if sent := p.broadcast(ctx, evt); len(sent) == 0 {
		return evt, errors.NoRelaysError("publish")
	}
	return evt, nil
}

// Send publishes evt and waits for the first relay to accept it. If every
// relay rejects it the error lists their reasons; if none answers within
// the publish timeout the error is a timeout. Acks arriving after Send has
// returned are dropped.
func (p *Pool) Send(ctx context.Context, evt *nostr.Event) (*nostr.Event, error) {
	if err := p.prepare(ctx, evt); err != nil {
		return nil, err
	}

	waiter := &pendingAck{ch: make(chan ack, len(p.relays.URLs())+1)}
	p.acks.Store(evt.ID, waiter)
	defer func() {
		waiter.resolve()
		// keep the tombstone around so late acks are recognized
		id := evt.ID
		time.AfterFunc(2*p.cfg.PublishTimeout, func() {
			p.acks.Compute(id, func(cur *pendingAck, loaded bool) (*pendingAck, bool) {
				return cur, !loaded || cur == waiter
			})
		})
	}()

	start := time.Now()
	sent := p.broadcast(ctx, evt)
	if len(sent) == 0 {
		return evt, errors.NoRelaysError("send")
	}

	timer := time.NewTimer(p.cfg.PublishTimeout)
	defer timer.Stop()

	rejected := make(map[string]string, len(sent))
	for len(rejected) < len(sent) {
		select {
		case a := <-waiter.ch:
			if _, ours := sent[a.relay]; !ours {
				continue
			}
			if a.ok {
				metrics.PublishResults.WithLabelValues("accepted").Inc()
				metrics.PublishLatency.Observe(time.Since(start).Seconds())
				p.log.Debug("event accepted",
					zap.String("event_id", evt.ID),
					zap.String("relay", a.relay))
				return evt, nil
			}
			p.log.Info("event rejected",
				zap.String("event_id", evt.ID),
				zap.String("relay", a.relay),
				zap.String("reason", a.reason))
			rejected[a.relay] = a.reason

		case <-timer.C:
			metrics.PublishResults.WithLabelValues("timeout").Inc()
			return evt, errors.PublishTimeoutError(evt.ID, p.cfg.PublishTimeout.String())

		case <-ctx.Done():
			return evt, ctx.Err()
		}
	}

	for relay, reason := range rejected {
		if protocol.IsAuthRequired(reason) {
			metrics.PublishResults.WithLabelValues("auth_required").Inc()
			return evt, errors.AuthenticationError(relay, reason)
		}
	}
	metrics.PublishResults.WithLabelValues("rejected").Inc()
	return evt, errors.RelayRejectedError(evt.ID, rejected)
}

// prepare signs evt and writes it to the store before it goes on the wire.
func (p *Pool) prepare(ctx context.Context, evt *nostr.Event) error {
	if evt == nil {
		return errors.New(errors.ErrorTypeValidation, "NIL_EVENT", "event is required")
	}
	if p.signer == nil {
		return errors.ConfigurationError("identity", "no signer configured")
	}
	if err := p.signer.SignEvent(ctx, evt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "SIGN_FAILED", "failed to sign event")
	}
	if p.store != nil {
		if err := p.store.SaveEventSync(ctx, evt); err != nil {
			// the event still goes out; the store retries nothing here
			errors.Log(p.log, "store published event", err)
		}
	}
	return nil
}

// broadcast writes evt to every connected relay and returns those that took
// the write.
func (p *Pool) broadcast(ctx context.Context, evt *nostr.Event) map[string]struct{} {
	env := protocol.PublishEnvelope{Event: evt}
	relays := p.relays.Connected()
	sent := make(map[string]struct{}, len(relays))
	for _, url := range relays {
		if err := p.relays.Send(ctx, url, env); err != nil {
			errors.Log(p.log, "send EVENT", err)
			continue
		}
		sent[url] = struct{}{}
	}
	return sent
}

func (p *Pool) deliverAck(url string, e protocol.OKEnvelope) {
	waiter, ok := p.acks.Load(e.EventID)
	if !ok {
		p.log.Debug("unsolicited ack", zap.String("relay", url), zap.String("event_id", e.EventID))
		return
	}
	if !waiter.offer(ack{relay: url, ok: e.OK, reason: e.Reason}) {
		metrics.LateAcks.Inc()
		p.log.Debug("late ack discarded",
			zap.String("relay", url),
			zap.String("event_id", e.EventID),
			zap.Bool("ok", e.OK))
	}
}
