package relay

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of one relay connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives everything a connection reports. Calls for one
// connection are never concurrent with each other.
type Handler interface {
	HandleEnvelope(url string, env protocol.Envelope)
	HandleState(url string, state State)
}

// Options tune connection behaviour.
type Options struct {
	Backoff     time.Duration
	DialTimeout time.Duration
	SendRate    float64
	SendBurst   int
}

func (o Options) withDefaults() Options {
	if o.Backoff <= 0 {
		o.Backoff = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	return o
}

// Connection owns at most one socket to a relay and redials it with a fixed
// backoff until Close is called.
type Connection struct {
	url     string
	dialer  Dialer
	handler Handler
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger

	mu         sync.Mutex
	state      State
	socket     Socket
	gen        uint64
	keepClosed bool
	timer      *time.Timer
	connecting chan struct{}
	connectErr error
	since      time.Time
	reconnects int
	lastErr    string
	authReason string

	// notifyMu keeps state notifications in transition order.
	notifyMu sync.Mutex
}

func newConnection(url string, dialer Dialer, handler Handler, opts Options) *Connection {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	return &Connection{
		url:     url,
		dialer:  dialer,
		handler: handler,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.SendBurst),
		log:     logger.New("relay").With(zap.String("relay", url)),
		since:   time.Now(),
	}
}

// URL returns the normalized relay URL.
func (c *Connection) URL() string { return c.url }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ensure connects if needed and waits for the outcome. Concurrent callers
// share one dial. It clears the keep-closed flag.
func (c *Connection) Ensure(ctx context.Context) error {
	c.mu.Lock()
	c.keepClosed = false
	c.mu.Unlock()

	done := c.attempt()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateConnected:
		return nil
	case c.connectErr != nil:
		return c.connectErr
	default:
		return errors.RelayClosedError(c.url)
	}
}

// Close stops reconnecting and drops the socket. A later Ensure reopens it.
func (c *Connection) Close() {
	c.mu.Lock()
	c.keepClosed = true
	c.stopTimerLocked()
	sock := c.socket
	c.socket = nil
	c.gen++
	if sock == nil {
		c.mu.Unlock()
		return
	}
	c.setStateAndUnlock(StateDisconnected)
	if err := sock.Close(); err != nil {
		c.log.Debug("socket close failed", zap.Error(err))
	}
	c.log.Info("relay closed")
}

// Send writes one outbound envelope. It waits on the per-relay rate limiter.
func (c *Connection) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	sock, gen := c.socket, c.gen
	c.mu.Unlock()
	if sock == nil {
		return errors.RelayClosedError(c.url)
	}

	if err := sock.WriteMessage(ctx, data); err != nil {
		wsErr := errors.WebSocketError(c.url, "write", err)
		// Send may run inside a state notification, which holds notifyMu.
		go c.handleDisconnect(gen, wsErr)
		return wsErr
	}
	metrics.MessagesSent.WithLabelValues(env.Label()).Inc()
	return nil
}

// Status reports the connection for health checks.
func (c *Connection) Status() domain.RelayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.RelayStatus{
		URL:          c.url,
		State:        c.state.String(),
		KeepClosed:   c.keepClosed,
		Since:        c.since,
		Reconnects:   c.reconnects,
		AuthRequired: c.authReason,
		LastError:    c.lastErr,
	}
}

// MarkAuthRequired records the most recent auth-required reason.
func (c *Connection) MarkAuthRequired(reason string) {
	c.mu.Lock()
	c.authReason = reason
	c.mu.Unlock()
}

/* ------------------------------------------------------------------ *
|  Dial / read loop / reconnect                                       |
* -------------------------------------------------------------------*/

// attempt starts a dial unless one is running. It returns a channel closed
// when the attempt ends, or nil if the socket is already up.
func (c *Connection) attempt() <-chan struct{} {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		ch := c.connecting
		c.mu.Unlock()
		return ch
	}
	c.stopTimerLocked()
	ch := make(chan struct{})
	c.connecting = ch
	go c.dial(ch)
	c.setStateAndUnlock(StateConnecting)
	return ch
}

func (c *Connection) dial(done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()
	sock, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	c.connecting = nil
	if err != nil {
		c.connectErr = errors.NetworkError(c.url, "dial", err)
		c.lastErr = err.Error()
		if !c.keepClosed {
			c.scheduleLocked()
		}
		c.setStateAndUnlock(StateDisconnected)
		errors.Log(c.log, "dial", c.connectErr)
		return
	}
	if c.keepClosed {
		c.connectErr = errors.RelayClosedError(c.url)
		c.setStateAndUnlock(StateDisconnected)
		_ = sock.Close()
		return
	}

	c.gen++
	gen := c.gen
	c.socket = sock
	c.connectErr = nil
	c.lastErr = ""
	c.setStateAndUnlock(StateConnected)
	c.log.Info("relay connected")

	go c.readLoop(sock, gen)
}

func (c *Connection) readLoop(sock Socket, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in read loop", zap.Any("panic", r))
			c.handleDisconnect(gen, errors.New(errors.ErrorTypeInternal, "READ_LOOP_PANIC", "read loop panicked"))
		}
	}()

	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, errors.WebSocketError(c.url, "read", err))
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			metrics.MalformedMessages.Inc()
			c.log.Debug("dropping malformed message", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		metrics.MessagesReceived.WithLabelValues(env.Label()).Inc()
		c.handler.HandleEnvelope(c.url, env)
	}
}

// handleDisconnect tears down the socket of generation gen. Stale
// generations are ignored so a replaced socket is never touched.
func (c *Connection) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.socket == nil {
		c.mu.Unlock()
		return
	}
	sock := c.socket
	c.socket = nil
	c.gen++
	if cause != nil {
		c.lastErr = cause.Error()
	}
	if !c.keepClosed {
		c.scheduleLocked()
	}
	c.setStateAndUnlock(StateDisconnected)

	_ = sock.Close()
	errors.Log(c.log, "relay connection lost", cause)
}

func (c *Connection) scheduleLocked() {
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.opts.Backoff, c.reconnect)
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.keepClosed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	c.mu.Unlock()

	c.log.Debug("reconnecting")
	done := c.attempt()
	if done == nil {
		return
	}
	<-done

	outcome := "failure"
	if c.State() == StateConnected {
		outcome = "success"
	}
	metrics.RelayReconnects.WithLabelValues(c.url, outcome).Inc()
}

// setStateAndUnlock must be called with c.mu held. It releases c.mu and
// then notifies the handler.
func (c *Connection) setStateAndUnlock(s State) {
	changed := c.state != s
	c.state = s
	if changed {
		c.since = time.Now()
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	if !changed {
		return
	}
	metrics.RelayState.WithLabelValues(c.url).Set(float64(s))
	if c.handler != nil {
		c.handler.HandleState(c.url, s)
	}
}
