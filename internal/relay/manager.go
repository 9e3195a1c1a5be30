package relay

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/protocol"
	nostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"
)

// Manager keeps one Connection per normalized relay URL.
type Manager struct {
	dialer  Dialer
	handler Handler
	opts    Options

	mu    sync.RWMutex
	conns map[string]*Connection
	group singleflight.Group
}

func NewManager(dialer Dialer, handler Handler, opts Options) *Manager {
	return &Manager{
		dialer:  dialer,
		handler: handler,
		opts:    opts.withDefaults(),
		conns:   make(map[string]*Connection),
	}
}

// NormalizeURL canonicalizes a relay URL and rejects non-websocket schemes.
// A bare host gets wss://.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(trimmed, "://"); i >= 0 {
		if scheme := trimmed[:i]; scheme != "ws" && scheme != "wss" {
			return "", errors.InvalidRelayURLError(raw, "scheme must be ws or wss")
		}
	}
	norm := nostr.NormalizeURL(trimmed)
	u, err := url.Parse(norm)
	if err != nil {
		return "", errors.InvalidRelayURLError(raw, err.Error())
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.InvalidRelayURLError(raw, "scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return "", errors.InvalidRelayURLError(raw, "missing host")
	}
	return norm, nil
}

// Ensure returns a connected Connection for rawURL, dialing if needed.
// Concurrent calls for the same URL share a single attempt.
func (m *Manager) Ensure(ctx context.Context, rawURL string) (*Connection, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn := m.getOrCreate(u)

	ch := m.group.DoChan(u, func() (any, error) {
		// The shared attempt must outlive any one caller's context; the
		// dial itself is bounded by the dial timeout.
		return nil, conn.Ensure(context.Background())
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return conn, res.Err
		}
		return conn, nil
	case <-ctx.Done():
		return conn, ctx.Err()
	}
}

// Close marks the given relays keep-closed and drops their sockets. The
// connections stay registered so their status remains visible.
func (m *Manager) Close(urls ...string) {
	for _, raw := range urls {
		if conn := m.Get(raw); conn != nil {
			conn.Close()
		}
	}
}

// Remove closes the given relays and forgets them.
func (m *Manager) Remove(urls ...string) {
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		m.mu.Lock()
		conn := m.conns[u]
		delete(m.conns, u)
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
}

// CloseAll closes every relay.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// Get returns the connection for rawURL, or nil.
func (m *Manager) Get(rawURL string) *Connection {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[u]
}

// URLs lists every registered relay, sorted.
func (m *Manager) URLs() []string {
	m.mu.RLock()
	urls := make([]string, 0, len(m.conns))
	for u := range m.conns {
		urls = append(urls, u)
	}
	m.mu.RUnlock()
	sort.Strings(urls)
	return urls
}

// Connected lists relays whose socket is currently open, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	urls := make([]string, 0, len(m.conns))
	for u, c := range m.conns {
		if c.State() == StateConnected {
			urls = append(urls, u)
		}
	}
	m.mu.RUnlock()
	sort.Strings(urls)
	return urls
}

// Send writes env to one relay.
func (m *Manager) Send(ctx context.Context, url string, env protocol.Envelope) error {
	conn := m.Get(url)
	if conn == nil {
		return errors.RelayClosedError(url)
	}
	return conn.Send(ctx, env)
}

// Statuses reports every registered relay, sorted by URL.
func (m *Manager) Statuses() []domain.RelayStatus {
	m.mu.RLock()
	out := make([]domain.RelayStatus, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (m *Manager) getOrCreate(u string) *Connection {
	m.mu.RLock()
	conn, ok := m.conns[u]
	m.mu.RUnlock()
	if ok {
		return conn
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok = m.conns[u]; ok {
		return conn
	}
	conn = newConnection(u, m.dialer, m.handler, m.opts)
	m.conns[u] = conn
	return conn
}
