package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one open relay transport. ReadMessage is called from a single
// goroutine; WriteMessage and Close may be called concurrently.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens sockets. The default is a gorilla/websocket dialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials relays with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	s := &wsSocket{
		ws:           ws,
		writeTimeout: d.WriteTimeout,
		pingInterval: d.PingInterval,
		done:         make(chan struct{}),
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	if d.MaxMessageSize > 0 {
		ws.SetReadLimit(d.MaxMessageSize)
	}
	if s.pingInterval > 0 {
		s.extendReadDeadline()
		ws.SetPongHandler(func(string) error {
			s.extendReadDeadline()
			return nil
		})
		go s.keepalive()
	}
	return s, nil
}

type wsSocket struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingInterval time.Duration
	closeOnce    sync.Once
	done         chan struct{}
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := s.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if s.pingInterval > 0 {
			s.extendReadDeadline()
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(deadline)
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a polite close frame and then closes the connection.
func (s *wsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}

// extendReadDeadline allows three missed pongs before reads fail.
func (s *wsSocket) extendReadDeadline() {
	_ = s.ws.SetReadDeadline(time.Now().Add(3 * s.pingInterval))
}

func (s *wsSocket) keepalive() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				// the read side will observe the failure and tear down
				return
			}
		}
	}
}
