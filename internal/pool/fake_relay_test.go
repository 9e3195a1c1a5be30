package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Shugur-Network/relaypool/internal/relay"
	nostr "github.com/nbd-wtf/go-nostr"
)

// fakeRelay answers REQ from a fixed event set and EVENT according to okMode.
type fakeRelay struct {
	mu        sync.Mutex
	events    []*nostr.Event
	okMode    string // "accept", "reject", "auth", anything else stays silent
	reqs      [][]nostr.Filter
	published []*nostr.Event
}

func (r *fakeRelay) requests() [][]nostr.Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]nostr.Filter(nil), r.reqs...)
}

type fakeSocket struct {
	relay  *fakeRelay
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, fmt.Errorf("socket closed")
	}
}

func (s *fakeSocket) push(v ...any) {
	data, _ := json.Marshal(v)
	select {
	case s.in <- data:
	case <-s.closed:
	}
}

func (s *fakeSocket) WriteMessage(_ context.Context, data []byte) error {
	select {
	case <-s.closed:
		return fmt.Errorf("socket closed")
	default:
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) < 2 {
		return fmt.Errorf("bad frame")
	}
	var label string
	_ = json.Unmarshal(arr[0], &label)

	r := s.relay
	switch label {
	case "REQ":
		var subID string
		_ = json.Unmarshal(arr[1], &subID)
		filters := make([]nostr.Filter, 0, len(arr)-2)
		for _, raw := range arr[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return err
			}
			filters = append(filters, f)
		}
		r.mu.Lock()
		r.reqs = append(r.reqs, filters)
		var matched []*nostr.Event
		for _, evt := range r.events {
			for _, f := range filters {
				if f.Matches(evt) {
					matched = append(matched, evt)
					break
				}
			}
		}
		r.mu.Unlock()
		go func() {
			for _, evt := range matched {
				s.push("EVENT", subID, evt)
			}
			s.push("EOSE", subID)
		}()

	case "EVENT":
		var evt nostr.Event
		if err := json.Unmarshal(arr[1], &evt); err != nil {
			return err
		}
		r.mu.Lock()
		r.published = append(r.published, &evt)
		mode := r.okMode
		r.mu.Unlock()
		switch mode {
		case "accept":
			go s.push("OK", evt.ID, true, "")
		case "reject":
			go s.push("OK", evt.ID, false, "blocked: not on the list")
		case "auth":
			go s.push("OK", evt.ID, false, "auth-required: sign in first")
		}
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	relays map[string]*fakeRelay
}

func (d *fakeDialer) Dial(_ context.Context, url string) (relay.Socket, error) {
	r, ok := d.relays[url]
	if !ok {
		return nil, fmt.Errorf("connection refused")
	}
	return &fakeSocket{relay: r, in: make(chan []byte, 64), closed: make(chan struct{})}, nil
}
