package storage

import (
	"context"
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
)

// MemoryBackend keeps events in a map. Nothing survives a restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event
	// fail, when set, decides which ids a SaveBatch rejects.
	fail func(*nostr.Event) bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{events: make(map[string]*nostr.Event)}
}

func (m *MemoryBackend) SaveBatch(ctx context.Context, events []*nostr.Event, _ bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		failed := make([]string, len(events))
		for i, evt := range events {
			failed[i] = evt.ID
		}
		return failed, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []string
	for _, evt := range events {
		if m.fail != nil && m.fail(evt) {
			failed = append(failed, evt.ID)
			continue
		}
		if _, ok := m.events[evt.ID]; ok {
			continue
		}
		cp := *evt
		m.events[evt.ID] = &cp
	}
	return failed, nil
}

func (m *MemoryBackend) Query(_ context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	return selectMatching(m.snapshot(), filters), nil
}

func (m *MemoryBackend) Latest(_ context.Context, filters []nostr.Filter) (nostr.Timestamp, error) {
	var latest nostr.Timestamp
	for _, evt := range m.snapshot() {
		if evt.CreatedAt <= latest {
			continue
		}
		for _, f := range filters {
			if !matchesNothing(f) && matchesIndexed(f, evt) {
				latest = evt.CreatedAt
				break
			}
		}
	}
	return latest, nil
}

func (m *MemoryBackend) ForEachID(_ context.Context, fn func(id string)) error {
	for _, evt := range m.snapshot() {
		fn(evt.ID)
	}
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

// Len reports how many events are stored.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryBackend) snapshot() []*nostr.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*nostr.Event, 0, len(m.events))
	for _, evt := range m.events {
		out = append(out, evt)
	}
	return out
}
