package domain

import (
	"context"

	nostr "github.com/nbd-wtf/go-nostr"
)

// EventStore is the local cache the pool merges with live relay data.
type EventStore interface {
	// SaveEvent queues evt for a deferred write.
	SaveEvent(evt *nostr.Event)
	// SaveEventSync writes evt before returning.
	SaveEventSync(ctx context.Context, evt *nostr.Event) error
	// List returns stored and queued events matching any filter, newest first.
	List(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error)
	// Latest returns the newest stored created_at among matches, or 0.
	Latest(ctx context.Context, filters []nostr.Filter) (nostr.Timestamp, error)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}
