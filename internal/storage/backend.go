package storage

import (
	"context"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Backend persists events. Inserts are insert-or-ignore on id.
type Backend interface {
	// SaveBatch writes events in one transaction where possible and returns
	// the ids that could not be written. A non-nil error means none were.
	SaveBatch(ctx context.Context, events []*nostr.Event, verified bool) (failed []string, err error)
	// Query returns stored events matching any filter, newest first.
	Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error)
	// Latest returns the newest created_at among matches, or 0.
	Latest(ctx context.Context, filters []nostr.Filter) (nostr.Timestamp, error)
	// ForEachID calls fn with every stored id.
	ForEachID(ctx context.Context, fn func(id string)) error
	Ping(ctx context.Context) error
	Close() error
}
