package storage

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/Shugur-Network/relaypool/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

//go:embed schema.sql
var schemaDDL string

const selectColumns = `id, pubkey, kind, created_at, content, tags, sig`

// InitializeSchema creates the posts table and its indexes if missing.
func (b *PostgresBackend) InitializeSchema(ctx context.Context) error {
	b.log.Info("Initializing database schema")
	if _, err := b.pool.Exec(ctx, schemaDDL); err != nil {
		return errors.PersistenceError("initialize schema", err)
	}
	return nil
}

// row is the flattened form of an event as stored in posts.
type row struct {
	ID        string
	Content   string
	Kind      int
	PubKey    string
	Sig       string
	Tags      string
	P1        *string
	E1        *string
	CreatedAt int64
}

func toRow(evt *nostr.Event) (row, error) {
	tags := evt.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return row{}, err
	}
	return row{
		ID:        evt.ID,
		Content:   evt.Content,
		Kind:      evt.Kind,
		PubKey:    evt.PubKey,
		Sig:       evt.Sig,
		Tags:      string(raw),
		P1:        firstTagValue(evt.Tags, "p"),
		E1:        firstTagValue(evt.Tags, "e"),
		CreatedAt: int64(evt.CreatedAt),
	}, nil
}

// firstTagValue returns the value of the first tag named name, or nil.
func firstTagValue(tags nostr.Tags, name string) *string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			v := tag[1]
			return &v
		}
	}
	return nil
}
