package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/jackc/pgx/v5"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

var insertSQL = fmt.Sprintf(`INSERT INTO %s (id, content, kind, pubkey, sig, tags, p1, e1, created_at, verified)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`, constants.EventsTable)

// SaveBatch inserts events in a single transaction. Each row runs under its
// own savepoint so one bad row fails alone.
func (b *PostgresBackend) SaveBatch(ctx context.Context, events []*nostr.Event, verified bool) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}
	all := func() []string {
		ids := make([]string, len(events))
		for i, evt := range events {
			ids[i] = evt.ID
		}
		return ids
	}
	if !b.isConnected() {
		return all(), errors.DatabaseConnectionError(fmt.Errorf("database is not connected"))
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		metrics.DBErrors.WithLabelValues("transaction_start_failed").Inc()
		return all(), errors.PersistenceError("begin transaction", err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(ctx)
	}()

	var failed []string
	for _, evt := range events {
		if err := insertOne(ctx, tx, evt, verified); err != nil {
			metrics.DBErrors.WithLabelValues("insert_failed").Inc()
			b.log.Warn("Failed to insert event",
				zap.String("event_id", evt.ID),
				zap.Error(err))
			failed = append(failed, evt.ID)
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT sp"); rbErr != nil {
				return all(), errors.PersistenceError("rollback savepoint", rbErr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT sp"); err != nil {
			return all(), errors.PersistenceError("release savepoint", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.DBErrors.WithLabelValues("transaction_commit_failed").Inc()
		return all(), errors.PersistenceError("commit", err)
	}
	return failed, nil
}

func insertOne(ctx context.Context, tx pgx.Tx, evt *nostr.Event, verified bool) error {
	if _, err := tx.Exec(ctx, "SAVEPOINT sp"); err != nil {
		return err
	}
	r, err := toRow(evt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertSQL,
		r.ID, r.Content, r.Kind, r.PubKey, r.Sig, r.Tags, r.P1, r.E1, r.CreatedAt, verified)
	return err
}

// Query runs one SELECT per filter and merges the results.
func (b *PostgresBackend) Query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	if !b.isConnected() {
		return nil, errors.DatabaseConnectionError(fmt.Errorf("database is not connected"))
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	var out []*nostr.Event
	for _, f := range filters {
		if matchesNothing(f) {
			continue
		}
		q := CompileFilter(f, false)
		var hits []*nostr.Event
		err := b.scan(ctx, q, func(evt *nostr.Event) bool {
			if !q.Exact && !matchesIndexed(f, evt) {
				return true
			}
			hits = append(hits, evt)
			return q.Limit <= 0 || len(hits) < q.Limit
		})
		if err != nil {
			return nil, err
		}
		out = mergeUnique(out, seen, hits)
	}
	sortNewestFirst(out)
	return out, nil
}

// Latest scans each filter newest first and stops at the first match.
func (b *PostgresBackend) Latest(ctx context.Context, filters []nostr.Filter) (nostr.Timestamp, error) {
	if !b.isConnected() {
		return 0, errors.DatabaseConnectionError(fmt.Errorf("database is not connected"))
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var latest nostr.Timestamp
	for _, f := range filters {
		if matchesNothing(f) {
			continue
		}
		q := CompileFilter(f, true)
		err := b.scan(ctx, q, func(evt *nostr.Event) bool {
			if !q.Exact && !matchesIndexed(f, evt) {
				return true
			}
			if evt.CreatedAt > latest {
				latest = evt.CreatedAt
			}
			return false
		})
		if err != nil {
			return 0, err
		}
	}
	return latest, nil
}

// ForEachID streams every stored id.
func (b *PostgresBackend) ForEachID(ctx context.Context, fn func(id string)) error {
	if !b.isConnected() {
		return errors.DatabaseConnectionError(fmt.Errorf("database is not connected"))
	}
	rows, err := b.pool.Query(ctx, "SELECT id FROM "+constants.EventsTable)
	if err != nil {
		return errors.PersistenceError("list ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return errors.PersistenceError("scan id", err)
		}
		fn(id)
	}
	return rows.Err()
}

// scan runs q and hands each decoded event to fn until fn returns false.
func (b *PostgresBackend) scan(ctx context.Context, q CompiledQuery, fn func(*nostr.Event) bool) error {
	rows, err := b.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return errors.PersistenceError("query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			evt       nostr.Event
			createdAt int64
			rawTags   string
		)
		if err := rows.Scan(&evt.ID, &evt.PubKey, &evt.Kind, &createdAt, &evt.Content, &rawTags, &evt.Sig); err != nil {
			b.log.Warn("Row scan failed", zap.Error(err))
			continue
		}
		evt.CreatedAt = nostr.Timestamp(createdAt)
		if rawTags != "" {
			if err := json.Unmarshal([]byte(rawTags), &evt.Tags); err != nil {
				b.log.Warn("Failed to unmarshal tags", zap.String("event_id", evt.ID), zap.Error(err))
				evt.Tags = nostr.Tags{}
			}
		}
		if !fn(&evt) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return errors.PersistenceError("query", err)
	}
	return nil
}
