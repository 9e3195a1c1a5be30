package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateClosed
)

const (
	connectAttempts  = 5
	initialDBBackoff = 2 * time.Second
	queryTimeout     = 5 * time.Second
)

// PostgresBackend stores events in a PostgreSQL (or CockroachDB) posts table.
type PostgresBackend struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	state   DBState
	stateMu sync.RWMutex
}

func newPool(ctx context.Context, dbURI string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, cfg)
}

// InitDB connects with retries and exponential backoff, then applies the
// schema.
func InitDB(ctx context.Context, dbURI string, maxConns int32) (*PostgresBackend, error) {
	b := &PostgresBackend{
		log:   logger.New("storage"),
		state: DBStateConnecting,
	}

	var err error
	backoff := initialDBBackoff
connect:
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		var pool *pgxpool.Pool
		pool, err = newPool(ctx, dbURI, maxConns)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				b.pool = pool
				b.setState(DBStateConnected)
				b.log.Info("Database connected",
					zap.Int("attempts", attempt),
					zap.Int32("max_conns", pool.Stat().MaxConns()))
				if err := b.InitializeSchema(ctx); err != nil {
					pool.Close()
					b.setState(DBStateClosed)
					return nil, err
				}
				return b, nil
			}
			pool.Close()
		}

		b.log.Warn("Failed to connect to DB, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		if attempt == connectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			break connect
		}
		backoff *= 2
	}

	b.setState(DBStateClosed)
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, errors.DatabaseConnectionError(err)
}

// Ping checks database connectivity.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if !b.isConnected() {
		return errors.DatabaseConnectionError(fmt.Errorf("database is not connected"))
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return b.pool.Ping(ctx)
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state == DBStateClosed {
		return nil
	}
	b.state = DBStateClosed
	if b.pool != nil {
		b.pool.Close()
	}
	b.log.Debug("Database connection closed")
	return nil
}

func (b *PostgresBackend) setState(s DBState) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

func (b *PostgresBackend) isConnected() bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state == DBStateConnected
}
