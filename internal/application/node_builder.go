package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/health"
	"github.com/Shugur-Network/relaypool/internal/identity"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/pool"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/Shugur-Network/relaypool/internal/storage"

	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	store   *storage.Store
	signer  identity.Signer
	pool    *pool.Pool
	checker *health.HealthChecker
	hooks   Hooks
}

// Hooks let callers observe pool events without reaching into the pool.
type Hooks struct {
	OnAuthRequired func(pool.AuthNotice)
	OnRelayState   func(url string, state relay.State)
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// WithHooks installs pool callbacks.
func (b *NodeBuilder) WithHooks(h Hooks) *NodeBuilder {
	b.hooks = h
	return b
}

// ensureDBName points a connection URL that names no database at the
// default one.
func ensureDBName(connURL string) string {
	schemeEnd := strings.Index(connURL, "://")
	if schemeEnd == -1 {
		return connURL
	}
	rest := connURL[schemeEnd+3:]
	slashIdx := strings.Index(rest, "/")
	if slashIdx == -1 {
		if q := strings.Index(rest, "?"); q != -1 {
			return connURL[:schemeEnd+3+q] + "/" + constants.DatabaseName + rest[q:]
		}
		return connURL + "/" + constants.DatabaseName
	}
	afterSlash := rest[slashIdx+1:]
	if afterSlash == "" || strings.HasPrefix(afterSlash, "?") {
		return connURL[:schemeEnd+3+slashIdx+1] + constants.DatabaseName + afterSlash
	}
	return connURL
}

// BuildStore opens the local event store: PostgreSQL when a URL is
// configured, memory otherwise. A disabled store is skipped.
func (b *NodeBuilder) BuildStore() error {
	sc := b.config.Store
	if !sc.Enabled {
		logger.Info("Local event store disabled")
		return nil
	}

	var backend storage.Backend
	if sc.URL != "" {
		logger.Info("Building database connection")
		pg, err := storage.InitDB(b.ctx, ensureDBName(sc.URL), sc.MaxConns)
		if err != nil {
			b.cancel()
			return fmt.Errorf("failed to initialize database connection: %w", err)
		}
		backend = pg
	} else {
		logger.Info("No store URL configured, using in-memory store")
		backend = storage.NewMemoryBackend()
	}

	store, err := storage.Open(b.ctx, backend, storage.Options{
		FlushDelay: sc.FlushDelay,
		BloomSize:  sc.BloomSize,
		BloomFP:    sc.BloomFP,
		Verified:   b.config.Pool.VerifySignatures,
	})
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to open store: %w", err)
	}
	b.store = store
	return nil
}

// BuildSigner loads the signing key, creating one on first run.
func (b *NodeBuilder) BuildSigner() error {
	signer, created, err := identity.LoadOrCreate(b.config.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("Generated new identity", zap.String("pubkey", signer.PublicKey()), zap.String("key_file", b.config.Identity.KeyFile))
	}
	b.signer = signer
	return nil
}

// BuildPool assembles the relay pool over the store and signer.
func (b *NodeBuilder) BuildPool() error {
	opts := pool.Options{
		Config:         b.config.Pool,
		Signer:         b.signer,
		OnAuthRequired: b.hooks.OnAuthRequired,
		OnRelayState:   b.hooks.OnRelayState,
	}
	// a nil *Store must not become a non-nil interface
	if b.store != nil {
		opts.Store = b.store
	}
	p, err := pool.New(opts)
	if err != nil {
		return fmt.Errorf("failed to build pool: %w", err)
	}
	b.pool = p
	return nil
}

// BuildHealth sets up the health checker.
func (b *NodeBuilder) BuildHealth(version string) {
	var pinger domain.Pinger
	if b.store != nil {
		pinger = b.store
	}
	b.checker = health.NewHealthChecker(b.pool, pinger, logger.New("node"), version)
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.pool == nil {
		return nil, fmt.Errorf("pool must be built before calling Build()")
	}
	if b.checker == nil {
		return nil, fmt.Errorf("health checker must be built before calling Build()")
	}
	logger.Debug("Node initialized successfully via builder")
	return &Node{
		ctx:    b.ctx,
		cancel: b.cancel,
		config: b.config,
		Pool:   b.pool,
		store:  b.store,
		signer: b.signer,
		health: b.checker,
	}, nil
}
