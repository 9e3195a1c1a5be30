package application

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/health"
	"github.com/Shugur-Network/relaypool/internal/identity"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/pool"
	"github.com/Shugur-Network/relaypool/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Node ties together the store, signer and relay pool behind one lifecycle.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	Pool   *pool.Pool
	store  *storage.Store
	signer identity.Signer
	health *health.HealthChecker

	admin *http.Server
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config, hooks Hooks) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg).WithHooks(hooks)

	if err := builder.BuildStore(); err != nil {
		return nil, fmt.Errorf("failed building store: %w", err)
	}
	if err := builder.BuildSigner(); err != nil {
		builder.closeStore()
		return nil, fmt.Errorf("failed building signer: %w", err)
	}
	if err := builder.BuildPool(); err != nil {
		builder.closeStore()
		return nil, fmt.Errorf("failed building pool: %w", err)
	}
	builder.BuildHealth(config.Version)

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start connects to the configured relays and, if enabled, serves /metrics
// and /health. Relays that fail to dial keep retrying in the background.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Pool.SetRelays(ctx, n.config.Pool.Relays); err != nil {
		return err
	}
	logger.Info("Relay pool started",
		zap.Int("relays", len(n.Pool.Relays())),
		zap.Int("connected", len(n.Pool.Connected())))

	if n.config.Metrics.Enabled {
		n.startAdmin()
	}
	return nil
}

func (n *Node) startAdmin() {
	log := logger.New("admin")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", n.health.HandleHealth)

	n.admin = &http.Server{
		Addr:              ":" + strconv.Itoa(n.config.Metrics.Port),
		Handler:           errors.RecoveryMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Admin listener started", zap.String("addr", n.admin.Addr))
		if err := n.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Admin listener failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the admin listener, closes every relay and subscription, and
// flushes the store before closing it.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	if n.admin != nil {
		if err := n.admin.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("admin listener: %w", err))
		}
	}

	if err := n.Pool.Close(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("pool: %w", err))
	}

	if n.store != nil {
		logger.Debug("Closing event store...")
		if err := n.store.Close(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("store: %w", err))
		}
	}

	if n.cancel != nil {
		n.cancel()
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", shutdownTimeout))
		return
	}
	logger.Info("Node shutdown completed successfully")
}
