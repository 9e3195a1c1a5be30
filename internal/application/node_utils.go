package application

import (
	"context"
	"time"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/health"
	"github.com/Shugur-Network/relaypool/internal/identity"
	"github.com/Shugur-Network/relaypool/internal/storage"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Store returns the local event store, or nil when it is disabled.
func (n *Node) Store() *storage.Store {
	return n.store
}

// Signer returns the identity used for publishing.
func (n *Node) Signer() identity.Signer {
	return n.signer
}

// Health returns the node's health checker.
func (n *Node) Health() *health.HealthChecker {
	return n.health
}

// closeStore releases a store built before a later build step failed.
func (b *NodeBuilder) closeStore() {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.store.Close(ctx)
	b.cancel()
}
