package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shugur-Network/relaypool/internal/config"
	"github.com/Shugur-Network/relaypool/internal/health"
	"github.com/Shugur-Network/relaypool/internal/pool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Metrics: config.MetricsConfig{Port: 9464},
		Pool: config.PoolConfig{
			ReconnectBackoff: time.Second,
			DialTimeout:      time.Second,
			WriteTimeout:     time.Second,
			PingInterval:     30 * time.Second,
			ListTimeout:      time.Second,
			PublishTimeout:   time.Second,
			MaxCachedSubs:    3,
			SendRate:         100,
			SendBurst:        100,
			MaxMessageSize:   1 << 20,
		},
		Store: config.StoreConfig{
			Enabled:    true,
			FlushDelay: 20 * time.Millisecond,
			MaxConns:   1,
			BloomSize:  1000,
			BloomFP:    0.01,
		},
		Identity: config.IdentityConfig{KeyFile: filepath.Join(t.TempDir(), "identity.key")},
	}
}

func TestEnsureDBName(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@host:5432":              "postgres://u:p@host:5432/relaypool",
		"postgres://u:p@host:5432/":             "postgres://u:p@host:5432/relaypool",
		"postgres://host:5432?sslmode=disable":  "postgres://host:5432/relaypool?sslmode=disable",
		"postgres://host:5432/?sslmode=disable": "postgres://host:5432/relaypool?sslmode=disable",
		"postgres://host:5432/events":           "postgres://host:5432/events",
		"not a url":                             "not a url",
	}
	for in, want := range cases {
		assert.Equal(t, want, ensureDBName(in), in)
	}
}

func TestNodeWithMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(context.Background(), cfg, Hooks{})
	require.NoError(t, err)
	require.NotNil(t, n.Store())
	require.NotNil(t, n.Signer())
	assert.Len(t, n.Signer().PublicKey(), 64)

	require.NoError(t, n.Start(context.Background()))
	assert.Empty(t, n.Pool.Relays())

	// No relays, so List answers from the store.
	evt := &nostr.Event{Kind: 1, Content: "cached", CreatedAt: nostr.Now()}
	require.NoError(t, n.Signer().SignEvent(context.Background(), evt))
	require.NoError(t, n.Store().SaveEventSync(context.Background(), evt))

	got, err := n.Pool.List(context.Background(), []nostr.Filter{{Kinds: []int{1}}}, pool.ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)

	// Store is fine; relays are not configured.
	resp := n.Health().CheckHealth(context.Background())
	assert.Equal(t, health.StatusUnhealthy, resp.Status)

	n.Shutdown()
}

func TestNodeWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	n, err := New(context.Background(), cfg, Hooks{})
	require.NoError(t, err)
	assert.Nil(t, n.Store())
	n.Shutdown()
}

func TestSignerIsReusedAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false

	first, err := New(context.Background(), cfg, Hooks{})
	require.NoError(t, err)
	pub := first.Signer().PublicKey()
	first.Shutdown()

	second, err := New(context.Background(), cfg, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, pub, second.Signer().PublicKey())
	second.Shutdown()
}
