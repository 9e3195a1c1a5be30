package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySignerProducesValidSignature(t *testing.T) {
	secret := Generate()
	signer, err := NewKeySigner(secret)
	require.NoError(t, err)

	expected, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	assert.Equal(t, expected, signer.PublicKey())

	evt := &nostr.Event{Kind: 1, Content: "hello"}
	require.NoError(t, signer.SignEvent(context.Background(), evt))
	assert.Equal(t, expected, evt.PubKey)
	assert.NotZero(t, evt.CreatedAt)
	assert.Equal(t, evt.GetID(), evt.ID)

	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewKeySignerRejectsBadKeys(t *testing.T) {
	_, err := NewKeySigner("zz")
	assert.Error(t, err)
	_, err = NewKeySigner("abcd")
	assert.Error(t, err)
}

func TestLoadOrCreatePersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestLoadRejectsTraversal(t *testing.T) {
	_, err := Load("../../etc/passwd")
	assert.Error(t, err)
}
