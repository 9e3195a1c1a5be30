package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitRejectsUnknownFormat(t *testing.T) {
	err := Init(WithFormat("xml"))
	assert.Error(t, err)
}

func TestInitFileAndLevelSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pool.log")
	require.NoError(t, Init(WithLevel("info"), WithFormat("json"), WithFile(path)))

	New("test").Info("hello")
	require.NoError(t, UpdateLevel("debug"))
	assert.True(t, atomicLevel.Enabled(zap.DebugLevel))

	assert.Error(t, UpdateLevel("loud"))
	assert.FileExists(t, path)
	require.NoError(t, Shutdown())
}

func TestFromContextPrefersAttachedLogger(t *testing.T) {
	l := zap.NewExample()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}
