package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsFindsWrappedAppError(t *testing.T) {
	err := fmt.Errorf("send: %w", PublishTimeoutError("abc", "3s"))

	assert.True(t, Is(err, ErrorTypeTimeout))
	assert.True(t, HasCode(err, CodePublishTimeout))
	assert.False(t, Is(err, ErrorTypeRejected))
}

func TestNetworkErrorClassifiesErrno(t *testing.T) {
	err := NetworkError("wss://r.example", "dial", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))

	assert.Equal(t, "CONNECTION_REFUSED", err.Code)
	assert.Equal(t, "wss://r.example", err.Relay)
	assert.True(t, IsRecoverable(err))
}

func TestRejectedAndAuthAreNotRecoverable(t *testing.T) {
	assert.False(t, IsRecoverable(RelayRejectedError("id", map[string]string{"wss://a": "blocked"})))
	assert.False(t, IsRecoverable(AuthenticationError("wss://a", "auth-required: sign in")))
	assert.False(t, ShouldRetry(NoRelaysError("sub"), 3, 3))
}

func TestRejectedDetailsAreSorted(t *testing.T) {
	err := RelayRejectedError("id", map[string]string{"wss://b": "no", "wss://a": "nope"})
	assert.Contains(t, err.Details, "wss://a: nope, wss://b: no")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PANIC", body.Error.Code)
}
