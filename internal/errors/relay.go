package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

// Codes shared by callers that branch on a specific failure.
const (
	CodeNoRelays        = "NO_RELAYS"
	CodePublishTimeout  = "PUBLISH_TIMEOUT"
	CodePublishRejected = "PUBLISH_REJECTED"
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeMalformed       = "MALFORMED_MESSAGE"
	CodeRelayClosed     = "RELAY_CLOSED"
	CodeInvalidURL      = "INVALID_RELAY_URL"
	CodePersist         = "PERSIST_FAILED"
)

// WebSocketError classifies a socket failure by its close code.
func WebSocketError(url, operation string, cause error) *AppError {
	var code string
	severity := SeverityMedium

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
	default:
		code = "WS_ERROR"
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("websocket %s failed", operation)).
		WithSeverity(severity).
		WithRelay(url)
}

// NetworkError classifies dial/read/write failures against a relay.
func NetworkError(url, operation string, cause error) *AppError {
	code := "NETWORK_UNKNOWN"
	severity := SeverityMedium

	var opErr *net.OpError
	var netErr net.Error
	var errno syscall.Errno
	switch {
	case stderrors.As(cause, &errno):
		switch errno {
		case syscall.ECONNREFUSED:
			code, severity = "CONNECTION_REFUSED", SeverityHigh
		case syscall.ECONNRESET:
			code = "CONNECTION_RESET"
		case syscall.ETIMEDOUT:
			code = "CONNECTION_TIMEOUT"
		default:
			code = "SYSTEM_ERROR"
		}
	case stderrors.As(cause, &opErr):
		switch opErr.Op {
		case "dial":
			code, severity = "NETWORK_DIAL_FAILED", SeverityHigh
		case "read":
			code = "NETWORK_READ_FAILED"
		case "write":
			code = "NETWORK_WRITE_FAILED"
		default:
			code = "NETWORK_OP_FAILED"
		}
	case stderrors.As(cause, &netErr) && netErr.Timeout():
		code = "NETWORK_TIMEOUT"
	case isTemporaryNetError(cause):
		code, severity = "NETWORK_TEMPORARY", SeverityLow
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("network %s failed", operation)).
		WithSeverity(severity).
		WithRelay(url)
}

// InvalidRelayURLError is returned for URLs that are not ws:// or wss://.
func InvalidRelayURLError(url, reason string) *AppError {
	return New(ErrorTypeValidation, CodeInvalidURL, fmt.Sprintf("invalid relay url: %s", reason)).
		WithSeverity(SeverityLow).
		WithRelay(url)
}

// RelayClosedError is returned when writing to a relay that is not connected.
func RelayClosedError(url string) *AppError {
	return New(ErrorTypeNetwork, CodeRelayClosed, "relay connection is not open").
		WithSeverity(SeverityLow).
		WithRelay(url)
}

// NoRelaysError is returned by operations that need at least one connected relay.
func NoRelaysError(operation string) *AppError {
	return New(ErrorTypeNetwork, CodeNoRelays, fmt.Sprintf("%s: no connected relays", operation)).
		WithSeverity(SeverityMedium).
		WithUserMessage("No relay is connected.")
}

// PublishTimeoutError means no relay acknowledged the event in time.
func PublishTimeoutError(eventID, timeout string) *AppError {
	return New(ErrorTypeTimeout, CodePublishTimeout, fmt.Sprintf("no relay acknowledged event within %s", timeout)).
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("event id: %s", eventID))
}

// RelayRejectedError means every relay answered OK false.
func RelayRejectedError(eventID string, reasons map[string]string) *AppError {
	return New(ErrorTypeRejected, CodePublishRejected, "event rejected by all relays").
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("event id: %s; %s", eventID, joinReasons(reasons)))
}

// AuthenticationError is returned when a relay requires NIP-42 auth.
func AuthenticationError(url, reason string) *AppError {
	return New(ErrorTypeAuthentication, CodeAuthRequired, fmt.Sprintf("relay requires authentication: %s", reason)).
		WithSeverity(SeverityMedium).
		WithRelay(url).
		WithUserMessage("The relay requires authentication.")
}

// MalformedMessageError wraps a frame that failed to parse.
func MalformedMessageError(reason string, cause error) *AppError {
	return Wrap(cause, ErrorTypeProtocol, CodeMalformed, fmt.Sprintf("malformed relay message: %s", reason)).
		WithSeverity(SeverityLow)
}

// PersistenceError wraps a local store write failure.
func PersistenceError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, CodePersist, fmt.Sprintf("store %s failed", operation)).
		WithSeverity(SeverityHigh)
}

// DatabaseConnectionError creates an error for database connection issues
func DatabaseConnectionError(cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_CONNECTION_ERROR", "database connection failed").
		WithSeverity(SeverityCritical)
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// IsRecoverable determines if an error can be retried
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeDatabase:
		return appErr.Severity != SeverityCritical
	case ErrorTypeRateLimit:
		return true
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	default:
		return false
	}
}

// ShouldRetry determines if an operation should be retried based on the error
func ShouldRetry(err error, attemptCount int, maxAttempts int) bool {
	if attemptCount >= maxAttempts {
		return false
	}
	return IsRecoverable(err)
}

func joinReasons(reasons map[string]string) string {
	parts := make([]string, 0, len(reasons))
	for url, reason := range reasons {
		parts = append(parts, url+": "+reason)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// isTemporaryNetError replaces the deprecated net.Error.Temporary.
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
