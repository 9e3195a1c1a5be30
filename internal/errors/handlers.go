package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Log writes err at a level matching its severity. Plain errors are logged
// at warn. A nil error is ignored.
func Log(log *zap.Logger, operation string, err error) {
	if err == nil || log == nil {
		return
	}
	appErr, ok := As(err)
	if !ok {
		log.Warn(operation+" failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
	}
	if appErr.Relay != "" {
		fields = append(fields, zap.String("relay", appErr.Relay))
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.Error(appErr.Cause))
	}

	switch appErr.Severity {
	case SeverityLow:
		log.Debug(appErr.Message, fields...)
	case SeverityMedium:
		log.Warn(appErr.Message, fields...)
	default:
		log.Error(appErr.Message, fields...)
	}
}

// ErrorResponse is the JSON body returned by the admin HTTP endpoints.
type ErrorResponse struct {
	Error struct {
		Type      ErrorType `json:"type"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"error"`
}

// WriteHTTP renders err as an ErrorResponse.
func WriteHTTP(w http.ResponseWriter, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "internal error")
	}

	var resp ErrorResponse
	resp.Error.Type = appErr.Type
	resp.Error.Code = appErr.Code
	resp.Error.Message = appErr.Message
	if appErr.UserMessage != "" {
		resp.Error.Message = appErr.UserMessage
	}
	resp.Error.Timestamp = appErr.Timestamp

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(appErr.Type))
	_ = json.NewEncoder(w).Encode(resp)
}

// RecoveryMiddleware turns handler panics into a 500 ErrorResponse.
func RecoveryMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				panicErr := New(ErrorTypeInternal, "PANIC", fmt.Sprintf("panic: %v", rec)).
					WithSeverity(SeverityCritical)
				Log(log, r.URL.Path, panicErr)
				WriteHTTP(w, panicErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func statusCode(t ErrorType) int {
	switch t {
	case ErrorTypeValidation, ErrorTypeProtocol:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeNetwork, ErrorTypeDatabase:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
