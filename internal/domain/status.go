package domain

import (
	"context"
	"time"
)

// RelayStatus is a point-in-time view of one relay connection.
type RelayStatus struct {
	URL          string    `json:"url"`
	State        string    `json:"state"`
	KeepClosed   bool      `json:"keep_closed"`
	Since        time.Time `json:"since"`
	Reconnects   int       `json:"reconnects"`
	AuthRequired string    `json:"auth_required,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// StatusReporter exposes relay state to health checks.
type StatusReporter interface {
	RelayStatuses() []RelayStatus
	ActiveSubscriptions() int
}

// Pinger is implemented by components that can check their own backend.
type Pinger interface {
	Ping(ctx context.Context) error
}
