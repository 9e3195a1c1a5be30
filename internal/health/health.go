package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/metrics"
)

const healthCheckTimeout = 5 * time.Second

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// HealthChecker reports on relay connectivity and the local store
type HealthChecker struct {
	relays    domain.StatusReporter
	store     domain.Pinger
	logger    *zap.Logger
	startTime time.Time
	version   string
	mu        sync.RWMutex
}

// NewHealthChecker creates a new health checker. store may be nil when the
// pool runs without a local cache.
func NewHealthChecker(relays domain.StatusReporter, store domain.Pinger, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		relays:    relays,
		store:     store,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth performs a comprehensive health check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	defer h.mu.RUnlock()

	startTime := time.Now()
	components := []*ComponentStatus{
		h.checkRelays(),
		h.checkStore(ctx),
		h.checkMemory(),
		h.checkSystemResources(),
	}

	overallStatus := h.determineOverallStatus(components)

	return &HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     h.formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   h.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  h.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": h.countComponentsByStatus(components, StatusUnhealthy),
			"active_subscriptions": h.relays.ActiveSubscriptions(),
			"events_per_second":    metrics.EventsPerSecond(),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkRelays is unhealthy with no relay connected and degraded while only
// some are.
func (h *HealthChecker) checkRelays() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "relays",
		Details: make(map[string]interface{}),
	}

	statuses := h.relays.RelayStatuses()
	connected := 0
	for _, rs := range statuses {
		if rs.State == "connected" {
			connected++
		}
		status.Details[rs.URL] = rs
	}
	total := len(statuses)

	switch {
	case total == 0:
		status.Status = StatusUnhealthy
		status.Message = "No relays configured"
	case connected == 0:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("No relays connected (0/%d)", total)
	case connected < total:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Some relays disconnected (%d/%d)", connected, total)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("All relays connected (%d/%d)", connected, total)
	}
	return status
}

// checkStore pings the store backend
func (h *HealthChecker) checkStore(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "store",
		Details: make(map[string]interface{}),
	}
	if h.store == nil {
		status.Status = StatusHealthy
		status.Message = "Local store disabled"
		return status
	}
	if err := h.store.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Store backend unreachable"
		status.Details["error"] = err.Error()
		return status
	}
	status.Status = StatusHealthy
	status.Message = "Store is healthy"
	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]interface{}),
	}

	// Convert to MB for readability
	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	heapMB := float64(m.HeapAlloc) / 1024 / 1024

	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = sysMB
	status.Details["heap_mb"] = heapMB
	status.Details["num_gc"] = m.NumGC
	status.Details["gc_cpu_fraction"] = m.GCCPUFraction

	// Memory thresholds (these should be configurable)
	const (
		memoryWarningMB  = 500  // 500MB
		memoryCriticalMB = 1000 // 1GB
	)

	if allocMB > memoryCriticalMB {
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	} else if allocMB > memoryWarningMB {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}

	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "system",
		Details: make(map[string]interface{}),
	}

	status.Details["goroutines"] = runtime.NumGoroutine()
	status.Details["cpus"] = runtime.NumCPU()

	goroutineCount := runtime.NumGoroutine()

	// Goroutine thresholds
	const (
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	if goroutineCount > goroutineCritical {
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	} else if goroutineCount > goroutineWarning {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}

	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	unhealthyCount := 0
	degradedCount := 0

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			unhealthyCount++
		case StatusDegraded:
			degradedCount++
		}
	}

	// If any component is unhealthy, overall status is unhealthy
	if unhealthyCount > 0 {
		return StatusUnhealthy
	}

	// If any component is degraded, overall status is degraded
	if degradedCount > 0 {
		return StatusDegraded
	}

	return StatusHealthy
}

// countComponentsByStatus counts components with a specific status
func (h *HealthChecker) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (h *HealthChecker) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	// Check for ready parameter for readiness probes
	ready := r.URL.Query().Get("ready")

	healthResponse := h.CheckHealth(ctx)

	// Set appropriate HTTP status code
	statusCode := http.StatusOK
	if ready == "1" {
		// For readiness probes, return 200 only if healthy
		switch healthResponse.Status {
		case StatusHealthy:
			statusCode = http.StatusOK
		case StatusDegraded:
			statusCode = http.StatusOK // Still ready, just degraded
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		}
	} else {
		// For liveness probes, return 200 unless completely unhealthy
		switch healthResponse.Status {
		case StatusHealthy, StatusDegraded:
			statusCode = http.StatusOK
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Log health check results for monitoring
	h.logger.Debug("Health check completed",
		zap.String("status", string(healthResponse.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr),
		zap.Int64("duration_ms", healthResponse.Summary["check_duration_ms"].(int64)))
}