package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventWindow = NewSlidingWindow(60*time.Second, 10000)

// Metrics for relay connections, subscriptions, the local store and publishing.
var (
	// Relay connection metrics
	RelayState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nostr_pool_relay_state",
		Help: "Connection state per relay (0 disconnected, 1 connecting, 2 connected)",
	}, []string{"relay"})

	RelayReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_relay_reconnects_total",
		Help: "Reconnect attempts per relay by outcome",
	}, []string{"relay", "outcome"}) // "success", "failure"

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_messages_received_total",
		Help: "Inbound relay messages by label",
	}, []string{"type"}) // "EVENT", "EOSE", "OK", ...

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_messages_sent_total",
		Help: "Outbound relay messages by label",
	}, []string{"type"}) // "REQ", "CLOSE", "EVENT"

	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_malformed_messages_total",
		Help: "Inbound frames dropped because they could not be parsed",
	})

	InvalidEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_invalid_events_total",
		Help: "Inbound events dropped for a bad id or signature",
	})

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nostr_pool_active_subscriptions",
		Help: "Live multiplexed subscriptions",
	}, []string{"mode"}) // "cached", "oneshot"

	SharedSubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_shared_subscriptions_total",
		Help: "Sub calls served by an existing subscription",
	})

	SubscriptionEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_subscription_evictions_total",
		Help: "Cached subscriptions closed by LRU eviction",
	})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_events_delivered_total",
		Help: "Events received from relays by kind",
	}, []string{"kind"})

	// Store metrics
	StoreQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_pool_store_queue_depth",
		Help: "Events waiting in the write-behind queue",
	})

	StoreFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_store_flushes_total",
		Help: "Store flushes by outcome",
	}, []string{"outcome"}) // "success", "partial", "failure"

	StoreFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostr_pool_store_flush_duration_seconds",
		Help:    "Time spent writing one flush batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_duplicate_events_total",
		Help: "Saved events whose id was probably persisted already",
	})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_db_errors_total",
		Help: "Database errors by type",
	}, []string{"error_type"})

	// Publish metrics
	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_publish_results_total",
		Help: "Send outcomes",
	}, []string{"result"}) // "accepted", "rejected", "timeout", "auth_required"

	LateAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_late_acks_total",
		Help: "OK messages that arrived after their Send had resolved",
	})

	PublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostr_pool_publish_ack_seconds",
		Help:    "Time from send to first accepting OK",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 6),
	})
)

// ObserveEvent counts an inbound event by kind and feeds the rate window.
func ObserveEvent(kind int) {
	EventsDelivered.WithLabelValues(kindLabel(kind)).Inc()
	eventWindow.Add()
}

// EventsPerSecond is the inbound event rate over the last minute.
func EventsPerSecond() float64 {
	return eventWindow.Rate()
}

func kindLabel(kind int) string {
	switch kind {
	case 0, 1, 3, 5, 6, 7, 1059, 9735, 10002, 30023:
		return strconv.Itoa(kind)
	default:
		return "other"
	}
}

// RegisterMetrics pre-registers label values so dashboards see zeros.
func RegisterMetrics() {
	for _, t := range []string{"EVENT", "EOSE", "OK", "CLOSED", "NOTICE", "AUTH"} {
		MessagesReceived.WithLabelValues(t)
	}
	for _, t := range []string{"REQ", "CLOSE", "EVENT"} {
		MessagesSent.WithLabelValues(t)
	}
	for _, m := range []string{"cached", "oneshot"} {
		ActiveSubscriptions.WithLabelValues(m)
	}
	for _, o := range []string{"success", "partial", "failure"} {
		StoreFlushes.WithLabelValues(o)
	}
	for _, r := range []string{"accepted", "rejected", "timeout", "auth_required"} {
		PublishResults.WithLabelValues(r)
	}
	for _, e := range []string{
		"connection_failed", "transaction_start_failed", "insert_failed",
		"transaction_commit_failed", "query_failed", "bloom_filter_rebuild_failed",
	} {
		DBErrors.WithLabelValues(e)
	}
}
