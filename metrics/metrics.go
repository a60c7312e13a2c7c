package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmrelay_messages_persisted_total",
			Help: "Total messages written to the store",
		},
		[]string{"kind"}, // "text" or "file"
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmrelay_messages_routed_total",
			Help: "Total messages routed after persistence",
		},
		[]string{"route"}, // "delivered_live" or "queued"
	)

	MessagesDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmrelay_messages_drained_total",
			Help: "Total queued messages delivered on reappearance",
		},
	)

	GapFilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmrelay_messages_gap_filled_total",
			Help: "Total messages delivered by recovery gap-fill",
		},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmrelay_storage_errors_total",
			Help: "Total sends dropped because persistence failed",
		},
	)

	ReadReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmrelay_read_receipts_total",
			Help: "Total read notifications",
		},
		[]string{"forwarded"}, // "true" or "false"
	)

	// Presence metrics
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmrelay_online_users",
			Help: "Users with a live connection",
		},
	)

	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmrelay_pending_messages",
			Help: "Messages waiting for an offline recipient",
		},
	)
)
