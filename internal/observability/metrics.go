package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of frames sent via WebSocket",
		},
		[]string{"type"},
	)

	// Chat session metrics
	ChatSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of chat sessions in the active state",
		},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_delivered_total",
			Help: "Messages added to a session's visible list",
		},
		[]string{"source"},
	)

	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_duplicate_deliveries_total",
			Help: "Insert events dropped because the id was already visible or expired",
		},
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_expired_total",
			Help: "Ephemeral messages removed from a session after their deadline",
		},
	)

	ExpiryTimersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_expiry_timers_pending",
			Help: "Outstanding ephemeral message timers",
		},
	)

	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_purged_total",
			Help: "Expired ephemeral rows deleted by the retention purge",
		},
	)

	// Change feed metrics
	FeedEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_feed_events_received_total",
			Help: "Insert notifications received from a change feed source",
		},
		[]string{"source"},
	)

	FeedSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_feed_subscriptions_active",
			Help: "Live change feed subscriptions",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation", "table"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)
