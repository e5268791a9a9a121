package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leash_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leash_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Event log metrics
	eventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leash_events_emitted_total",
			Help: "Total number of events emitted per type",
		},
		[]string{"type"},
	)

	subscriberDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leash_subscriber_drops_total",
			Help: "Total number of events dropped from slow subscriber queues",
		},
	)

	activeSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leash_active_subscribers",
			Help: "Number of live event subscribers per session",
		},
		[]string{"session"},
	)

	// Session metrics
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leash_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leash_active_sessions",
			Help: "Number of sessions per state",
		},
		[]string{"state"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leash_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"adapter"},
	)

	// Permission metrics
	permissionResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leash_permission_resolutions_total",
			Help: "Total number of permission request resolutions",
		},
		[]string{"resolved_by"},
	)

	pendingPermissions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leash_pending_permissions",
			Help: "Number of permission requests awaiting resolution",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			eventsEmittedTotal,
			subscriberDropsTotal,
			activeSubscribers,
			sessionTransitionsTotal,
			activeSessions,
			turnDuration,
			permissionResolutionsTotal,
			pendingPermissions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventEmitted records an emitted event by type
func RecordEventEmitted(sessionID, eventType string) {
	eventsEmittedTotal.WithLabelValues(eventType).Inc()
}

// RecordSubscriberDrop records an event dropped from a full subscriber queue
func RecordSubscriberDrop(sessionID string) {
	subscriberDropsTotal.Inc()
}

// SetSubscribers sets the live subscriber gauge for a session
func SetSubscribers(sessionID string, count int) {
	activeSubscribers.WithLabelValues(sessionID).Set(float64(count))
}

// RecordSessionTransition records a session state transition
func RecordSessionTransition(from, to string) {
	sessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetActiveSessions sets the session count gauge for a state
func SetActiveSessions(state string, count int) {
	activeSessions.WithLabelValues(state).Set(float64(count))
}

// RecordTurnDuration records how long an agent turn took
func RecordTurnDuration(adapter string, duration time.Duration) {
	turnDuration.WithLabelValues(adapter).Observe(duration.Seconds())
}

// RecordPermissionResolution records a permission resolution by source
func RecordPermissionResolution(resolvedBy string) {
	permissionResolutionsTotal.WithLabelValues(resolvedBy).Inc()
}

// SetPendingPermissions sets the pending permission gauge
func SetPendingPermissions(count int) {
	pendingPermissions.Set(float64(count))
}
