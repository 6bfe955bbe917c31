package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medx360"

var (
	// Booking lifecycle
	BookingsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_committed_total",
			Help:      "Bookings inserted as pending.",
		},
	)

	BookingRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_rejections_total",
			Help:      "Booking requests rejected, by reason (unavailable, conflict, validation).",
		},
		[]string{"reason"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_status_transitions_total",
			Help:      "Booking status changes by target status.",
		},
		[]string{"to"},
	)

	ExpiredHolds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_pending_holds_total",
			Help:      "Pending bookings cancelled because their hold lapsed.",
		},
	)

	// Storage
	StorageTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_timeouts_total",
			Help:      "Store calls that hit the storage deadline.",
		},
		[]string{"operation"},
	)

	StorageRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Store calls retried after a timeout.",
		},
	)

	// Resolver
	ResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "availability_resolve_duration_seconds",
			Help:      "Time spent resolving availability.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SlotsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "availability_slots_returned",
			Help:      "Number of slots returned per resolver call.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Notifications
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Booking notifications by event and outcome.",
		},
		[]string{"event", "status"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the queue was full.",
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Postgres pool connections by state.",
		},
		[]string{"state"}, // total, idle, acquired
	)
)

func RecordBookingCommitted() { BookingsCommitted.Inc() }

func RecordRejection(reason string) {
	BookingRejections.WithLabelValues(reason).Inc()
}

func RecordTransition(to string) {
	StatusTransitions.WithLabelValues(to).Inc()
}

func RecordStorageTimeout(operation string) {
	StorageTimeouts.WithLabelValues(operation).Inc()
}

func RecordStorageRetry() { StorageRetries.Inc() }

// ObserveResolve records one resolver call of the given mode (day, range).
func ObserveResolve(mode string, seconds float64, slots int) {
	ResolveDuration.WithLabelValues(mode).Observe(seconds)
	SlotsReturned.Observe(float64(slots))
}

func RecordNotification(event, status string) {
	NotificationsSent.WithLabelValues(event, status).Inc()
}

func RecordHTTPRequest(method, route, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// SetPoolStats publishes a pgxpool snapshot.
func SetPoolStats(total, idle, acquired int32) {
	DBPoolConnections.WithLabelValues("total").Set(float64(total))
	DBPoolConnections.WithLabelValues("idle").Set(float64(idle))
	DBPoolConnections.WithLabelValues("acquired").Set(float64(acquired))
}
