package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "compute_lease"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
		},
		[]string{"method", "path", "status"},
	)

	// Provisioning metrics
	provisionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "attempts_total",
			Help:      "Provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	addressPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "address_polls_total",
			Help:      "Guest address polls issued to the hypervisor",
		},
	)

	deferredRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "deferred_retries_total",
			Help:      "Deferred address retries by result",
		},
		[]string{"result"},
	)

	guestConfigTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "guest_configurations_total",
			Help:      "Guest configuration runs by result",
		},
		[]string{"result"},
	)

	// Order and lease metrics
	orderAcceptancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "order",
			Name:      "acceptances_total",
			Help:      "Order acceptance attempts by result",
		},
		[]string{"result"},
	)

	leaseReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "releases_total",
			Help:      "Lease releases, labelled by whether the resource became available",
		},
		[]string{"freed"},
	)

	expiredLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "expired",
			Help:      "Leased resources whose lease has run out",
		},
	)
)

// Middleware records request counts and latencies per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordProvisionAttempt records the outcome of a custom resource request
func RecordProvisionAttempt(outcome string) {
	provisionAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordAddressPoll() {
	addressPollsTotal.Inc()
}

// RecordDeferredRetry records a deferred retry result: scheduled, configured or given_up
func RecordDeferredRetry(result string) {
	deferredRetriesTotal.WithLabelValues(result).Inc()
}

func RecordGuestConfiguration(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	guestConfigTotal.WithLabelValues(result).Inc()
}

func RecordOrderAcceptance(result string) {
	orderAcceptancesTotal.WithLabelValues(result).Inc()
}

func RecordLeaseRelease(freed bool) {
	leaseReleasesTotal.WithLabelValues(strconv.FormatBool(freed)).Inc()
}

// SetExpiredLeases sets the gauge of leases past their end
func SetExpiredLeases(count int) {
	expiredLeases.Set(float64(count))
}
