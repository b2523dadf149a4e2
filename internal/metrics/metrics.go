// Package metrics provides Prometheus instrumentation for offersync.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offersync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BootstrapsTotal counts provider bootstrap attempts by result.
	BootstrapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "bootstraps_total",
			Help:      "Total provider bootstrap attempts by result.",
		},
		[]string{"result"},
	)

	// AccountRefreshesTotal counts account refreshes by result (ok, error, stale).
	AccountRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "account_refreshes_total",
			Help:      "Total active-account refreshes by result.",
		},
		[]string{"result"},
	)

	// CatalogLoadsTotal counts catalog loads by result (ok, error, superseded).
	CatalogLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "catalog_loads_total",
			Help:      "Total offer catalog loads by result.",
		},
		[]string{"result"},
	)

	// CatalogLoadDuration observes how long a full catalog read takes.
	CatalogLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "offersync",
		Name:      "catalog_load_duration_seconds",
		Help:      "Offer catalog load duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// CatalogSize tracks the number of offers currently visible.
	CatalogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offersync",
		Name:      "catalog_size",
		Help:      "Number of offers in the visible catalog.",
	})

	// FeeComputationsTotal counts computeFee reads by result.
	FeeComputationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "fee_computations_total",
			Help:      "Total fee computations by result.",
		},
		[]string{"result"},
	)

	// SubscriptionsTotal counts subscription transactions by status
	// (submitted, rejected, confirmed).
	SubscriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "subscriptions_total",
			Help:      "Total subscription transactions by status.",
		},
		[]string{"status"},
	)

	// ConfirmationLatency observes time from submission to SubscriptionAdded.
	ConfirmationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "offersync",
		Name:      "confirmation_latency_seconds",
		Help:      "Time from subscription submission to on-chain confirmation in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// ActiveConfirmationListeners tracks live SubscriptionAdded watches.
	ActiveConfirmationListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offersync",
		Name:      "active_confirmation_listeners",
		Help:      "Number of live SubscriptionAdded watches.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offersync",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// RateLimitedTotal counts requests rejected by the mutation limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offersync",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		},
		[]string{"path"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offersync", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BootstrapsTotal,
		AccountRefreshesTotal,
		CatalogLoadsTotal,
		CatalogLoadDuration,
		CatalogSize,
		FeeComputationsTotal,
		SubscriptionsTotal,
		ConfirmationLatency,
		ActiveConfirmationListeners,
		ActiveWebSocketClients,
		RateLimitedTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count.
// Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Result maps an error to the "ok"/"error" result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
