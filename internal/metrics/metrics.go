// Package metrics provides Prometheus instrumentation for the Purple API.
package metrics

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "purple",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "purple",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CheckoutsTotal counts checkout state transitions.
	CheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "purple",
			Name:      "checkouts_total",
			Help:      "Total checkout operations by resulting state.",
		},
		[]string{"state"},
	)

	// InvoicesIssuedTotal counts Lightning invoices issued.
	InvoicesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "purple",
			Name:      "invoices_issued_total",
			Help:      "Total Lightning invoices issued.",
		},
	)

	// PaymentsConfirmedTotal counts Lightning payments observed as paid.
	PaymentsConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "purple",
			Name:      "payments_confirmed_total",
			Help:      "Total Lightning payments confirmed.",
		},
	)

	// EntitlementGrantsTotal counts entitlement grants by payment source.
	EntitlementGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "purple",
			Name:      "entitlement_grants_total",
			Help:      "Total entitlement grants by payment source.",
		},
		[]string{"source"},
	)

	// IAPVerificationsTotal counts receipt/transaction verifications by result.
	IAPVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "purple",
			Name:      "iap_verifications_total",
			Help:      "Total App Store verifications by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected checkout-event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "purple",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "purple", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "purple", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "purple", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CheckoutsTotal,
		InvoicesIssuedTotal,
		PaymentsConfirmedTotal,
		EntitlementGrantsTotal,
		IAPVerificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := c.Writer.Status()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats copies sql.DB pool stats into gauges. Call periodically.
func CollectDBStats(db *sql.DB) {
	if db == nil {
		return
	}
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBIdleConnections.Set(float64(stats.Idle))
	DBInUseConnections.Set(float64(stats.InUse))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
