// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synapse",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synapse",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CallsTotal counts metered upstream calls by method and outcome.
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synapse",
			Name:      "calls_total",
			Help:      "Total metered upstream calls by RPC method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// UpstreamLatency observes upstream RPC latency by method.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synapse",
			Name:      "upstream_latency_seconds",
			Help:      "Upstream RPC latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method"},
	)

	// SessionsOpened counts sessions opened since start.
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "sessions_opened_total",
		Help:      "Total sessions opened.",
	})

	// SessionsSettled counts sessions settled by settlement kind.
	SessionsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synapse",
			Name:      "sessions_settled_total",
			Help:      "Total sessions settled by settlement kind.",
		},
		[]string{"kind"},
	)

	// ActiveSessions tracks live (unsettled, unexpired) sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "synapse",
		Name:      "active_sessions",
		Help:      "Number of live (unsettled) sessions.",
	})

	// AttestationsTotal counts produced attestations.
	AttestationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "attestations_total",
		Help:      "Total attestations produced.",
	})

	// X402PaymentsTotal counts x402 payments by direction and result.
	X402PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synapse",
			Name:      "x402_payments_total",
			Help:      "Total x402 payments by direction (inbound/outbound) and result.",
		},
		[]string{"direction", "result"},
	)

	// ActiveWebSocketClients tracks connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "synapse",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CallsTotal,
		UpstreamLatency,
		SessionsOpened,
		SessionsSettled,
		ActiveSessions,
		AttestationsTotal,
		X402PaymentsTotal,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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
