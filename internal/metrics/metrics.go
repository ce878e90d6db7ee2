// Package metrics provides Prometheus instrumentation for the arbitration proxy.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/arbitration-proxy/internal/events"
)

var (
	// NotificationsTotal counts proxy notifications, partitioned by kind.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbproxy_notifications_total",
		Help: "Total number of proxy notifications emitted",
	}, []string{"kind"})

	// ContributedAmount accumulates appeal contributions actually kept.
	ContributedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbproxy_contributed_amount_total",
		Help: "Cumulative appeal contributions kept by the proxy",
	})

	// WithdrawnAmount accumulates rewards paid to contributors.
	WithdrawnAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbproxy_withdrawn_amount_total",
		Help: "Cumulative rewards withdrawn by contributors",
	})

	// BridgeMessagesTotal counts bridge messages by direction, kind and outcome.
	BridgeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbproxy_bridge_messages_total",
		Help: "Bridge messages sent and received",
	}, []string{"direction", "kind", "outcome"})

	// OperationLatency tracks proxy operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbproxy_operation_latency_seconds",
		Help:    "Proxy operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbproxy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbproxy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbproxy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Recorder turns proxy notifications into metric updates.
type Recorder struct{}

func (Recorder) Notify(_ context.Context, e events.Event) {
	NotificationsTotal.WithLabelValues(string(e.Kind)).Inc()
	amount, _ := e.Amount.Float64()
	switch e.Kind {
	case events.Contribution:
		ContributedAmount.Add(amount)
	case events.Withdrawal:
		WithdrawnAmount.Add(amount)
	}
}

// ObserveBridge records one bridge message.
func ObserveBridge(direction, kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BridgeMessagesTotal.WithLabelValues(direction, kind, outcome).Inc()
}

// Since records the latency of an operation started at start.
func Since(operation string, start time.Time) {
	OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
