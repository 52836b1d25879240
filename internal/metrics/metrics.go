// Package metrics provides Prometheus instrumentation for the trade ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts executed orders, partitioned by side.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_executions_total",
		Help: "Total number of orders executed",
	}, []string{"side"})

	// ExecutionLatency tracks time from lock acquisition to commit.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_execution_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OrdersSubmitted counts accepted order submissions by side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_submitted_total",
		Help: "Total number of orders accepted as PENDING",
	}, []string{"side"})

	// Rejections counts submit and execute failures by reason code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Orders rejected, by reason code",
	}, []string{"stage", "reason"})

	// OrdersExpired counts PENDING orders moved to EXPIRED.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_orders_expired_total",
		Help: "Orders expired lazily or by the sweeper",
	})

	// TradedNotional tracks cumulative quantity × price by side.
	TradedNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_traded_notional_total",
		Help: "Cumulative executed notional value",
	}, []string{"side"})

	// RateLimited counts requests refused by the submission rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rate_limited_total",
		Help: "Requests rejected with 429",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// chi's wrapper keeps http.Hijacker so WebSocket upgrades still work.
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route pattern to keep label
// cardinality bounded, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
