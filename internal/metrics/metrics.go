// Package metrics provides Prometheus instrumentation for the betting engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsPlacedTotal counts accepted bets, partitioned by side kind.
	BetsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betting_bets_placed_total",
		Help: "Total number of bets accepted",
	}, []string{"side_kind"})

	// BetRejectionsTotal counts rejected bets by rejection reason.
	BetRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betting_bet_rejections_total",
		Help: "Bets rejected before placement",
	}, []string{"reason"})

	// SettlementsTotal counts completed match settlements.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betting_settlements_total",
		Help: "Total number of matches settled",
	})

	// SettlementDuration tracks settlement latency in seconds.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betting_settlement_duration_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveMarkets tracks the number of markets created and still active.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betting_active_markets",
		Help: "Number of currently active markets",
	})

	// WebSocketClients tracks connected live-channel subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betting_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betting_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "betting_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
