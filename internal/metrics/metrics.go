// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// TradesOpened counts opened timed trades, partitioned by prediction.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_trades_opened_total",
		Help: "Total number of timed trades opened",
	}, []string{"prediction"})

	// Settlements counts settled contracts by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_settlements_total",
		Help: "Total number of contracts settled",
	}, []string{"outcome"})

	// SettlementRetries counts retried settlement attempts after
	// transient failures.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeengine_settlement_retries_total",
		Help: "Settlement attempts retried after transient errors",
	})

	// SettlementsStalled tracks contracts stuck in settling after retry
	// exhaustion. Non-zero values page the operator.
	SettlementsStalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeengine_settlements_stalled",
		Help: "Contracts stalled in settling state awaiting recovery",
	})

	// DegradedSettlements counts settlements that fell back to the last
	// known price because the feed had no tick at expiry.
	DegradedSettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeengine_degraded_settlements_total",
		Help: "Settlements priced from a stale tick",
	})

	// OpenContracts tracks the number of currently open contracts.
	OpenContracts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeengine_open_contracts",
		Help: "Number of currently open timed trades",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeengine_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
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
