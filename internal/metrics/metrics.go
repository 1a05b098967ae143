// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsFolded counts trade events applied by the reconstructor, by mode
	// ("genesis" or "resumed").
	EventsFolded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_events_folded_total",
		Help: "Total trade events folded into position state",
	}, []string{"mode"})

	// ReconstructionLatency tracks end-to-end reconstruction time per portfolio run.
	ReconstructionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_reconstruction_seconds",
		Help:    "Portfolio reconstruction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// DataQualityDrops counts ledger records dropped by the normalizer, by field.
	DataQualityDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_data_quality_drops_total",
		Help: "Ledger records dropped as malformed",
	}, []string{"field"})

	// ReconciliationWarnings counts oversells clamped while shorting is disabled.
	ReconciliationWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_reconciliation_warnings_total",
		Help: "Sells clamped to the held quantity",
	})

	// CheckpointResults counts checkpoint lookups by outcome ("hit" or "miss").
	CheckpointResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_checkpoint_lookups_total",
		Help: "Position checkpoint lookups by outcome",
	}, []string{"result"})

	// OpenPositions tracks open positions in the most recent snapshot per portfolio.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pnl_open_positions",
		Help: "Open positions in the latest snapshot",
	}, []string{"portfolio"})

	// TradesIngested counts trades appended through the API, by side.
	TradesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_trades_ingested_total",
		Help: "Trades appended to the ledger",
	}, []string{"side"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency, labelled by chi route
// pattern so portfolio ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
