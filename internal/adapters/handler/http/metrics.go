package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/services"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allogi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allogi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Ingestion metrics
	entriesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allogi_entries_ingested_total",
			Help: "Total number of ingested log entries by quality",
		},
		[]string{"quality"},
	)

	errorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allogi_errors_classified_total",
			Help: "Total number of classified error envelopes by category",
		},
		[]string{"category"},
	)

	// Hub metrics
	wsClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allogi_ws_clients",
			Help: "Number of connected websocket clients",
		},
	)

	wsFramesDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allogi_ws_frames_dropped",
			Help: "Cumulative frames dropped to client backpressure",
		},
	)

	// Store metrics
	storeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allogi_store_entries",
			Help: "Entries currently held in the live window",
		},
	)

	// Rotation metrics
	rotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allogi_rotations_total",
			Help: "Completed log rotations",
		},
	)

	archivedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allogi_archived_entries_total",
			Help: "Entries moved into archive files by rotation",
		},
	)
)

// Instrument records every request into both the Prometheus vectors and
// the JSON metrics service. Websocket upgrades are skipped; their lifetime
// would dominate the latency histogram.
func Instrument(metrics *services.MetricsService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			duration := time.Since(start)

			path := chi.RouteContext(r.Context()).RoutePattern()
			if path == "" {
				path = r.URL.Path
			}

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())
			if metrics != nil {
				metrics.RecordRequest(r.Method+" "+path, ww.Status(), duration)
			}
		})
	}
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordIngested counts accepted entries by quality.
func RecordIngested(quality string, n int) {
	entriesIngested.WithLabelValues(quality).Add(float64(n))
}

// RecordClassifiedError counts one classified envelope.
func RecordClassifiedError(category string) {
	errorsClassified.WithLabelValues(category).Inc()
}

// SetHubGauges mirrors the hub stats into the scrape endpoint.
func SetHubGauges(clients int, dropped uint64) {
	wsClients.Set(float64(clients))
	wsFramesDropped.Set(float64(dropped))
}

// SetStoreEntries mirrors the live window size into the scrape endpoint.
func SetStoreEntries(n int) {
	storeEntries.Set(float64(n))
}

// RecordRotation counts one completed rotation and its archived entries.
func RecordRotation(entryCount int) {
	rotationsTotal.Inc()
	archivedEntries.Add(float64(entryCount))
}
