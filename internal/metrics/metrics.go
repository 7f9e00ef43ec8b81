// Package metrics provides Prometheus metrics for the peershare node.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peershare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Serving side
	servedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_served_bytes_total",
			Help: "Bytes sent to peers from /stream and /download",
		},
		[]string{"mode"},
	)

	indexedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_indexed_entries",
			Help: "Entries currently held in the file index lookup table",
		},
	)

	// Download manager
	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_transfers_active",
			Help: "Transfers currently holding a slot",
		},
	)

	transfersQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_transfers_queued",
			Help: "Downloads waiting for a slot",
		},
	)

	transferredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peershare_transferred_bytes_total",
			Help: "Bytes received from peers by the download manager",
		},
	)

	downloadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_downloads_finished_total",
			Help: "Downloads that reached a terminal state",
		},
		[]string{"result"},
	)

	autoBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_autodownload_batches_total",
			Help: "Auto-download batches created",
		},
		[]string{"method"},
	)

	// Discovery
	peersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_peers_online",
			Help: "Peers currently in the discovery table",
		},
	)

	// Expiry
	expiredDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peershare_expired_downloads_deleted_total",
			Help: "Completed downloads removed by the expiry scheduler",
		},
	)

	// Event stream
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peershare_event_subscribers",
			Help: "Connected download event subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peershare_download_events_total",
			Help: "Download events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordServed adds bytes sent by the serving API; mode is "stream" or "download".
func RecordServed(mode string, n int64) {
	servedBytes.WithLabelValues(mode).Add(float64(n))
}

func SetIndexedEntries(n int) { indexedEntries.Set(float64(n)) }

// SetTransfers sets the active and queued transfer gauges.
func SetTransfers(active, queued int) {
	transfersActive.Set(float64(active))
	transfersQueued.Set(float64(queued))
}

func AddTransferred(n int64) { transferredBytes.Add(float64(n)) }

// RecordDownloadFinished counts a download reaching completed or failed.
func RecordDownloadFinished(success bool) {
	result := "completed"
	if !success {
		result = "failed"
	}
	downloadsFinished.WithLabelValues(result).Inc()
}

func RecordAutoBatch(method string) { autoBatches.WithLabelValues(method).Inc() }

func SetPeersOnline(n int) { peersOnline.Set(float64(n)) }

func AddExpiredDeleted(n int) { expiredDeleted.Add(float64(n)) }

func SetEventSubscribers(n int) { eventSubscribers.Set(float64(n)) }

func RecordEvent(eventType string) { eventsTotal.WithLabelValues(eventType).Inc() }

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Routes are
// labelled by their mux pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
