// Package metrics provides Prometheus metrics for the treeserve server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeserve_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treeserve_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Listing metrics
	listingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treeserve_listings_total",
			Help: "Total number of directory listings rendered",
		},
	)

	listingEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treeserve_listing_entries",
			Help:    "Number of entries per rendered listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Archive metrics
	archivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeserve_archives_total",
			Help: "Total number of archive downloads",
		},
		[]string{"format", "status"},
	)

	archiveBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeserve_archive_content_bytes_total",
			Help: "Total file content bytes written into archives",
		},
		[]string{"format"},
	)

	archiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treeserve_archive_duration_seconds",
			Help:    "Archive stream duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"format"},
	)

	skippedEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeserve_skipped_entries_total",
			Help: "Entries omitted from listings or archives because they could not be served",
		},
		[]string{"source"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeserve_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
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

// RecordListing records a rendered listing and how many entries it held
// and omitted.
func RecordListing(entries, skipped int) {
	listingsTotal.Inc()
	listingEntries.Observe(float64(entries))
	if skipped > 0 {
		skippedEntriesTotal.WithLabelValues("listing").Add(float64(skipped))
	}
}

// RecordArchive records a finished archive stream.
func RecordArchive(format string, contentBytes int64, skipped int, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	archivesTotal.WithLabelValues(format, status).Inc()
	archiveBytes.WithLabelValues(format).Add(float64(contentBytes))
	archiveDuration.WithLabelValues(format).Observe(duration.Seconds())
	if skipped > 0 {
		skippedEntriesTotal.WithLabelValues("archive").Add(float64(skipped))
	}
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. route
// maps a request to a low-cardinality label; request paths are never used
// as labels.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			RecordHTTPRequest(r.Method, route(r), rw.statusCode, time.Since(start))
		})
	}
}
