// Package metrics defines custom Prometheus metrics for tmpfiles.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpfiles_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tmpfiles_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tmpfiles_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tmpfiles_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage engine metrics.
var (
	// UploadsTotal counts upload attempts by outcome (stored, deduplicated,
	// rejected, failed).
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpfiles_uploads_total",
			Help: "Upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	// DownloadsTotal counts content downloads by outcome.
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpfiles_downloads_total",
			Help: "Content downloads by outcome",
		},
		[]string{"outcome"},
	)

	// FilesTotal is a gauge tracking the current number of stored files.
	FilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tmpfiles_files_total",
			Help: "Current number of stored files",
		},
	)

	// StorageBytes is a gauge tracking the total bytes of stored content.
	StorageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tmpfiles_storage_bytes",
			Help: "Total bytes of stored content",
		},
	)

	// BytesReceivedTotal counts total bytes accepted into the backend.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tmpfiles_bytes_received_total",
			Help: "Total bytes accepted into the storage backend",
		},
	)

	// BytesSentTotal counts total content bytes served to clients.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tmpfiles_bytes_sent_total",
			Help: "Total content bytes served to clients",
		},
	)
)

// Cleanup metrics.
var (
	// CleanupRunsTotal counts reaper runs by kind (expiry, orphan) and status.
	CleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpfiles_cleanup_runs_total",
			Help: "Cleanup runs by kind and status",
		},
		[]string{"kind", "status"},
	)

	// CleanupDeletedTotal counts files removed by the reapers, by kind.
	CleanupDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpfiles_cleanup_deleted_total",
			Help: "Files removed by cleanup, by kind",
		},
		[]string{"kind"},
	)

	// CleanupBytesReclaimedTotal counts bytes reclaimed by the reapers.
	CleanupBytesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmpfiles_cleanup_bytes_reclaimed_total",
			Help: "Bytes reclaimed by cleanup, by kind",
		},
		[]string{"kind"},
	)

	// CleanupDuration observes reaper run duration in seconds by kind.
	CleanupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tmpfiles_cleanup_duration_seconds",
			Help:    "Cleanup run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadsTotal,
			DownloadsTotal,
			FilesTotal,
			StorageBytes,
			BytesReceivedTotal,
			BytesSentTotal,
			CleanupRunsTotal,
			CleanupDeletedTotal,
			CleanupBytesReclaimedTotal,
			CleanupDuration,
		)
		// Initialize the outcome counters so they appear in /metrics output
		// before the first upload.
		UploadsTotal.WithLabelValues("stored")
		UploadsTotal.WithLabelValues("deduplicated")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual file ids.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/metrics":
		return "/metrics"
	case "/docs", "/docs/":
		return "/docs"
	case "/openapi.json":
		return "/openapi.json"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	// API routes: collapse the file id segment.
	const apiFiles = "/api/v1/files"
	if path == apiFiles {
		return apiFiles
	}
	if strings.HasPrefix(path, apiFiles+"/") {
		rest := strings.TrimPrefix(path, apiFiles+"/")
		switch rest {
		case "stats":
			return apiFiles + "/stats"
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			// /api/v1/files/{id}/download, /api/v1/files/{id}/exists
			return apiFiles + "/{id}/" + rest[idx+1:]
		}
		return apiFiles + "/{id}"
	}

	return "/other"
}
