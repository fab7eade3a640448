// Package metrics defines the Prometheus collectors of the gateway. Nothing
// is registered until Register is called, so a disabled metrics endpoint
// leaves the default registry untouched.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "s3sfs"

// Body size buckets, 256 B to 64 MiB in powers of four.
var sizeBuckets = prometheus.ExponentialBuckets(256, 4, 10)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// HTTP layer. Paths are normalized with NormalizePath before labelling.
var (
	HTTPRequestsTotal   = counterVec("http_requests_total", "HTTP requests served.", "method", "path", "status")
	HTTPRequestDuration = histogramVec("http_request_duration_seconds", "HTTP request latency.", prometheus.DefBuckets, "method", "path")
	HTTPRequestSize     = histogramVec("http_request_size_bytes", "Declared request body sizes.", sizeBuckets, "method", "path")
	HTTPResponseSize    = histogramVec("http_response_size_bytes", "Response body sizes.", sizeBuckets, "method", "path")
	BytesReceivedTotal  = counter("bytes_received_total", "Request body bytes received.")
	BytesSentTotal      = counter("bytes_sent_total", "Response body bytes sent.")
	InFlightRequests    = gauge("in_flight_requests", "S3 requests currently being served.")
)

// S3 and engine layer.
var (
	// S3OperationsTotal is labelled with the routed operation name and
	// "success" or "error".
	S3OperationsTotal = counterVec("s3_operations_total", "S3 operations by name and outcome.", "operation", "status")
	BucketsTotal      = gauge("buckets_total", "Buckets under the root directory.")

	// LockWaitSeconds is labelled by lock scope: bucket, object, version,
	// upload, part or manifest.
	LockWaitSeconds = histogramVec("lock_wait_seconds", "Time spent waiting for engine locks.",
		[]float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5}, "scope")
	EngineErrorsTotal = counterVec("engine_errors_total", "Failed engine calls by error kind.", "kind")
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Repeated calls do
// nothing.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestSize, HTTPResponseSize,
			BytesReceivedTotal, BytesSentTotal, InFlightRequests,
			S3OperationsTotal, BucketsTotal, LockWaitSeconds, EngineErrorsTotal,
		)
		// Export one series up front so scrapers see the family immediately.
		S3OperationsTotal.WithLabelValues("ListBuckets", "success")
	})
}

// NormalizePath collapses bucket and key names out of a request path:
// "/", "/{bucket}" or "/{bucket}/{key}". The fixed endpoints keep their
// own path.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/metrics":
		return path
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	switch {
	case bucket == "":
		return "/"
	case key == "":
		return "/{bucket}"
	default:
		return "/{bucket}/{key}"
	}
}

// ObserveLockWait matches lock.Observer.
func ObserveLockWait(scope string, wait time.Duration) {
	LockWaitSeconds.WithLabelValues(scope).Observe(wait.Seconds())
}

// RecordEngineError counts a failed engine call.
func RecordEngineError(kind string) {
	EngineErrorsTotal.WithLabelValues(kind).Inc()
}
