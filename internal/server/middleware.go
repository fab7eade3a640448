package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/metrics"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// generateRequestID returns 16 hex characters from crypto/rand.
func generateRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016X", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// commonHeaders sets the headers every S3 response carries.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := generateRequestID()
		h := w.Header()
		h.Set("x-amz-request-id", id)
		h.Set("x-amz-id-2", id)
		h.Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		h.Set("Server", "s3sfs")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder remembers the status code and body size of a response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode, rr.wroteHeader = code, true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func record(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// metricsMiddleware observes request counts, latency and transfer sizes.
// Scrapes of /metrics are not counted.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)

		path := metrics.NormalizePath(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.bytesWritten))
			metrics.BytesSentTotal.Add(float64(rec.bytesWritten))
		}
	})
}

// accessLog writes one structured log line per request once the response
// is complete.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "request",
			"request_id", w.Header().Get("x-amz-request-id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"bytes", rec.bytesWritten,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// transferEncodingCheck rejects any transfer coding other than chunked.
// net/http moves the codings it parsed into r.TransferEncoding, so both the
// header and the parsed list are inspected.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		codings := r.TransferEncoding
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			codings = append([]string{te}, codings...)
		}
		for _, c := range codings {
			if !strings.EqualFold(strings.TrimSpace(c), "chunked") {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// inFlightMiddleware holds a slot of limiter for the duration of each
// request. Requests wait for a slot until their context ends.
func inFlightMiddleware(limiter *lock.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := limiter.Acquire(r.Context())
			if err != nil {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrServiceUnavailable)
				return
			}
			defer release()
			metrics.InFlightRequests.Inc()
			defer metrics.InFlightRequests.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

// virtualHostMiddleware rewrites virtual-hosted-style requests
// ("bucket.domain/key") to path style ("/bucket/key"). Hosts that match no
// domain, or match one exactly, are left alone.
func virtualHostMiddleware(domains []string) func(http.Handler) http.Handler {
	suffixes := make([]string, 0, len(domains))
	for _, d := range domains {
		suffixes = append(suffixes, "."+strings.ToLower(strings.Trim(d, ".")))
	}
	return func(next http.Handler) http.Handler {
		if len(suffixes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bucket := hostBucket(r.Host, suffixes); bucket != "" {
				r.URL.Path = "/" + bucket + r.URL.Path
				if r.URL.RawPath != "" {
					r.URL.RawPath = "/" + bucket + r.URL.RawPath
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hostBucket returns the bucket label of host under one of suffixes.
func hostBucket(host string, suffixes []string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, suffix := range suffixes {
		if bucket, ok := strings.CutSuffix(host, suffix); ok && bucket != "" {
			return bucket
		}
	}
	return ""
}

// metaHeaderPrefix is "x-amz-meta-" after textproto canonicalization.
const metaHeaderPrefix = "X-Amz-Meta-"

// lowerMetaWriter lowercases X-Amz-Meta-* response header keys before the
// header is sent. http.Header.Set canonicalizes keys, and SDKs read the
// user metadata name from the wire casing.
type lowerMetaWriter struct {
	http.ResponseWriter
	done bool
}

func (lw *lowerMetaWriter) lowerKeys() {
	if lw.done {
		return
	}
	lw.done = true
	h := lw.ResponseWriter.Header()
	for key, values := range h {
		if !strings.HasPrefix(key, metaHeaderPrefix) {
			continue
		}
		delete(h, key)
		h[strings.ToLower(key)] = values
	}
}

func (lw *lowerMetaWriter) WriteHeader(code int) {
	lw.lowerKeys()
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *lowerMetaWriter) Write(b []byte) (int, error) {
	lw.lowerKeys()
	return lw.ResponseWriter.Write(b)
}

func (lw *lowerMetaWriter) Flush() {
	lw.lowerKeys()
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metadataHeaderMiddleware sends x-amz-meta-* headers with lowercase keys.
func metadataHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&lowerMetaWriter{ResponseWriter: w}, r)
	})
}
