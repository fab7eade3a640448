// Package tracing configures OpenTelemetry tracing for the gateway.
package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName identifies spans started by this package.
const tracerName = "github.com/s3sfs/s3sfs/internal/tracing"

// Exporter names.
const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
)

// Options controls tracing initialization.
type Options struct {
	Enabled bool
	// Exporter is one of ExporterOTLPGRPC, ExporterOTLPHTTP or ExporterStdout.
	Exporter    string
	Endpoint    string  // OTLP collector endpoint (host:port or URL)
	SampleRatio float64 // 0.0 - 1.0
	ServiceName string
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

// Init installs the global tracer provider and propagator. It returns a
// shutdown function that flushes pending spans; when tracing is disabled
// both are no-ops.
func Init(ctx context.Context, opt Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !opt.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	svc := strings.TrimSpace(opt.ServiceName)
	if svc == "" {
		svc = "s3sfs"
	}
	res, err := resource.New(ctx,
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", svc)),
	)
	if err != nil {
		slog.Warn("Tracing resource detection failed", "error", err)
		res = resource.Empty()
	}

	exp, err := newExporter(ctx, opt)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opt.SampleRatio)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)
	otel.SetTracerProvider(tp)
	slog.Info("Tracing enabled", "exporter", opt.Exporter, "endpoint", opt.Endpoint, "sample_ratio", opt.SampleRatio)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, opt Options) (sdktrace.SpanExporter, error) {
	switch opt.Exporter {
	case ExporterStdout:
		w := opt.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))

	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if opt.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(stripScheme(opt.Endpoint)))
			if isInsecure(opt.Endpoint) {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp http exporter: %w", err)
		}
		return exp, nil

	case ExporterOTLPGRPC, "":
		var opts []otlptracegrpc.Option
		if opt.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(stripScheme(opt.Endpoint)))
			if isInsecure(opt.Endpoint) {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp grpc exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unknown tracing exporter %q", opt.Exporter)
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Middleware starts a server span for every request. The span is renamed
// to the S3 operation once routing knows it.
func Middleware(next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("user_agent.original", r.UserAgent()),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// SetOperation names the request span after the S3 operation.
func SetOperation(ctx context.Context, op string) {
	span := trace.SpanFromContext(ctx)
	span.SetName(op)
	span.SetAttributes(attribute.String("s3.operation", op))
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// isInsecure decides whether to use plaintext transport based on endpoint hints.
func isInsecure(endpoint string) bool {
	ep := strings.ToLower(strings.TrimSpace(endpoint))
	if strings.HasPrefix(ep, "http://") {
		return true
	}
	return strings.Contains(ep, "localhost") || strings.Contains(ep, "127.0.0.1")
}

// stripScheme removes the URL scheme; OTLP clients take host:port.
func stripScheme(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	for _, scheme := range []string{"http://", "https://"} {
		if len(e) >= len(scheme) && strings.EqualFold(e[:len(scheme)], scheme) {
			return e[len(scheme):]
		}
	}
	return e
}
