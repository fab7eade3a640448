// Package server binds the S3 handlers to an HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/s3sfs/s3sfs/internal/auth"
	"github.com/s3sfs/s3sfs/internal/config"
	"github.com/s3sfs/s3sfs/internal/engine"
	"github.com/s3sfs/s3sfs/internal/handlers"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/tracing"
)

// Server owns the HTTP listener of the gateway. Everything except the
// health and metrics endpoints is dispatched as an S3 request.
type Server struct {
	cfg        *config.Config
	engine     *engine.Engine
	router     chi.Router
	api        huma.API
	verifier   *auth.Verifier
	inFlight   *lock.Limiter
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Always ok while the process serves requests"`
}

type HealthOutput struct {
	Body HealthBody
}

// New builds a Server over e. A nil verifier is kept when no credentials
// are configured, which serves every request anonymously.
func New(cfg *config.Config, e *engine.Engine) (*Server, error) {
	if e == nil {
		return nil, errors.New("server: engine is required")
	}

	router := chi.NewMux()
	hc := huma.DefaultConfig("s3sfs", version)
	// Only /health is a huma operation; S3 paths must not collide with docs.
	hc.DocsPath, hc.OpenAPIPath, hc.SchemasPath = "", "", ""

	s := &Server{
		cfg:      cfg,
		engine:   e,
		router:   router,
		api:      humachi.New(router, hc),
		inFlight: lock.NewLimiter(cfg.Server.MaxInFlight),
		bucket:   handlers.NewBucketHandler(e),
		object:   handlers.NewObjectHandler(e),
		multi:    handlers.NewMultipartHandler(e),
	}
	if cfg.Auth.Enabled() {
		s.verifier = auth.NewVerifier(auth.Credential{AccessKey: cfg.Auth.AccessKey, SecretKey: cfg.Auth.SecretKey}, cfg.Server.Region)
	}
	s.registerRoutes()
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 30 * time.Second}
	return s, nil
}

const version = "0.1.0"

// Handler returns the router behind the middleware chain, outermost
// first. Authentication sees the path as it was on the wire; virtual-host
// rewriting happens inside it.
func (s *Server) Handler() http.Handler {
	var chain []func(http.Handler) http.Handler
	if s.cfg.Observability.Metrics {
		chain = append(chain, metricsMiddleware)
	}
	if s.cfg.Observability.Tracing.Enabled {
		chain = append(chain, tracing.Middleware)
	}
	chain = append(chain,
		commonHeaders,
		accessLog,
		transferEncodingCheck,
		inFlightMiddleware(s.inFlight),
		auth.Middleware(s.verifier),
		virtualHostMiddleware(s.cfg.Server.Domains),
		metadataHeaderMiddleware,
	)

	var h http.Handler = s.router
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Run serves on ln until ctx ends, then gives open requests up to
// Server.ShutdownTimeout to finish.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("s3sfs listening", "addr", ln.Addr().String())
		return s.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		slog.Info("draining connections", "timeout", timeout)
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting connections and waits for open requests until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes mounts the fixed endpoints before the S3 catch-all.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Get(s.api, "/health", func(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
			return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
		}, func(op *huma.Operation) {
			op.OperationID = "get-health"
			op.Tags = []string{"System"}
		})
		s.router.Head("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
	}
	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}
	s.router.HandleFunc("/", s.dispatch)
	s.router.HandleFunc("/*", s.dispatch)
}
