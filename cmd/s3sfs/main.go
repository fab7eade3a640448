// Package main is the entry point for the s3sfs S3-compatible gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/s3sfs/s3sfs/internal/config"
	"github.com/s3sfs/s3sfs/internal/engine"
	"github.com/s3sfs/s3sfs/internal/logging"
	"github.com/s3sfs/s3sfs/internal/metrics"
	"github.com/s3sfs/s3sfs/internal/server"
	"github.com/s3sfs/s3sfs/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("s3sfs", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	root := fs.String("root", "", "storage root directory (overrides storage.root)")
	accessKey := fs.String("access-key", "", "SigV4 access key (requires --secret-key)")
	secretKey := fs.String("secret-key", "", "SigV4 secret key (requires --access-key)")
	host := fs.String("host", "", "override listening host (default: from config or localhost)")
	port := fs.Int("port", 0, "override listening port (default: from config or 8014)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := fs.String("log-format", "", "log format: text, json (default: from config or text)")
	showVersion := fs.Bool("version", false, "print the version and exit")
	var domains stringList
	fs.Var(&domains, "domain", "base domain for virtual-hosted-style requests (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println("s3sfs", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Command-line flags override config file values.
	if *root != "" {
		cfg.Storage.Root = *root
	}
	if (*accessKey == "") != (*secretKey == "") {
		fmt.Fprintln(os.Stderr, "--access-key and --secret-key must be given together")
		return 1
	}
	if *accessKey != "" {
		cfg.Auth.AccessKey = *accessKey
		cfg.Auth.SecretKey = *secretKey
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if len(domains) > 0 {
		cfg.Server.Domains = domains
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.ReportCaller, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Metrics {
		metrics.Register()
	}
	tc := cfg.Observability.Tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		Endpoint:    tc.Endpoint,
		SampleRatio: tc.SampleRatio,
		ServiceName: tc.ServiceName,
	})
	if err != nil {
		slog.Error("Tracing initialization failed", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	e, err := engine.New(engine.Options{
		Root:          cfg.Storage.Root,
		Region:        cfg.Server.Region,
		Fsync:         cfg.Storage.Fsync,
		MaxObjectSize: cfg.Server.MaxObjectSize,
		MaxOpenFiles:  cfg.Storage.MaxOpenFiles,
		MetaCacheSize: cfg.Storage.MetaCacheSize,
		MetadataXattr: cfg.Storage.MetadataXattr,
		LinkCopies:    cfg.Storage.LinkCopies,
		UploadTTL:     cfg.Storage.UploadTTL,
		AuthRequired:  cfg.Auth.Enabled(),
		LockObserver:  metrics.ObserveLockWait,
	})
	if err != nil {
		slog.Error("Engine initialization failed", "error", err)
		return 1
	}
	defer e.Close()

	// Every startup is a recovery: stale temps, orphan sidecars and expired
	// uploads are cleaned before the first request.
	rep, err := e.Recover(ctx)
	if err != nil {
		slog.Error("Startup recovery failed", "error", err)
		return 1
	}
	metrics.BucketsTotal.Set(float64(rep.Buckets))
	slog.Info("Startup recovery complete",
		"root", cfg.Storage.Root,
		"buckets", rep.Buckets,
		"temps", rep.Temps,
		"orphan_sidecars", rep.OrphanSidecars,
		"uploads_expired", rep.Uploads.Expired,
		"uploads_finished", rep.Uploads.Finished,
	)

	srv, err := server.New(cfg, e)
	if err != nil {
		slog.Error("Server initialization failed", "error", err)
		return 1
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Listen failed", "addr", addr, "error", err)
		return 1
	}

	if err := srv.Run(ctx, ln); err != nil {
		slog.Error("Server error", "error", err)
		return 1
	}
	slog.Info("Server stopped")
	return 0
}
