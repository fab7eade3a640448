// Package main is the entry point for s3sfs-meta, the offline metadata tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s3sfs/s3sfs/internal/config"
	"github.com/s3sfs/s3sfs/internal/engine"
	"github.com/s3sfs/s3sfs/internal/logging"
	"github.com/s3sfs/s3sfs/internal/serialization"
)

const usage = "Usage: s3sfs-meta <export|fsck|sweep> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc int
	switch command := os.Args[1]; command {
	case "export":
		rc = runExport(ctx, os.Args[2:], os.Stdout)
	case "fsck":
		rc = runFsck(ctx, os.Args[2:], os.Stdout)
	case "sweep":
		rc = runSweep(ctx, os.Args[2:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		rc = 1
	}
	stop()
	os.Exit(rc)
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet) (configPath, root *string) {
	configPath = fs.String("config", "", "Config file path")
	root = fs.String("root", "", "Storage root (overrides config)")
	return configPath, root
}

// openEngine loads the configuration and opens the storage root.
func openEngine(configPath, root string, ttl time.Duration) (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if root != "" {
		cfg.Storage.Root = root
	}
	if ttl > 0 {
		cfg.Storage.UploadTTL = ttl
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logging.Setup("warn", cfg.Logging.Format, false, os.Stderr)

	e, err := engine.New(engine.Options{
		Root:          cfg.Storage.Root,
		Region:        cfg.Server.Region,
		Fsync:         cfg.Storage.Fsync,
		MetaCacheSize: cfg.Storage.MetaCacheSize,
		MetadataXattr: cfg.Storage.MetadataXattr,
		UploadTTL:     cfg.Storage.UploadTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func runExport(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	configPath, root := commonFlags(fs)
	format := fs.String("format", serialization.FormatJSON, "Output format: json or sqlite")
	output := fs.String("output", "-", "Output file path (- for stdout; required for sqlite)")
	bucket := fs.String("bucket", "", "Export only this bucket")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	switch *format {
	case serialization.FormatJSON:
	case serialization.FormatSQLite:
		if *output == "-" {
			fmt.Fprintln(os.Stderr, "Error: --output is required for sqlite exports")
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported format: %s\n", *format)
		return 1
	}

	e, cfg, err := openEngine(*configPath, *root, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close()

	snap, err := e.Snapshot(ctx, *bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading metadata: %v\n", err)
		return 1
	}

	now := time.Now()
	var counts serialization.Counts
	if *format == serialization.FormatSQLite {
		counts, err = serialization.ExportSQLite(ctx, *output, snap, cfg.Storage.Root, now)
	} else {
		w := stdout
		if *output != "-" {
			f, ferr := os.Create(*output)
			if ferr != nil {
				fmt.Fprintf(os.Stderr, "Error creating output: %v\n", ferr)
				return 1
			}
			defer f.Close()
			w = f
		}
		counts, err = serialization.ExportJSON(w, snap, cfg.Storage.Root, now)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "  buckets: %d\n  objects: %d\n  uploads: %d (%d parts)\n",
		counts.Buckets, counts.Objects, counts.Uploads, counts.Parts)
	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return 0
}

func runFsck(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("fsck", flag.ContinueOnError)
	configPath, root := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	e, _, err := openEngine(*configPath, *root, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close()

	issues, err := e.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checking: %v\n", err)
		return 1
	}
	for _, is := range issues {
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", is.Kind, is.Bucket, is.Path, is.Detail)
	}
	if len(issues) > 0 {
		fmt.Fprintf(os.Stderr, "%d issue(s) found\n", len(issues))
		return 1
	}
	fmt.Fprintln(os.Stderr, "No issues found")
	return 0
}

func runSweep(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	configPath, root := commonFlags(fs)
	ttl := fs.Duration("ttl", 0, "Abort uploads older than this (default: from config or 168h)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	e, _, err := openEngine(*configPath, *root, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close()

	rep, err := e.Recover(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sweeping: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "buckets: %d\ntemps removed: %d\norphan sidecars removed: %d\n",
		rep.Buckets, rep.Temps, rep.OrphanSidecars)
	fmt.Fprintf(stdout, "uploads expired: %d\nuploads finished: %d\nuploads reset: %d\nupload temps removed: %d\n",
		rep.Uploads.Expired, rep.Uploads.Finished, rep.Uploads.Reset, rep.Uploads.Temps)
	return 0
}
