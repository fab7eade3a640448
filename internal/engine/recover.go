package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/fsutil"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/pathmap"
)

// RecoveryReport counts what Recover cleaned up.
type RecoveryReport struct {
	Buckets        int
	Temps          int
	OrphanSidecars int
	Uploads        multipart.RecoveryStats
}

// Recover repairs the state an unclean shutdown can leave behind. It must
// run before the engine serves requests.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	buckets, err := e.bucketNames()
	if err != nil {
		return rep, err
	}
	current := func(ctx context.Context, bucket, key string) (*metadata.Object, error) {
		v, err := e.lister.Latest(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		return v.Doc, nil
	}
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := e.sweepBucket(ctx, b, &rep); err != nil {
			return rep, err
		}
		stats, err := e.uploads.Recover(ctx, b, current)
		if err != nil {
			return rep, err
		}
		rep.Uploads.Expired += stats.Expired
		rep.Uploads.Finished += stats.Finished
		rep.Uploads.Reset += stats.Reset
		rep.Uploads.Temps += stats.Temps
		rep.Buckets++
	}
	e.meta.Purge()
	slog.Info("Recovery finished",
		"buckets", rep.Buckets,
		"temps", rep.Temps+rep.Uploads.Temps,
		"orphan_sidecars", rep.OrphanSidecars,
		"uploads_expired", rep.Uploads.Expired,
		"uploads_finished", rep.Uploads.Finished,
		"uploads_reset", rep.Uploads.Reset,
	)
	return rep, nil
}

// bucketNames lists the directories under the root that can be buckets.
func (e *Engine) bucketNames() ([]string, error) {
	entries, err := os.ReadDir(e.paths.Root())
	if err != nil {
		return nil, s3err.IO(err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() && pathmap.ValidateBucketName(ent.Name()) == nil {
			names = append(names, ent.Name())
		}
	}
	return names, nil
}

// sweepBucket removes temp files everywhere in the bucket except upload
// directories, which multipart recovery owns, and drops documents whose
// blob is gone.
func (e *Engine) sweepBucket(ctx context.Context, bucket string, rep *RecoveryReport) error {
	uploads := e.paths.UploadsDir(bucket)
	versions := e.paths.VersionsRoot(bucket)
	return walkBucket(ctx, e.paths.BucketDir(bucket), uploads, func(path string, d fs.DirEntry) {
		name := d.Name()
		if fsutil.IsTemp(name) {
			if os.Remove(path) == nil {
				rep.Temps++
			}
			return
		}
		var loc pathmap.Location
		switch {
		case strings.HasPrefix(path, versions+string(filepath.Separator)) && strings.HasSuffix(name, pathmap.MetaSuffix):
			loc = pathmap.Location{Blob: strings.TrimSuffix(path, pathmap.MetaSuffix), Meta: path}
		case !strings.HasPrefix(path, e.paths.ReservedPath(bucket)+string(filepath.Separator)) && strings.HasSuffix(name, pathmap.SidecarSuffix):
			loc = pathmap.Location{Blob: strings.TrimSuffix(path, pathmap.SidecarSuffix), Meta: path}
		default:
			return
		}
		if _, err := os.Lstat(loc.Blob); err == nil {
			return
		}
		if doc, err := e.meta.GetObject(loc); err == nil && doc.DeleteMarker {
			return
		}
		if e.meta.DeleteObject(loc) == nil {
			slog.Info("Removed orphan metadata", "bucket", bucket, "path", relPath(e.paths.BucketDir(bucket), path))
			rep.OrphanSidecars++
		}
	})
}

// walkBucket calls fn for every regular file below dir, skipping the
// subtree at skip.
func walkBucket(ctx context.Context, dir, skip string, fn func(path string, d fs.DirEntry)) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			if d != nil && d.IsDir() && path != dir {
				slog.Warn("Skipping unreadable directory", "path", path, "error", err)
				return filepath.SkipDir
			}
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if path == skip {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			fn(path, d)
		}
		return nil
	})
	if err != nil && !s3err.IsCanceled(err) {
		return s3err.IO(err)
	}
	return err
}

func relPath(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

// Issue kinds reported by Check.
const (
	IssueOrphanSidecar = "orphan_sidecar"
	IssueOrphanBlob    = "orphan_blob"
	IssueCorrupt       = "corrupt"
	IssueSizeMismatch  = "size_mismatch"
	IssueKeyMismatch   = "key_mismatch"
)

// Issue is one inconsistency found by Check. Path is relative to the
// bucket directory.
type Issue struct {
	Bucket string
	Path   string
	Kind   string
	Detail string
}

// Check inspects every bucket without changing anything.
func (e *Engine) Check(ctx context.Context) ([]Issue, error) {
	buckets, err := e.bucketNames()
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, b := range buckets {
		found, err := e.checkBucket(ctx, b)
		if err != nil {
			return issues, err
		}
		issues = append(issues, found...)
	}
	return issues, nil
}

func (e *Engine) checkBucket(ctx context.Context, bucket string) ([]Issue, error) {
	bucketDir := e.paths.BucketDir(bucket)
	reserved := e.paths.ReservedPath(bucket) + string(filepath.Separator)
	versions := e.paths.VersionsRoot(bucket) + string(filepath.Separator)

	var issues []Issue
	report := func(path, kind, detail string) {
		issues = append(issues, Issue{Bucket: bucket, Path: relPath(bucketDir, path), Kind: kind, Detail: detail})
	}
	// inspect checks the version at loc. owns reports whether a decoded
	// document belongs at loc.
	inspect := func(loc pathmap.Location, owns func(*metadata.Object) bool) {
		doc, err := e.meta.GetObject(loc)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
			report(loc.Blob, IssueOrphanBlob, "no metadata")
			return
		case err != nil:
			report(loc.Meta, IssueCorrupt, err.Error())
			return
		case doc.DeleteMarker:
			return
		}
		info, err := os.Stat(loc.Blob)
		switch {
		case err != nil:
			report(loc.Meta, IssueOrphanSidecar, "blob missing")
		case !owns(doc):
			report(loc.Meta, IssueKeyMismatch, "document describes "+doc.Key+" version "+doc.VersionID)
		case info.Size() != doc.Size:
			report(loc.Blob, IssueSizeMismatch, "metadata records a different size")
		}
	}

	err := walkBucket(ctx, bucketDir, e.paths.UploadsDir(bucket), func(path string, d fs.DirEntry) {
		name := d.Name()
		switch {
		case fsutil.IsTemp(name):
		case strings.HasPrefix(path, versions):
			dir := filepath.Dir(path)
			vid, isMeta := strings.CutSuffix(name, pathmap.MetaSuffix)
			blob := filepath.Join(dir, vid)
			if isMeta {
				if _, err := os.Lstat(blob); err == nil {
					return // inspected with its blob
				}
			}
			inspect(pathmap.Location{Blob: blob, Meta: blob + pathmap.MetaSuffix}, func(doc *metadata.Object) bool {
				return doc.VersionID == vid && pathmap.KeyHash(doc.Key) == filepath.Base(dir)
			})
		case strings.HasPrefix(path, reserved):
		case strings.HasSuffix(name, pathmap.SidecarSuffix):
			blob := strings.TrimSuffix(path, pathmap.SidecarSuffix)
			if _, err := os.Lstat(blob); err != nil {
				inspect(pathmap.Location{Blob: blob, Meta: path}, func(*metadata.Object) bool { return true })
			}
		default:
			key := pathmap.KeyFromRel(relPath(bucketDir, path))
			loc, ok := e.paths.VerbatimLocation(bucket, key)
			if !ok {
				report(path, IssueOrphanBlob, "name cannot be a key")
				return
			}
			inspect(loc, func(doc *metadata.Object) bool {
				return doc.Key == key && doc.VersionID == pathmap.NullVersion
			})
		}
	})
	if err != nil {
		return issues, err
	}

	ids, err := os.ReadDir(e.paths.UploadsDir(bucket))
	if err != nil && !os.IsNotExist(err) {
		return issues, s3err.IO(err)
	}
	for _, d := range ids {
		if !d.IsDir() {
			continue
		}
		path := e.paths.ManifestPath(bucket, d.Name())
		if _, err := e.meta.GetManifest(path); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			report(path, IssueCorrupt, err.Error())
		}
	}
	return issues, nil
}
