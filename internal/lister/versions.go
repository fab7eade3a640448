// Package lister enumerates the key space of a bucket. It merges the
// verbatim tree with the hashed versions directory, resolves the versions
// of every key and pages through the result in S3 order.
package lister

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/fsutil"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/pathmap"
)

// Version is one stored version of a key and where it lives.
type Version struct {
	Doc *metadata.Object
	Loc pathmap.Location
}

// Lister reads the key space of buckets. It takes no locks; results are a
// snapshot of committed documents.
type Lister struct {
	paths   *pathmap.Mapper
	meta    *metadata.Store
	uploads *multipart.Manager
}

func New(paths *pathmap.Mapper, meta *metadata.Store, uploads *multipart.Manager) *Lister {
	return &Lister{paths: paths, meta: meta, uploads: uploads}
}

// newestFirst orders versions by modification time, then version id, both
// descending.
func newestFirst(a, b Version) int {
	if c := b.Doc.LastModified.Compare(a.Doc.LastModified); c != 0 {
		return c
	}
	return strings.Compare(b.Doc.VersionID, a.Doc.VersionID)
}

// load reads the document at loc and checks that it describes (key, vid).
// A document for another key, or a version whose blob has not been renamed
// into place yet, reads as absent.
func (l *Lister) load(loc pathmap.Location, key, vid string) (*metadata.Object, error) {
	doc, err := l.meta.GetObject(loc)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Key != key || doc.VersionID != vid {
		return nil, nil
	}
	if !hasBlob(loc, doc) {
		return nil, nil
	}
	return doc, nil
}

// versionIDs returns the version ids stored in a hashed versions directory.
func versionIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) || fsutil.IsNotDir(err) {
			return nil, nil
		}
		return nil, s3err.IO(err)
	}
	seen := make(map[string]bool, len(entries))
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTemp(name) {
			continue
		}
		vid := strings.TrimSuffix(name, pathmap.MetaSuffix)
		if !seen[vid] {
			seen[vid] = true
			ids = append(ids, vid)
		}
	}
	return ids, nil
}

// KeyVersions returns every readable version of key, newest first. A
// corrupt document fails the call with a KindCorrupt error.
func (l *Lister) KeyVersions(ctx context.Context, bucket, key string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Version
	if loc, ok := l.paths.VerbatimLocation(bucket, key); ok {
		doc, err := l.load(loc, key, pathmap.NullVersion)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out = append(out, Version{Doc: doc, Loc: loc})
		}
	}

	ids, err := versionIDs(l.paths.VersionsDir(bucket, key))
	if err != nil {
		return nil, err
	}
	for _, vid := range ids {
		loc := l.paths.HashedLocation(bucket, key, vid)
		doc, err := l.load(loc, key, vid)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out = addVersion(out, Version{Doc: doc, Loc: loc})
		}
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

// Latest returns the current version of key, which may be a delete marker.
func (l *Lister) Latest(ctx context.Context, bucket, key string) (Version, error) {
	vs, err := l.KeyVersions(ctx, bucket, key)
	if err != nil {
		return Version{}, err
	}
	if len(vs) == 0 {
		return Version{}, metadata.ErrNotFound
	}
	return vs[0], nil
}

// Version returns one version of key. The null version may live at the
// verbatim or the hashed location; the newer copy wins.
func (l *Lister) Version(ctx context.Context, bucket, key, vid string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	var found []Version
	if vid == pathmap.NullVersion {
		if loc, ok := l.paths.VerbatimLocation(bucket, key); ok {
			doc, err := l.load(loc, key, vid)
			if err != nil {
				return Version{}, err
			}
			if doc != nil {
				found = append(found, Version{Doc: doc, Loc: loc})
			}
		}
	}
	loc := l.paths.HashedLocation(bucket, key, vid)
	doc, err := l.load(loc, key, vid)
	if err != nil {
		return Version{}, err
	}
	if doc != nil {
		found = addVersion(found, Version{Doc: doc, Loc: loc})
	}
	if len(found) == 0 {
		return Version{}, metadata.ErrNotFound
	}
	return found[0], nil
}

// addVersion appends v unless a copy of the same version id is present, in
// which case the newer of the two is kept.
func addVersion(vs []Version, v Version) []Version {
	for i, have := range vs {
		if have.Doc.VersionID == v.Doc.VersionID {
			if v.Doc.LastModified.After(have.Doc.LastModified) {
				vs[i] = v
			}
			return vs
		}
	}
	return append(vs, v)
}

// keyState is the resolved state of one key found by a scan.
type keyState struct {
	key      string
	versions []Version
	corrupt  bool
}

// latest returns the current version, or nil when the key has none.
func (k *keyState) latest() *Version {
	if len(k.versions) == 0 {
		return nil
	}
	return &k.versions[0]
}

// scan resolves every key of bucket starting with prefix and returns them
// in byte order.
func (l *Lister) scan(ctx context.Context, bucket, prefix string) ([]*keyState, error) {
	states := make(map[string]*keyState)
	get := func(key string) *keyState {
		st, ok := states[key]
		if !ok {
			st = &keyState{key: key}
			states[key] = st
		}
		return st
	}
	note := func(key string, loc pathmap.Location, doc *metadata.Object, err error) {
		if err != nil {
			if s3err.IsKind(err, s3err.KindCorrupt) {
				get(key).corrupt = true
				slog.Warn("Skipping object with corrupt metadata", "bucket", bucket, "key", key, "error", err)
				return
			}
			slog.Warn("Skipping unreadable object metadata", "bucket", bucket, "key", key, "error", err)
			return
		}
		if doc != nil {
			st := get(key)
			st.versions = addVersion(st.versions, Version{Doc: doc, Loc: loc})
		}
	}

	if err := l.scanVerbatim(ctx, bucket, prefix, note); err != nil {
		return nil, err
	}
	if err := l.scanHashed(ctx, bucket, prefix, note); err != nil {
		return nil, err
	}

	out := make([]*keyState, 0, len(states))
	for _, st := range states {
		slices.SortFunc(st.versions, newestFirst)
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *keyState) int { return strings.Compare(a.key, b.key) })
	return out, nil
}

type noteFunc func(key string, loc pathmap.Location, doc *metadata.Object, err error)

// scanVerbatim walks the <bucket>/<key> tree below the directory part of
// prefix.
func (l *Lister) scanVerbatim(ctx context.Context, bucket, prefix string, note noteFunc) error {
	bucketDir := l.paths.BucketDir(bucket)
	start := bucketDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir := prefix[:i]
		if !pathmap.Representable(dir) || strings.HasPrefix(dir+"/", pathmap.ReservedDir+"/") {
			return nil
		}
		start = filepath.Join(bucketDir, filepath.FromSlash(dir))
	}

	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			if path == start && (errors.Is(err, fs.ErrNotExist) || fsutil.IsNotDir(err)) {
				return filepath.SkipAll
			}
			slog.Warn("Skipping unreadable path", "bucket", bucket, "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil || rel == "." {
			return nil
		}
		key := pathmap.KeyFromRel(rel)

		if d.IsDir() {
			if key == pathmap.ReservedDir {
				return filepath.SkipDir
			}
			dirKey := key + "/"
			if !strings.HasPrefix(dirKey, prefix) && !strings.HasPrefix(prefix, dirKey) {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !d.Type().IsRegular() || fsutil.IsTemp(name) || strings.HasSuffix(name, pathmap.SidecarSuffix) {
			return nil
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		loc, ok := l.paths.VerbatimLocation(bucket, key)
		if !ok {
			return nil
		}
		doc, err := l.load(loc, key, pathmap.NullVersion)
		note(key, loc, doc, err)
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		return s3err.IO(err)
	}
	return nil
}

// scanHashed reads every hashed versions directory of bucket. Key names
// come from the documents; a document stored under the wrong hash is
// ignored. Directory names carry no key order, so every call reads all
// documents regardless of prefix.
func (l *Lister) scanHashed(ctx context.Context, bucket, prefix string, note noteFunc) error {
	root := l.paths.VersionsRoot(bucket)
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s3err.IO(err)
	}
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		ids, err := versionIDs(dir)
		if err != nil {
			slog.Warn("Skipping unreadable versions directory", "bucket", bucket, "dir", d.Name(), "error", err)
			continue
		}
		for _, vid := range ids {
			loc := pathmap.Location{Blob: filepath.Join(dir, vid), Meta: filepath.Join(dir, vid+pathmap.MetaSuffix)}
			doc, err := l.meta.GetObject(loc)
			if errors.Is(err, metadata.ErrNotFound) {
				continue
			}
			if err != nil {
				// The key is unknown until the document decodes.
				slog.Warn("Skipping unreadable version", "bucket", bucket, "dir", d.Name(), "version_id", vid, "error", err)
				continue
			}
			if pathmap.KeyHash(doc.Key) != d.Name() || doc.VersionID != vid || !strings.HasPrefix(doc.Key, prefix) {
				continue
			}
			if !hasBlob(loc, doc) {
				continue
			}
			note(doc.Key, loc, doc, nil)
		}
	}
	return nil
}

// hasBlob reports whether the body of doc is in place. Delete markers have
// none.
func hasBlob(loc pathmap.Location, doc *metadata.Object) bool {
	if doc.DeleteMarker {
		return true
	}
	_, err := os.Lstat(loc.Blob)
	return err == nil
}
