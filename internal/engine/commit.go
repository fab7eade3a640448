package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/fsutil"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
	"github.com/s3sfs/s3sfs/internal/uid"
)

// errConflict marks a verbatim location that collides with the directory
// structure of other keys.
var errConflict = errors.New("path conflict")

// commit makes staged the new version of doc.Key. Enabled buckets get a
// fresh version id; otherwise the null version is replaced under the
// object lock. On success staged is consumed; on failure the caller still
// owns it.
func (e *Engine) commit(ctx context.Context, b *metadata.Bucket, staged *storage.Staged, doc *metadata.Object) (*metadata.Object, error) {
	doc.Bucket = b.Name
	if doc.ACL == "" {
		doc.ACL = "private"
	}

	if b.Versioning == metadata.VersioningEnabled {
		doc.LastModified = e.now()
		doc.VersionID = uid.NewVersionID()
		unlock, err := e.locks.Version(ctx, b.Name, doc.Key, doc.VersionID, true)
		if err != nil {
			return nil, err
		}
		defer unlock()
		loc := e.paths.HashedLocation(b.Name, doc.Key, doc.VersionID)
		if err := e.place(loc, staged, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}

	unlock, err := e.locks.Object(ctx, b.Name, doc.Key, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	doc.VersionID = pathmap.NullVersion
	doc.LastModified = e.now()
	if err := e.placeNull(b.Name, doc.Key, staged, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// placeNull writes the null version at its verbatim location, or at the
// hashed one when the key cannot be represented or collides with another
// key's directories. The copy at the other location is then removed.
func (e *Engine) placeNull(bucket, key string, staged *storage.Staged, doc *metadata.Object) error {
	hashed := e.paths.HashedLocation(bucket, key, pathmap.NullVersion)
	verbatim, ok := e.paths.VerbatimLocation(bucket, key)

	if ok {
		err := e.place(verbatim, staged, doc)
		if err == nil {
			e.dropStale(bucket, hashed)
			return nil
		}
		if err != errConflict {
			return err
		}
		slog.Debug("Key collides with a directory, using hashed location", "bucket", bucket, "key", key)
	}
	if err := e.place(hashed, staged, doc); err != nil {
		return err
	}
	if ok {
		e.dropStale(bucket, verbatim)
	}
	return nil
}

func (e *Engine) dropStale(bucket string, loc pathmap.Location) {
	if err := e.removeVersion(bucket, loc); err != nil {
		slog.Warn("Removing superseded null version failed", "bucket", bucket, "path", loc.Meta, "error", err)
	}
}

// place writes doc and renames staged into loc. For delete markers staged
// is nil.
func (e *Engine) place(loc pathmap.Location, staged *storage.Staged, doc *metadata.Object) error {
	if info, err := os.Lstat(loc.Blob); err == nil && info.IsDir() {
		return errConflict
	}
	if err := os.MkdirAll(filepath.Dir(loc.Blob), 0o755); err != nil {
		if fsutil.IsConflict(err) {
			return errConflict
		}
		return s3err.IO(err)
	}

	stagedPath := ""
	if staged != nil {
		stagedPath = staged.Path
	}
	prev, _ := e.meta.GetObject(loc)
	if err := e.meta.PutObject(loc, doc, stagedPath); err != nil {
		e.meta.Invalidate(loc)
		if fsutil.IsConflict(err) {
			return errConflict
		}
		return err
	}
	if staged == nil {
		return nil
	}
	if err := e.content.Commit(staged, loc.Blob); err != nil {
		e.restore(loc, prev)
		if fsutil.IsConflict(err) {
			return errConflict
		}
		return err
	}
	return nil
}

// restore puts back the document that described the blob still at loc
// after a failed rename.
func (e *Engine) restore(loc pathmap.Location, prev *metadata.Object) {
	e.meta.Invalidate(loc)
	if e.meta.XattrMode() && prev != nil && !prev.DeleteMarker {
		// The previous document is still attached to the previous blob.
		return
	}
	var err error
	if prev != nil {
		err = e.meta.PutObject(loc, prev, "")
	} else {
		err = e.meta.DeleteObject(loc)
	}
	if err != nil {
		slog.Warn("Restoring metadata after failed commit", "path", loc.Meta, "error", err)
	}
}

// removeVersion deletes the document and blob at loc and prunes the
// directories left empty.
func (e *Engine) removeVersion(bucket string, loc pathmap.Location) error {
	if err := e.meta.DeleteObject(loc); err != nil {
		return err
	}
	info, err := os.Lstat(loc.Blob)
	if err == nil && info.IsDir() {
		// The path belongs to the directories of other keys.
		return nil
	}
	if fsutil.IsNotDir(err) {
		// An ancestor is another key's blob; there is nothing to prune.
		return nil
	}
	if err == nil {
		if err := os.Remove(loc.Blob); err != nil && !os.IsNotExist(err) {
			return s3err.IO(err)
		}
	}
	stop := e.paths.BucketDir(bucket)
	if rel, err := filepath.Rel(e.paths.VersionsRoot(bucket), loc.Blob); err == nil && filepath.IsLocal(rel) {
		stop = e.paths.VersionsRoot(bucket)
	}
	fsutil.CleanEmptyParents(filepath.Dir(loc.Blob), stop)
	return nil
}

// removeNull deletes the null version of key from both locations.
func (e *Engine) removeNull(bucket, key string) error {
	if loc, ok := e.paths.VerbatimLocation(bucket, key); ok {
		if err := e.removeVersion(bucket, loc); err != nil {
			return err
		}
	}
	return e.removeVersion(bucket, e.paths.HashedLocation(bucket, key, pathmap.NullVersion))
}
