// Package multipart implements S3 multipart uploads on top of the
// filesystem layout: one directory per upload holding a JSON manifest and
// one file per part.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/fsutil"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
	"github.com/s3sfs/s3sfs/internal/uid"
)

const (
	// MinPartSize is the smallest size of every part but the last.
	MinPartSize = 5 << 20
	// MaxPartSize is the largest accepted part body.
	MaxPartSize = 5 << 30
	// MaxListParts is the default and cap of max-parts.
	MaxListParts = 1000
)

// CompletedPart is one entry of a CompleteMultipartUpload request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CommitFunc makes an assembled blob visible as the current version of its
// key and returns the stored document. The engine supplies it so completion
// follows the bucket's versioning state.
type CommitFunc func(ctx context.Context, staged *storage.Staged, doc *metadata.Object) (*metadata.Object, error)

// CurrentFunc returns the current version document of a key, or
// metadata.ErrNotFound.
type CurrentFunc func(ctx context.Context, bucket, key string) (*metadata.Object, error)

// Manager owns upload directories. Callers hold the bucket lock shared.
type Manager struct {
	paths   *pathmap.Mapper
	meta    *metadata.Store
	content *storage.ContentStore
	locks   *lock.Arbiter
	ttl     time.Duration

	minPartSize int64
	now         func() time.Time
}

// New returns a Manager. Uploads older than ttl are removed by Recover; a
// zero ttl keeps them forever.
func New(paths *pathmap.Mapper, meta *metadata.Store, content *storage.ContentStore, locks *lock.Arbiter, ttl time.Duration) *Manager {
	return &Manager{
		paths:       paths,
		meta:        meta,
		content:     content,
		locks:       locks,
		ttl:         ttl,
		minPartSize: MinPartSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// InitiateInput carries the attributes captured at CreateMultipartUpload.
type InitiateInput struct {
	Bucket       string
	Key          string
	Owner        metadata.Owner
	Headers      metadata.Headers
	UserMetadata map[string]string
	Tags         []metadata.Tag
	ACL          string
}

// Initiate creates the upload directory and its manifest.
func (m *Manager) Initiate(ctx context.Context, in InitiateInput) (*metadata.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	man := &metadata.Manifest{
		UploadID:     uid.New(),
		Bucket:       in.Bucket,
		Key:          in.Key,
		Initiated:    m.now(),
		Owner:        in.Owner,
		Headers:      in.Headers,
		UserMetadata: in.UserMetadata,
		Tags:         in.Tags,
		ACL:          in.ACL,
	}
	dir := m.paths.UploadDir(in.Bucket, man.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, s3err.IO(fmt.Errorf("creating upload directory: %w", err))
	}
	if err := m.meta.PutManifest(m.paths.ManifestPath(in.Bucket, man.UploadID), man); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return man, nil
}

// manifest loads the manifest of uploadID and checks it belongs to key.
func (m *Manager) manifest(bucket, key, uploadID string) (*metadata.Manifest, error) {
	if err := pathmap.ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	man, err := m.meta.GetManifest(m.paths.ManifestPath(bucket, uploadID))
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.Wrapf(s3err.ErrNoSuchUpload, "upload %s", uploadID)
	}
	if err != nil {
		return nil, err
	}
	if man.Key != key || man.Bucket != bucket {
		return nil, s3err.Wrapf(s3err.ErrNoSuchUpload, "upload %s belongs to another key", uploadID)
	}
	return man, nil
}

// Get returns the manifest of an upload.
func (m *Manager) Get(ctx context.Context, bucket, key, uploadID string) (*metadata.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.manifest(bucket, key, uploadID)
}

// UploadPart streams body into part n of the upload. A part uploaded again
// replaces the earlier one.
func (m *Manager) UploadPart(ctx context.Context, bucket, key, uploadID string, n int, body io.Reader, opts storage.WriteOptions) (metadata.Part, error) {
	if err := pathmap.ValidatePartNumber(n); err != nil {
		return metadata.Part{}, err
	}
	if err := pathmap.ValidateUploadID(uploadID); err != nil {
		return metadata.Part{}, err
	}
	unlock, err := m.locks.Upload(ctx, uploadID, false)
	if err != nil {
		return metadata.Part{}, err
	}
	defer unlock()

	if _, err := m.manifest(bucket, key, uploadID); err != nil {
		return metadata.Part{}, err
	}

	if opts.MaxSize <= 0 {
		opts.MaxSize = MaxPartSize
	}
	staged, err := m.content.Stage(ctx, m.paths.UploadDir(bucket, uploadID), body, opts)
	if err != nil {
		return metadata.Part{}, err
	}
	part := metadata.Part{Number: n, Size: staged.Size, ETag: staged.ETag()}
	if err := m.commitPart(ctx, bucket, uploadID, staged, &part); err != nil {
		m.content.Discard(staged)
		return metadata.Part{}, err
	}
	return part, nil
}

// UploadPartCopy is UploadPart with the body read from an already opened
// source object range of size bytes.
func (m *Manager) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, n int, src io.Reader, size int64) (metadata.Part, error) {
	return m.UploadPart(ctx, bucket, key, uploadID, n, src, storage.WriteOptions{ContentLength: size})
}

func (m *Manager) commitPart(ctx context.Context, bucket, uploadID string, staged *storage.Staged, part *metadata.Part) error {
	unlockPart, err := m.locks.Part(ctx, uploadID, part.Number)
	if err != nil {
		return err
	}
	defer unlockPart()

	if err := m.content.Commit(staged, m.paths.PartPath(bucket, uploadID, part.Number)); err != nil {
		return err
	}
	part.LastModified = m.now()

	unlockManifest, err := m.locks.Manifest(ctx, uploadID)
	if err != nil {
		return err
	}
	defer unlockManifest()
	_, err = m.meta.UpdateManifest(m.paths.ManifestPath(bucket, uploadID), func(man *metadata.Manifest) error {
		man.SetPart(*part)
		return nil
	})
	return err
}

// Result is the outcome of a completed upload.
type Result struct {
	ETag      string
	VersionID string
	Size      int64
	Object    *metadata.Object
}

// Complete validates the requested part list, assembles the parts into one
// staged blob and hands it to commit. The upload directory is removed once
// commit succeeds.
func (m *Manager) Complete(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart, commit CommitFunc) (*Result, error) {
	if err := pathmap.ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	unlock, err := m.locks.Upload(ctx, uploadID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	man, err := m.manifest(bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	chosen, err := m.selectParts(man, parts)
	if err != nil {
		return nil, err
	}

	sums := make([][]byte, len(chosen))
	paths := make([]string, len(chosen))
	sizes := make([]int64, len(chosen))
	var total int64
	for i, p := range chosen {
		sum, err := storage.ETagMD5(p.ETag)
		if err != nil {
			return nil, s3err.Corrupt(fmt.Errorf("part %d: %w", p.Number, err))
		}
		sums[i] = sum
		paths[i] = m.paths.PartPath(bucket, uploadID, p.Number)
		sizes[i] = p.Size
		total += p.Size
	}
	etag := storage.CompositeETag(sums)

	manifestPath := m.paths.ManifestPath(bucket, uploadID)
	man.Completion = &metadata.Completion{ETag: etag, Parts: len(chosen), Started: m.now()}
	if err := m.meta.PutManifest(manifestPath, man); err != nil {
		return nil, err
	}

	staged, err := m.content.Concat(ctx, m.paths.TempDir(bucket), paths, sizes)
	if err != nil {
		m.clearCompletion(manifestPath, man)
		return nil, err
	}

	doc := &metadata.Object{
		Bucket:       bucket,
		Key:          key,
		Size:         total,
		ETag:         etag,
		Headers:      man.Headers,
		UserMetadata: man.UserMetadata,
		Tags:         man.Tags,
		ACL:          man.ACL,
		Owner:        man.Owner,
		PartsCount:   len(chosen),
		UploadID:     uploadID,
	}
	stored, err := commit(ctx, staged, doc)
	if err != nil {
		m.content.Discard(staged)
		m.clearCompletion(manifestPath, man)
		return nil, err
	}

	if err := os.RemoveAll(m.paths.UploadDir(bucket, uploadID)); err != nil {
		slog.Warn("Removing completed upload failed", "bucket", bucket, "upload_id", uploadID, "error", err)
	}
	return &Result{ETag: etag, VersionID: stored.VersionID, Size: total, Object: stored}, nil
}

// selectParts checks the requested list against the manifest and returns
// the matching inventory entries in order.
func (m *Manager) selectParts(man *metadata.Manifest, parts []CompletedPart) ([]metadata.Part, error) {
	if len(parts) == 0 {
		return nil, s3err.Wrapf(s3err.ErrMalformedXML, "no parts given")
	}
	chosen := make([]metadata.Part, 0, len(parts))
	for i, req := range parts {
		if i > 0 && req.PartNumber <= parts[i-1].PartNumber {
			return nil, s3err.New(s3err.ErrInvalidPartOrder)
		}
		stored, ok := man.Part(req.PartNumber)
		if !ok || strings.Trim(req.ETag, `"`) != strings.Trim(stored.ETag, `"`) {
			return nil, s3err.Wrapf(s3err.ErrInvalidPart, "part %d", req.PartNumber)
		}
		chosen = append(chosen, stored)
	}
	for _, p := range chosen[:len(chosen)-1] {
		if p.Size < m.minPartSize {
			return nil, s3err.Wrapf(s3err.ErrEntityTooSmall, "part %d is %d bytes", p.Number, p.Size)
		}
	}
	return chosen, nil
}

func (m *Manager) clearCompletion(path string, man *metadata.Manifest) {
	man.Completion = nil
	if err := m.meta.PutManifest(path, man); err != nil {
		slog.Warn("Clearing completion record failed", "upload_id", man.UploadID, "error", err)
	}
}

// Abort removes an upload and all its parts. Unknown uploads are not an
// error.
func (m *Manager) Abort(ctx context.Context, bucket, key, uploadID string) error {
	if pathmap.ValidateUploadID(uploadID) != nil {
		return nil
	}
	unlock, err := m.locks.Upload(ctx, uploadID, true)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := m.manifest(bucket, key, uploadID); err != nil {
		if s3err.Is(err, s3err.ErrNoSuchUpload) {
			if _, statErr := os.Stat(m.paths.ManifestPath(bucket, uploadID)); os.IsNotExist(statErr) {
				return nil
			}
		}
		return err
	}
	if err := os.RemoveAll(m.paths.UploadDir(bucket, uploadID)); err != nil {
		return s3err.IO(fmt.Errorf("removing upload: %w", err))
	}
	return nil
}

// PartsPage is one page of ListParts.
type PartsPage struct {
	Manifest             *metadata.Manifest
	Parts                []metadata.Part
	PartNumberMarker     int
	NextPartNumberMarker int
	MaxParts             int
	IsTruncated          bool
}

// ListParts returns the parts numbered above marker, at most maxParts of
// them. maxParts <= 0 selects the default.
func (m *Manager) ListParts(ctx context.Context, bucket, key, uploadID string, marker, maxParts int) (*PartsPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxParts <= 0 || maxParts > MaxListParts {
		maxParts = MaxListParts
	}
	man, err := m.manifest(bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	page := &PartsPage{Manifest: man, PartNumberMarker: marker, MaxParts: maxParts}
	start, _ := slices.BinarySearchFunc(man.Parts, marker+1, func(p metadata.Part, n int) int { return p.Number - n })
	rest := man.Parts[start:]
	if len(rest) > maxParts {
		rest = rest[:maxParts]
		page.IsTruncated = true
	}
	page.Parts = rest
	if len(rest) > 0 {
		page.NextPartNumberMarker = rest[len(rest)-1].Number
	}
	return page, nil
}

// Uploads returns every readable in-progress upload of bucket sorted by
// key, initiation time and upload id. Unreadable manifests are skipped.
func (m *Manager) Uploads(ctx context.Context, bucket string) ([]*metadata.Manifest, error) {
	entries, err := os.ReadDir(m.paths.UploadsDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, s3err.IO(fmt.Errorf("reading uploads: %w", err))
	}
	var out []*metadata.Manifest
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || pathmap.ValidateUploadID(e.Name()) != nil {
			continue
		}
		man, err := m.meta.GetManifest(m.paths.ManifestPath(bucket, e.Name()))
		if err != nil {
			if !errors.Is(err, metadata.ErrNotFound) {
				slog.Warn("Skipping unreadable upload manifest", "bucket", bucket, "upload_id", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, man)
	}
	slices.SortFunc(out, CompareUploads)
	return out, nil
}

// CompareUploads orders uploads by key, initiation time and upload id.
func CompareUploads(a, b *metadata.Manifest) int {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if c := a.Initiated.Compare(b.Initiated); c != 0 {
		return c
	}
	return strings.Compare(a.UploadID, b.UploadID)
}

// HasUploads reports whether bucket has any upload directory.
func (m *Manager) HasUploads(bucket string) (bool, error) {
	entries, err := os.ReadDir(m.paths.UploadsDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, s3err.IO(fmt.Errorf("reading uploads: %w", err))
	}
	for _, e := range entries {
		if e.IsDir() {
			return true, nil
		}
	}
	return false, nil
}

// RecoveryStats counts what Recover changed.
type RecoveryStats struct {
	Expired  int
	Finished int
	Reset    int
	Temps    int
}

// Recover cleans up the uploads of bucket after a restart: it removes
// uploads older than the TTL, finishes completions whose object was
// already committed, clears completion records of interrupted ones and
// deletes stale temp files.
func (m *Manager) Recover(ctx context.Context, bucket string, current CurrentFunc) (RecoveryStats, error) {
	var stats RecoveryStats
	entries, err := os.ReadDir(m.paths.UploadsDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, s3err.IO(fmt.Errorf("reading uploads: %w", err))
	}
	now := m.now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		dir := m.paths.UploadDir(bucket, id)
		log := slog.With("bucket", bucket, "upload_id", id)

		man, err := m.meta.GetManifest(m.paths.ManifestPath(bucket, id))
		if err != nil {
			// Without a manifest the directory is debris from an
			// interrupted initiate or abort.
			if errors.Is(err, metadata.ErrNotFound) || m.expiredDir(dir, now) {
				log.Info("Removing upload without manifest", "error", err)
				os.RemoveAll(dir)
				stats.Expired++
			}
			continue
		}

		if man.Completion != nil {
			cur, err := current(ctx, bucket, man.Key)
			if err == nil && cur.UploadID == man.UploadID && cur.ETag == man.Completion.ETag {
				log.Info("Finishing committed upload")
				os.RemoveAll(dir)
				stats.Finished++
				continue
			}
			log.Info("Clearing interrupted completion")
			m.clearCompletion(m.paths.ManifestPath(bucket, id), man)
			stats.Reset++
		}

		if m.ttl > 0 && now.Sub(man.Initiated) > m.ttl {
			log.Info("Removing expired upload", "initiated", man.Initiated)
			os.RemoveAll(dir)
			stats.Expired++
			continue
		}

		n, err := fsutil.RemoveTemps(dir)
		if err != nil {
			log.Warn("Removing upload temp files failed", "error", err)
		}
		stats.Temps += n
	}
	return stats, nil
}

func (m *Manager) expiredDir(dir string, now time.Time) bool {
	if m.ttl <= 0 {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && now.Sub(info.ModTime()) > m.ttl
}
