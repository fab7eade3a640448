// Package engine implements the S3 operations on top of the filesystem
// layout: it resolves principals, takes locks in a fixed order and drives
// the metadata, content, multipart and listing components.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/s3sfs/s3sfs/internal/auth"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lister"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
)

// AnonymousOwner owns everything created while no credentials are
// configured.
var AnonymousOwner = metadata.Owner{ID: "anonymous", DisplayName: "anonymous"}

// Options configures an Engine.
type Options struct {
	Root          string
	Region        string
	Fsync         bool
	MaxObjectSize int64
	MaxOpenFiles  int64
	MetaCacheSize int
	MetadataXattr bool
	LinkCopies    bool
	UploadTTL     time.Duration
	// AuthRequired rejects requests that carry no authenticated principal.
	AuthRequired bool
	LockObserver lock.Observer
}

// Engine is the S3 facade over one storage root.
type Engine struct {
	paths        *pathmap.Mapper
	meta         *metadata.Store
	content      *storage.ContentStore
	locks        *lock.Arbiter
	uploads      *multipart.Manager
	lister       *lister.Lister
	region       string
	authRequired bool
	linkCopies   bool
	now          func() time.Time
}

// New opens the storage root described by opts.
func New(opts Options) (*Engine, error) {
	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("opening storage root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", opts.Root)
	}
	if opts.MetadataXattr && !metadata.XattrSupported(opts.Root) {
		return nil, fmt.Errorf("storage root %s does not support extended attributes", opts.Root)
	}
	meta, err := metadata.NewStore(metadata.Options{
		Fsync:     opts.Fsync,
		CacheSize: opts.MetaCacheSize,
		Xattr:     opts.MetadataXattr,
	})
	if err != nil {
		return nil, err
	}

	var lockOpts []lock.Option
	if opts.LockObserver != nil {
		lockOpts = append(lockOpts, lock.WithObserver(opts.LockObserver))
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	paths := pathmap.New(opts.Root)
	content := storage.New(storage.Options{
		Fsync:         opts.Fsync,
		MaxObjectSize: opts.MaxObjectSize,
		MaxOpenFiles:  opts.MaxOpenFiles,
	})
	locks := lock.New(lockOpts...)
	uploads := multipart.New(paths, meta, content, locks, opts.UploadTTL)

	return &Engine{
		paths:        paths,
		meta:         meta,
		content:      content,
		locks:        locks,
		uploads:      uploads,
		lister:       lister.New(paths, meta, uploads),
		region:       region,
		authRequired: opts.AuthRequired,
		// Hard links would share one inode's extended attributes.
		linkCopies: opts.LinkCopies && !opts.MetadataXattr,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Region is the region reported for buckets created without a location
// constraint.
func (e *Engine) Region() string { return e.region }

// Root is the storage root directory.
func (e *Engine) Root() string { return e.paths.Root() }

// Close drops cached state. The engine holds no other resources.
func (e *Engine) Close() error {
	e.meta.Purge()
	return nil
}

// principal returns the owner acting for ctx.
func (e *Engine) principal(ctx context.Context) (metadata.Owner, error) {
	id, name := auth.OwnerFromContext(ctx)
	if id == "" {
		if e.authRequired {
			return metadata.Owner{}, s3err.Wrapf(s3err.ErrAccessDenied, "request is not authenticated")
		}
		return AnonymousOwner, nil
	}
	if name == "" {
		name = id
	}
	return metadata.Owner{ID: id, DisplayName: name}, nil
}

// bucket returns the document of an existing bucket. A directory under the
// root without a document is adopted as a bucket with default settings.
func (e *Engine) bucket(name string) (*metadata.Bucket, error) {
	if pathmap.ValidateBucketName(name) != nil {
		return nil, s3err.Wrapf(s3err.ErrNoSuchBucket, "bucket %q", name)
	}
	info, err := os.Stat(e.paths.BucketDir(name))
	if err != nil || !info.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			return nil, s3err.IO(err)
		}
		return nil, s3err.Wrapf(s3err.ErrNoSuchBucket, "bucket %q", name)
	}
	doc, err := e.meta.GetBucket(e.paths.BucketMetaPath(name))
	if errors.Is(err, metadata.ErrNotFound) {
		return &metadata.Bucket{
			Name:    name,
			Created: info.ModTime().UTC(),
			Region:  e.region,
			Adopted: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	doc.Name = name
	return doc, nil
}

// sharedBucket locks name shared and returns its document.
func (e *Engine) sharedBucket(ctx context.Context, name string) (*metadata.Bucket, lock.Unlock, error) {
	unlock, err := e.locks.Bucket(ctx, name, false)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.bucket(name)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return b, unlock, nil
}

// ValidateTags checks a tag set against the S3 limits.
func ValidateTags(tags []metadata.Tag, max int) error {
	if len(tags) > max {
		return s3err.Wrapf(s3err.ErrInvalidTag, "at most %d tags are allowed", max)
	}
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if t.Key == "" || len(t.Key) > 128 {
			return s3err.Wrapf(s3err.ErrInvalidTag, "tag key must be 1 to 128 characters")
		}
		if len(t.Value) > 256 {
			return s3err.Wrapf(s3err.ErrInvalidTag, "tag value must be at most 256 characters")
		}
		if strings.HasPrefix(t.Key, "aws:") {
			return s3err.Wrapf(s3err.ErrInvalidTag, "tag keys must not start with aws:")
		}
		if seen[t.Key] {
			return s3err.Wrapf(s3err.ErrInvalidTag, "duplicate tag key %q", t.Key)
		}
		seen[t.Key] = true
	}
	return nil
}

// Tag limits.
const (
	MaxObjectTags = 10
	MaxBucketTags = 50
)

func cloneTags(tags []metadata.Tag) []metadata.Tag {
	if len(tags) == 0 {
		return nil
	}
	return slices.Clone(tags)
}
