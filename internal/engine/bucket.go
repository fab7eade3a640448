package engine

import (
	"context"
	"encoding/json"
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
	"github.com/s3sfs/s3sfs/internal/pathmap"
)

// CreateBucketInput carries the attributes of a new bucket.
type CreateBucketInput struct {
	Name   string
	Region string
	ACL    string
	Grants []metadata.Grant
}

// CreateBucket creates the bucket directory and its document.
func (e *Engine) CreateBucket(ctx context.Context, in CreateBucketInput) (*metadata.Bucket, error) {
	owner, err := e.principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := pathmap.ValidateBucketName(in.Name); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Bucket(ctx, in.Name, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := e.bucket(in.Name)
	if err == nil {
		if existing.Adopted || existing.Owner.ID == owner.ID {
			return nil, s3err.Wrapf(s3err.ErrBucketAlreadyOwnedByYou, "bucket %q", in.Name)
		}
		return nil, s3err.Wrapf(s3err.ErrBucketAlreadyExists, "bucket %q", in.Name)
	}
	if !s3err.Is(err, s3err.ErrNoSuchBucket) {
		return nil, err
	}
	if info, err := os.Lstat(e.paths.BucketDir(in.Name)); err == nil && !info.IsDir() {
		return nil, s3err.Wrapf(s3err.ErrBucketAlreadyExists, "%q exists and is not a directory", in.Name)
	}

	region := in.Region
	if region == "" {
		region = e.region
	}
	acl := in.ACL
	if acl == "" {
		acl = "private"
	}
	doc := &metadata.Bucket{
		Name:    in.Name,
		Created: e.now(),
		Owner:   owner,
		Region:  region,
		ACL:     acl,
		Grants:  in.Grants,
	}
	if err := os.MkdirAll(e.paths.TempDir(in.Name), 0o755); err != nil {
		return nil, s3err.IO(err)
	}
	if err := e.meta.PutBucket(e.paths.BucketMetaPath(in.Name), doc); err != nil {
		os.RemoveAll(e.paths.BucketDir(in.Name))
		return nil, err
	}
	slog.Info("Bucket created", "bucket", in.Name, "owner", owner.ID)
	return doc, nil
}

// HeadBucket returns the document of an existing bucket.
func (e *Engine) HeadBucket(ctx context.Context, name string) (*metadata.Bucket, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	b, unlock, err := e.sharedBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	unlock()
	return b, nil
}

// ListBuckets returns every bucket under the root in name order.
func (e *Engine) ListBuckets(ctx context.Context) ([]*metadata.Bucket, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(e.paths.Root())
	if err != nil {
		return nil, s3err.IO(err)
	}
	var out []*metadata.Bucket
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !ent.IsDir() || pathmap.ValidateBucketName(ent.Name()) != nil {
			continue
		}
		b, err := e.bucket(ent.Name())
		if err != nil {
			slog.Warn("Skipping unreadable bucket", "bucket", ent.Name(), "error", err)
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *metadata.Bucket) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// DeleteBucket removes an empty bucket. Any object version, delete marker
// or multipart upload keeps it alive.
func (e *Engine) DeleteBucket(ctx context.Context, name string) error {
	if _, err := e.principal(ctx); err != nil {
		return err
	}
	unlock, err := e.locks.Bucket(ctx, name, true)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.bucket(name); err != nil {
		return err
	}
	empty, err := e.bucketEmpty(name)
	if err != nil {
		return err
	}
	if !empty {
		return s3err.Wrapf(s3err.ErrBucketNotEmpty, "bucket %q", name)
	}
	if err := os.RemoveAll(e.paths.BucketDir(name)); err != nil {
		return s3err.IO(err)
	}
	e.meta.Purge()
	slog.Info("Bucket deleted", "bucket", name)
	return nil
}

func (e *Engine) bucketEmpty(name string) (bool, error) {
	busy, err := e.uploads.HasUploads(name)
	if err != nil || busy {
		return !busy, err
	}
	for _, dir := range []string{e.paths.VersionsRoot(name), e.paths.BucketDir(name)} {
		found, err := hasFiles(dir, e.paths.ReservedPath(name))
		if err != nil || found {
			return !found, err
		}
	}
	return true, nil
}

// hasFiles reports whether the tree at root holds a file other than a temp
// file. The skip directory is not descended into.
func hasFiles(root, skip string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path == skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if fsutil.IsTemp(d.Name()) {
			return nil
		}
		found = true
		return filepath.SkipAll
	})
	if err != nil {
		return false, s3err.IO(err)
	}
	return found, nil
}

// updateBucket applies fn to the bucket document under the document lock
// and persists the result.
func (e *Engine) updateBucket(ctx context.Context, name string, exclusive bool, fn func(*metadata.Bucket) error) (*metadata.Bucket, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Bucket(ctx, name, exclusive)
	if err != nil {
		return nil, err
	}
	defer unlock()
	unlockDoc, err := e.locks.BucketDoc(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlockDoc()

	b, err := e.bucket(name)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	b.Adopted = false
	if err := e.meta.PutBucket(e.paths.BucketMetaPath(name), b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBucketLocation returns the region of a bucket.
func (e *Engine) GetBucketLocation(ctx context.Context, name string) (string, error) {
	b, err := e.HeadBucket(ctx, name)
	if err != nil {
		return "", err
	}
	return b.Region, nil
}

// GetBucketVersioning returns "", Enabled or Suspended.
func (e *Engine) GetBucketVersioning(ctx context.Context, name string) (string, error) {
	b, err := e.HeadBucket(ctx, name)
	if err != nil {
		return "", err
	}
	return b.Versioning, nil
}

// PutBucketVersioning switches a bucket to Enabled or Suspended. A bucket
// never returns to the unversioned state.
func (e *Engine) PutBucketVersioning(ctx context.Context, name, status string) error {
	if status != metadata.VersioningEnabled && status != metadata.VersioningSuspended {
		return s3err.Wrapf(s3err.ErrIllegalVersioningConfiguration, "status %q", status)
	}
	_, err := e.updateBucket(ctx, name, true, func(b *metadata.Bucket) error {
		b.Versioning = status
		return nil
	})
	if err == nil {
		slog.Info("Bucket versioning changed", "bucket", name, "status", status)
	}
	return err
}

// GetBucketTagging returns the tag set of a bucket.
func (e *Engine) GetBucketTagging(ctx context.Context, name string) ([]metadata.Tag, error) {
	b, err := e.HeadBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(b.Tags) == 0 {
		return nil, s3err.Wrapf(s3err.ErrNoSuchTagSet, "bucket %q", name)
	}
	return b.Tags, nil
}

// PutBucketTagging replaces the tag set of a bucket.
func (e *Engine) PutBucketTagging(ctx context.Context, name string, tags []metadata.Tag) error {
	if err := ValidateTags(tags, MaxBucketTags); err != nil {
		return err
	}
	_, err := e.updateBucket(ctx, name, false, func(b *metadata.Bucket) error {
		b.Tags = cloneTags(tags)
		return nil
	})
	return err
}

// DeleteBucketTagging removes the tag set of a bucket.
func (e *Engine) DeleteBucketTagging(ctx context.Context, name string) error {
	_, err := e.updateBucket(ctx, name, false, func(b *metadata.Bucket) error {
		b.Tags = nil
		return nil
	})
	return err
}

// GetBucketPolicy returns the stored policy document. Policies are kept
// verbatim and never evaluated.
func (e *Engine) GetBucketPolicy(ctx context.Context, name string) (string, error) {
	b, err := e.HeadBucket(ctx, name)
	if err != nil {
		return "", err
	}
	if b.Policy == "" {
		return "", s3err.Wrapf(s3err.ErrNoSuchBucketPolicy, "bucket %q", name)
	}
	return b.Policy, nil
}

// PutBucketPolicy stores a policy document after checking it is a JSON
// object.
func (e *Engine) PutBucketPolicy(ctx context.Context, name, policy string) error {
	var probe map[string]any
	if err := json.Unmarshal([]byte(policy), &probe); err != nil {
		return s3err.Wrap(s3err.ErrMalformedPolicy, err)
	}
	_, err := e.updateBucket(ctx, name, false, func(b *metadata.Bucket) error {
		b.Policy = policy
		return nil
	})
	return err
}

func (e *Engine) DeleteBucketPolicy(ctx context.Context, name string) error {
	_, err := e.updateBucket(ctx, name, false, func(b *metadata.Bucket) error {
		b.Policy = ""
		return nil
	})
	return err
}

// ACLInfo is a stored access control list.
type ACLInfo struct {
	Owner  metadata.Owner
	ACL    string
	Grants []metadata.Grant
}

// GetBucketACL returns the stored ACL of a bucket.
func (e *Engine) GetBucketACL(ctx context.Context, name string) (*ACLInfo, error) {
	b, err := e.HeadBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	return &ACLInfo{Owner: b.Owner, ACL: b.ACL, Grants: b.Grants}, nil
}

// PutBucketACL replaces the stored ACL of a bucket.
func (e *Engine) PutBucketACL(ctx context.Context, name, acl string, grants []metadata.Grant) error {
	_, err := e.updateBucket(ctx, name, false, func(b *metadata.Bucket) error {
		b.ACL = acl
		b.Grants = grants
		return nil
	})
	return err
}
