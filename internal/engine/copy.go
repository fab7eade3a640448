package engine

import (
	"context"
	"errors"
	"io/fs"
	"maps"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
)

// Directive values of x-amz-metadata-directive and x-amz-tagging-directive.
const (
	DirectiveCopy    = "COPY"
	DirectiveReplace = "REPLACE"
)

// CopySource names the source of a copy.
type CopySource struct {
	Bucket     string
	Key        string
	VersionID  string
	Conditions Conditions
}

// CopyInput carries a CopyObject request. Headers, UserMetadata and Tags
// apply only with the REPLACE directives.
type CopyInput struct {
	Source            CopySource
	Bucket            string
	Key               string
	MetadataDirective string
	TaggingDirective  string
	Headers           metadata.Headers
	UserMetadata      map[string]string
	Tags              []metadata.Tag
	ACL               string
	Grants            []metadata.Grant
}

// CopyResult describes the new version and the version it was copied from.
type CopyResult struct {
	Object          *metadata.Object
	SourceVersionID string
}

// source is an opened copy source. Exactly one of blob and staged is set.
type source struct {
	doc    *metadata.Object
	blob   *storage.Blob
	staged *storage.Staged
}

func (s *source) close() {
	if s.blob != nil {
		s.blob.Close()
	}
}

// lockBuckets takes shared locks on both buckets in name order.
func (e *Engine) lockBuckets(ctx context.Context, a, b string) (func(), error) {
	if a == b {
		return e.locks.Bucket(ctx, a, false)
	}
	if b < a {
		a, b = b, a
	}
	ua, err := e.locks.Bucket(ctx, a, false)
	if err != nil {
		return nil, err
	}
	ub, err := e.locks.Bucket(ctx, b, false)
	if err != nil {
		ua()
		return nil, err
	}
	return func() { ub(); ua() }, nil
}

// openSource resolves and opens a copy source under its key lock. When
// linkDir is set the source is hard-linked into it instead of opened, as
// long as it was not assembled from parts.
func (e *Engine) openSource(ctx context.Context, src CopySource, linkDir string) (*source, error) {
	if err := pathmap.ValidateKey(src.Key); err != nil {
		return nil, err
	}
	if _, err := e.bucket(src.Bucket); err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		v, unlock, err := e.resolve(ctx, src.Bucket, src.Key, src.VersionID)
		if err != nil {
			// A delete marker source is reported as missing.
			if _, ok := AsDeleteMarker(err); ok && src.VersionID == "" {
				return nil, s3err.Wrapf(s3err.ErrNoSuchKey, "copy source %q", src.Key)
			}
			return nil, err
		}
		s, err := e.openResolved(ctx, v.Doc, v.Loc, src.Conditions, linkDir, unlock)
		if errors.Is(err, fs.ErrNotExist) && attempt < openAttempts {
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, s3err.Wrapf(s3err.ErrNoSuchKey, "copy source %q", src.Key)
		}
		return s, err
	}
}

func (e *Engine) openResolved(ctx context.Context, doc *metadata.Object, loc pathmap.Location, cond Conditions, linkDir string, unlock lock.Unlock) (*source, error) {
	defer unlock()
	if err := cond.Check(doc.ETag, doc.LastModified, false); err != nil {
		return nil, err
	}
	if linkDir != "" && doc.PartsCount == 0 {
		staged, err := e.content.StageLink(linkDir, loc.Blob, doc.Size)
		if err != nil {
			return nil, err
		}
		return &source{doc: doc, staged: staged}, nil
	}
	blob, err := e.content.Open(ctx, loc.Blob, doc.Size)
	if err != nil {
		return nil, err
	}
	return &source{doc: doc, blob: blob}, nil
}

// CopyObject copies a version into a new version of the destination key.
// The source lock is released before the bytes are copied.
func (e *Engine) CopyObject(ctx context.Context, in CopyInput) (*CopyResult, error) {
	owner, err := e.principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(in.Key); err != nil {
		return nil, err
	}
	replaceMeta := in.MetadataDirective == DirectiveReplace
	replaceTags := in.TaggingDirective == DirectiveReplace
	if in.MetadataDirective != "" && in.MetadataDirective != DirectiveCopy && !replaceMeta {
		return nil, s3err.Wrapf(s3err.ErrInvalidArgument, "unknown metadata directive %q", in.MetadataDirective)
	}
	if in.TaggingDirective != "" && in.TaggingDirective != DirectiveCopy && !replaceTags {
		return nil, s3err.Wrapf(s3err.ErrInvalidArgument, "unknown tagging directive %q", in.TaggingDirective)
	}
	if in.Source.Bucket == in.Bucket && in.Source.Key == in.Key && in.Source.VersionID == "" && !replaceMeta {
		return nil, s3err.Wrapf(s3err.ErrInvalidRequest,
			"This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata")
	}
	if replaceTags {
		if err := ValidateTags(in.Tags, MaxObjectTags); err != nil {
			return nil, err
		}
	}

	unlock, err := e.lockBuckets(ctx, in.Source.Bucket, in.Bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	dst, err := e.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}

	tmpDir := e.paths.TempDir(in.Bucket)
	linkDir := ""
	// Renaming a link onto its own inode is a no-op that would strand the
	// temp link.
	if e.linkCopies && (in.Source.Bucket != in.Bucket || in.Source.Key != in.Key) {
		linkDir = tmpDir
	}
	src, err := e.openSource(ctx, in.Source, linkDir)
	if err != nil {
		return nil, err
	}
	defer src.close()

	doc := &metadata.Object{
		Key:          in.Key,
		Size:         src.doc.Size,
		Headers:      src.doc.Headers,
		UserMetadata: maps.Clone(src.doc.UserMetadata),
		Tags:         cloneTags(src.doc.Tags),
		ACL:          in.ACL,
		Grants:       in.Grants,
		Owner:        owner,
	}
	if replaceMeta {
		doc.Headers = in.Headers
		doc.UserMetadata = in.UserMetadata
	}
	if replaceTags {
		doc.Tags = cloneTags(in.Tags)
	}

	staged := src.staged
	if staged != nil {
		doc.ETag = src.doc.ETag
		doc.ChecksumSHA256 = src.doc.ChecksumSHA256
	} else {
		staged, err = e.content.Stage(ctx, tmpDir, src.blob.Reader(ctx, nil), storage.WriteOptions{ContentLength: src.doc.Size})
		if err != nil {
			return nil, err
		}
		doc.ETag = staged.ETag()
		doc.ChecksumSHA256 = staged.SHA256Hex()
	}

	stored, err := e.commit(ctx, dst, staged, doc)
	if err != nil {
		e.content.Discard(staged)
		return nil, err
	}
	return &CopyResult{Object: stored, SourceVersionID: src.doc.VersionID}, nil
}

// UploadPartCopyInput carries an UploadPartCopy request. Range is the
// x-amz-copy-source-range header value.
type UploadPartCopyInput struct {
	Source     CopySource
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Range      string
}

// UploadPartCopyResult is the stored part and the source it came from.
type UploadPartCopyResult struct {
	Part            metadata.Part
	SourceVersionID string
}

// UploadPartCopy stores a range of an existing version as a part.
func (e *Engine) UploadPartCopy(ctx context.Context, in UploadPartCopyInput) (*UploadPartCopyResult, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(in.Key); err != nil {
		return nil, err
	}
	if err := pathmap.ValidatePartNumber(in.PartNumber); err != nil {
		return nil, err
	}
	unlock, err := e.lockBuckets(ctx, in.Source.Bucket, in.Bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := e.bucket(in.Bucket); err != nil {
		return nil, err
	}

	src, err := e.openSource(ctx, in.Source, "")
	if err != nil {
		return nil, err
	}
	defer src.close()

	var rng *storage.Range
	if in.Range != "" {
		if rng, err = storage.ParseCopySourceRange(in.Range, src.doc.Size); err != nil {
			return nil, err
		}
	}
	size := src.doc.Size
	if rng != nil {
		size = rng.Length()
	}
	if size > multipart.MaxPartSize {
		return nil, s3err.Wrapf(s3err.ErrEntityTooLarge, "part copy of %d bytes", size)
	}

	part, err := e.uploads.UploadPartCopy(ctx, in.Bucket, in.Key, in.UploadID, in.PartNumber, src.blob.Reader(ctx, rng), size)
	if err != nil {
		return nil, err
	}
	return &UploadPartCopyResult{Part: part, SourceVersionID: src.doc.VersionID}, nil
}
