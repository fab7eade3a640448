package engine

import (
	"context"
	"io"

	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
)

// CreateUploadInput carries a CreateMultipartUpload request.
type CreateUploadInput struct {
	Bucket       string
	Key          string
	Headers      metadata.Headers
	UserMetadata map[string]string
	Tags         []metadata.Tag
	ACL          string
}

// CreateMultipartUpload starts an upload owned by the caller.
func (e *Engine) CreateMultipartUpload(ctx context.Context, in CreateUploadInput) (*metadata.Manifest, error) {
	owner, err := e.principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(in.Key); err != nil {
		return nil, err
	}
	if err := ValidateTags(in.Tags, MaxObjectTags); err != nil {
		return nil, err
	}
	_, unlock, err := e.sharedBucket(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.uploads.Initiate(ctx, multipart.InitiateInput{
		Bucket:       in.Bucket,
		Key:          in.Key,
		Owner:        owner,
		Headers:      in.Headers,
		UserMetadata: in.UserMetadata,
		Tags:         cloneTags(in.Tags),
		ACL:          in.ACL,
	})
}

// UploadPart stores part n of an upload.
func (e *Engine) UploadPart(ctx context.Context, bucket, key, uploadID string, n int, body io.Reader, opts storage.WriteOptions) (metadata.Part, error) {
	if _, err := e.principal(ctx); err != nil {
		return metadata.Part{}, err
	}
	if err := pathmap.ValidateKey(key); err != nil {
		return metadata.Part{}, err
	}
	_, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return metadata.Part{}, err
	}
	defer unlock()
	return e.uploads.UploadPart(ctx, bucket, key, uploadID, n, body, opts)
}

// CompleteMultipartUpload assembles the listed parts and commits them as a
// new version through the same path as PutObject.
func (e *Engine) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []multipart.CompletedPart) (*multipart.Result, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(key); err != nil {
		return nil, err
	}
	b, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.uploads.Complete(ctx, bucket, key, uploadID, parts, func(ctx context.Context, staged *storage.Staged, doc *metadata.Object) (*metadata.Object, error) {
		return e.commit(ctx, b, staged, doc)
	})
}

// AbortMultipartUpload discards an upload and its parts.
func (e *Engine) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := e.principal(ctx); err != nil {
		return err
	}
	if err := pathmap.ValidateKey(key); err != nil {
		return err
	}
	_, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return err
	}
	defer unlock()
	return e.uploads.Abort(ctx, bucket, key, uploadID)
}

// ListParts pages through the parts of an upload.
func (e *Engine) ListParts(ctx context.Context, bucket, key, uploadID string, marker, maxParts int) (*multipart.PartsPage, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(key); err != nil {
		return nil, err
	}
	_, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.uploads.ListParts(ctx, bucket, key, uploadID, marker, maxParts)
}
