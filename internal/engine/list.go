package engine

import (
	"context"

	"github.com/s3sfs/s3sfs/internal/lister"
)

// ListObjects returns one page of the current objects of a bucket.
func (e *Engine) ListObjects(ctx context.Context, bucket string, opts lister.ObjectsOptions) (*lister.ObjectsPage, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	_, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.lister.Objects(ctx, bucket, opts)
}

// ListObjectVersions returns one page of every version and delete marker.
func (e *Engine) ListObjectVersions(ctx context.Context, bucket string, opts lister.VersionsOptions) (*lister.VersionsPage, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	_, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.lister.Versions(ctx, bucket, opts)
}

// ListMultipartUploads returns one page of in-progress uploads.
func (e *Engine) ListMultipartUploads(ctx context.Context, bucket string, opts lister.UploadsOptions) (*lister.UploadsPage, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	_, unlock, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.lister.Uploads(ctx, bucket, opts)
}
