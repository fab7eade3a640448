package engine

import (
	"context"

	"github.com/s3sfs/s3sfs/internal/lister"
	"github.com/s3sfs/s3sfs/internal/metadata"
)

// Snapshot holds every document of the selected buckets.
type Snapshot struct {
	Buckets []*metadata.Bucket
	// Objects holds every version and delete marker in listing order.
	Objects []*metadata.Object
	Uploads []*metadata.Manifest
}

// Snapshot collects the documents of bucket, or of every bucket when
// bucket is empty.
func (e *Engine) Snapshot(ctx context.Context, bucket string) (*Snapshot, error) {
	var buckets []*metadata.Bucket
	if bucket != "" {
		b, err := e.HeadBucket(ctx, bucket)
		if err != nil {
			return nil, err
		}
		buckets = []*metadata.Bucket{b}
	} else {
		all, err := e.ListBuckets(ctx)
		if err != nil {
			return nil, err
		}
		buckets = all
	}

	snap := &Snapshot{Buckets: buckets}
	for _, b := range buckets {
		opts := lister.VersionsOptions{MaxKeys: lister.MaxKeys}
		for {
			page, err := e.ListObjectVersions(ctx, b.Name, opts)
			if err != nil {
				return nil, err
			}
			for _, v := range page.Versions {
				snap.Objects = append(snap.Objects, v.Doc)
			}
			if !page.IsTruncated {
				break
			}
			opts.KeyMarker, opts.VersionIDMarker = page.NextKeyMarker, page.NextVersionIDMarker
		}
		uploads, err := e.uploads.Uploads(ctx, b.Name)
		if err != nil {
			return nil, err
		}
		snap.Uploads = append(snap.Uploads, uploads...)
	}
	return snap, nil
}
