package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lister"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
	"github.com/s3sfs/s3sfs/internal/uid"
)

// DeleteMarkerError is wrapped into NoSuchKey and MethodNotAllowed errors
// caused by a delete marker, so responses can carry x-amz-delete-marker.
type DeleteMarkerError struct {
	VersionID string
}

func (d *DeleteMarkerError) Error() string {
	return "version " + d.VersionID + " is a delete marker"
}

// AsDeleteMarker extracts the delete marker behind err, if any.
func AsDeleteMarker(err error) (*DeleteMarkerError, bool) {
	var dm *DeleteMarkerError
	if errors.As(err, &dm) {
		return dm, true
	}
	return nil, false
}

// resolve locks and returns the requested version of key: the latest when
// vid is empty. The caller releases the returned lock.
func (e *Engine) resolve(ctx context.Context, bucket, key, vid string) (lister.Version, lock.Unlock, error) {
	var unlock lock.Unlock
	var err error
	if vid == "" || vid == pathmap.NullVersion {
		unlock, err = e.locks.Object(ctx, bucket, key, false)
	} else {
		if err := pathmap.ValidateVersionID(vid); err != nil {
			return lister.Version{}, nil, err
		}
		unlock, err = e.locks.Version(ctx, bucket, key, vid, false)
	}
	if err != nil {
		return lister.Version{}, nil, err
	}

	var v lister.Version
	if vid == "" {
		v, err = e.lister.Latest(ctx, bucket, key)
	} else {
		v, err = e.lister.Version(ctx, bucket, key, vid)
	}
	switch {
	case errors.Is(err, metadata.ErrNotFound) && vid == "":
		err = s3err.Wrapf(s3err.ErrNoSuchKey, "key %q", key)
	case errors.Is(err, metadata.ErrNotFound):
		err = s3err.Wrapf(s3err.ErrNoSuchVersion, "key %q version %s", key, vid)
	case err == nil && v.Doc.DeleteMarker && vid == "":
		err = s3err.Wrap(s3err.ErrNoSuchKey, &DeleteMarkerError{VersionID: v.Doc.VersionID})
	case err == nil && v.Doc.DeleteMarker:
		err = s3err.Wrap(s3err.ErrMethodNotAllowed, &DeleteMarkerError{VersionID: v.Doc.VersionID})
	}
	if err != nil {
		unlock()
		return lister.Version{}, nil, err
	}
	return v, unlock, nil
}

// PutInput carries a PutObject request.
type PutInput struct {
	Bucket       string
	Key          string
	Body         io.Reader
	Write        storage.WriteOptions
	Headers      metadata.Headers
	UserMetadata map[string]string
	Tags         []metadata.Tag
	ACL          string
	Grants       []metadata.Grant
}

// PutObject streams the body into a staged blob and commits it as the new
// current version. The body is read before any key lock is taken.
func (e *Engine) PutObject(ctx context.Context, in PutInput) (*metadata.Object, error) {
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
	b, unlock, err := e.sharedBucket(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	defer unlock()

	staged, err := e.content.Stage(ctx, e.paths.TempDir(in.Bucket), in.Body, in.Write)
	if err != nil {
		return nil, err
	}
	doc := &metadata.Object{
		Key:            in.Key,
		Size:           staged.Size,
		ETag:           staged.ETag(),
		Headers:        in.Headers,
		UserMetadata:   in.UserMetadata,
		Tags:           cloneTags(in.Tags),
		ACL:            in.ACL,
		Grants:         in.Grants,
		Owner:          owner,
		ChecksumSHA256: staged.SHA256Hex(),
	}
	stored, err := e.commit(ctx, b, staged, doc)
	if err != nil {
		e.content.Discard(staged)
		return nil, err
	}
	return stored, nil
}

// GetInput selects an object version and the part of it to return.
type GetInput struct {
	Bucket     string
	Key        string
	VersionID  string
	Range      string
	Conditions Conditions
}

// GetResult is a resolved object. Body is nil for HEAD. On NotModified and
// InvalidRange errors the result is returned alongside the error so that
// the response can still describe the object.
type GetResult struct {
	Object *metadata.Object
	Range  *storage.Range
	Body   io.ReadCloser
}

// GetObject opens the requested version. Locks are released before the
// body is streamed; the open handle keeps reading the committed blob.
func (e *Engine) GetObject(ctx context.Context, in GetInput) (*GetResult, error) {
	return e.read(ctx, in, true)
}

// HeadObject resolves the requested version without opening it.
func (e *Engine) HeadObject(ctx context.Context, in GetInput) (*GetResult, error) {
	return e.read(ctx, in, false)
}

// openAttempts bounds retries when a version is replaced between
// resolution and open.
const openAttempts = 3

func (e *Engine) read(ctx context.Context, in GetInput, open bool) (*GetResult, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(in.Key); err != nil {
		return nil, err
	}
	_, unlockBucket, err := e.sharedBucket(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	defer unlockBucket()

	for attempt := 1; ; attempt++ {
		v, unlock, err := e.resolve(ctx, in.Bucket, in.Key, in.VersionID)
		if err != nil {
			return nil, err
		}
		res := &GetResult{Object: v.Doc}
		if err := in.Conditions.Check(v.Doc.ETag, v.Doc.LastModified, true); err != nil {
			unlock()
			return res, err
		}
		rng, err := storage.ParseRange(in.Range, v.Doc.Size)
		if err != nil {
			unlock()
			return res, err
		}
		res.Range = rng
		if !open {
			unlock()
			return res, nil
		}

		blob, err := e.content.Open(ctx, v.Loc.Blob, v.Doc.Size)
		unlock()
		if errors.Is(err, fs.ErrNotExist) {
			if attempt < openAttempts {
				continue
			}
			return nil, s3err.Wrapf(s3err.ErrNoSuchKey, "key %q", in.Key)
		}
		if err != nil {
			return nil, s3err.IO(err)
		}
		res.Body = blob.Reader(ctx, rng)
		return res, nil
	}
}

// DeleteResult reports what a delete did.
type DeleteResult struct {
	VersionID    string
	DeleteMarker bool
}

// DeleteObject removes a key or one of its versions. Without a version id
// an Enabled bucket gains a delete marker, a Suspended bucket replaces the
// null version with a null delete marker and an unversioned bucket drops
// the object. Deleting something that does not exist succeeds.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key, vid string) (*DeleteResult, error) {
	owner, err := e.principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(key); err != nil {
		return nil, err
	}
	if vid != "" {
		if err := pathmap.ValidateVersionID(vid); err != nil {
			return nil, err
		}
	}
	b, unlockBucket, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlockBucket()

	switch {
	case vid == "" && b.Versioning == metadata.VersioningEnabled:
		marker := &metadata.Object{
			Bucket:       bucket,
			Key:          key,
			VersionID:    uid.NewVersionID(),
			DeleteMarker: true,
			LastModified: e.now(),
			Owner:        owner,
		}
		unlock, err := e.locks.Version(ctx, bucket, key, marker.VersionID, true)
		if err != nil {
			return nil, err
		}
		defer unlock()
		if err := e.place(e.paths.HashedLocation(bucket, key, marker.VersionID), nil, marker); err != nil {
			return nil, err
		}
		return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, nil

	case vid == "" && b.Versioning == metadata.VersioningSuspended:
		unlock, err := e.locks.Object(ctx, bucket, key, true)
		if err != nil {
			return nil, err
		}
		defer unlock()
		marker := &metadata.Object{
			Bucket:       bucket,
			Key:          key,
			VersionID:    pathmap.NullVersion,
			DeleteMarker: true,
			LastModified: e.now(),
			Owner:        owner,
		}
		if err := e.removeNull(bucket, key); err != nil {
			return nil, err
		}
		if err := e.place(e.paths.HashedLocation(bucket, key, pathmap.NullVersion), nil, marker); err != nil {
			return nil, err
		}
		return &DeleteResult{VersionID: pathmap.NullVersion, DeleteMarker: true}, nil

	case vid == "" || vid == pathmap.NullVersion:
		unlock, err := e.locks.Object(ctx, bucket, key, true)
		if err != nil {
			return nil, err
		}
		defer unlock()
		res := &DeleteResult{}
		if vid != "" {
			res.VersionID = vid
			if v, err := e.lister.Version(ctx, bucket, key, vid); err == nil {
				res.DeleteMarker = v.Doc.DeleteMarker
			}
		}
		if err := e.removeNull(bucket, key); err != nil {
			return nil, err
		}
		return res, nil

	default:
		unlock, err := e.locks.Version(ctx, bucket, key, vid, true)
		if err != nil {
			return nil, err
		}
		defer unlock()
		res := &DeleteResult{VersionID: vid}
		v, err := e.lister.Version(ctx, bucket, key, vid)
		if errors.Is(err, metadata.ErrNotFound) {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		res.DeleteMarker = v.Doc.DeleteMarker
		if err := e.removeVersion(bucket, v.Loc); err != nil {
			return nil, err
		}
		return res, nil
	}
}

// ObjectIdentifier names one entry of a DeleteObjects request.
type ObjectIdentifier struct {
	Key       string
	VersionID string
}

// DeleteOutcome is the result for one ObjectIdentifier. Err is nil on
// success.
type DeleteOutcome struct {
	ObjectIdentifier
	Result *DeleteResult
	Err    error
}

// DeleteObjects deletes each identifier independently.
func (e *Engine) DeleteObjects(ctx context.Context, bucket string, objects []ObjectIdentifier) ([]DeleteOutcome, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	if _, err := e.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}
	out := make([]DeleteOutcome, 0, len(objects))
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.DeleteObject(ctx, bucket, obj.Key, obj.VersionID)
		out = append(out, DeleteOutcome{ObjectIdentifier: obj, Result: res, Err: err})
	}
	return out, nil
}

// rewrite persists an edited document of an existing version in place.
func (e *Engine) rewrite(v lister.Version, doc *metadata.Object) error {
	blob := ""
	if !doc.DeleteMarker {
		blob = v.Loc.Blob
	}
	return e.meta.PutObject(v.Loc, doc, blob)
}

// updateObject applies fn to one version's document under the exclusive
// key lock.
func (e *Engine) updateObject(ctx context.Context, bucket, key, vid string, fn func(*metadata.Object) error) (*metadata.Object, error) {
	if _, err := e.principal(ctx); err != nil {
		return nil, err
	}
	if err := pathmap.ValidateKey(key); err != nil {
		return nil, err
	}
	_, unlockBucket, err := e.sharedBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	defer unlockBucket()

	// Resolving takes a shared lock; the edit needs the slot exclusively.
	v, unlock, err := e.resolve(ctx, bucket, key, vid)
	if err != nil {
		return nil, err
	}
	unlock()
	if v.Doc.VersionID == pathmap.NullVersion {
		unlock, err = e.locks.Object(ctx, bucket, key, true)
	} else {
		unlock, err = e.locks.Version(ctx, bucket, key, v.Doc.VersionID, true)
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	v, err = e.lister.Version(ctx, bucket, key, v.Doc.VersionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, s3err.Wrapf(s3err.ErrNoSuchKey, "key %q", key)
	}
	if err != nil {
		return nil, err
	}
	doc := v.Doc
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := e.rewrite(v, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetObjectTagging returns the tags of a version and its version id.
func (e *Engine) GetObjectTagging(ctx context.Context, bucket, key, vid string) ([]metadata.Tag, string, error) {
	res, err := e.HeadObject(ctx, GetInput{Bucket: bucket, Key: key, VersionID: vid})
	if err != nil {
		return nil, "", err
	}
	return res.Object.Tags, res.Object.VersionID, nil
}

// PutObjectTagging replaces the tags of a version.
func (e *Engine) PutObjectTagging(ctx context.Context, bucket, key, vid string, tags []metadata.Tag) (string, error) {
	if err := ValidateTags(tags, MaxObjectTags); err != nil {
		return "", err
	}
	doc, err := e.updateObject(ctx, bucket, key, vid, func(o *metadata.Object) error {
		o.Tags = cloneTags(tags)
		return nil
	})
	if err != nil {
		return "", err
	}
	return doc.VersionID, nil
}

// DeleteObjectTagging removes every tag of a version.
func (e *Engine) DeleteObjectTagging(ctx context.Context, bucket, key, vid string) (string, error) {
	doc, err := e.updateObject(ctx, bucket, key, vid, func(o *metadata.Object) error {
		o.Tags = nil
		return nil
	})
	if err != nil {
		return "", err
	}
	return doc.VersionID, nil
}

// GetObjectACL returns the stored ACL of a version.
func (e *Engine) GetObjectACL(ctx context.Context, bucket, key, vid string) (*ACLInfo, error) {
	res, err := e.HeadObject(ctx, GetInput{Bucket: bucket, Key: key, VersionID: vid})
	if err != nil {
		return nil, err
	}
	o := res.Object
	return &ACLInfo{Owner: o.Owner, ACL: o.ACL, Grants: o.Grants}, nil
}

// PutObjectACL replaces the stored ACL of a version.
func (e *Engine) PutObjectACL(ctx context.Context, bucket, key, vid, acl string, grants []metadata.Grant) error {
	_, err := e.updateObject(ctx, bucket, key, vid, func(o *metadata.Object) error {
		o.ACL = acl
		o.Grants = grants
		return nil
	})
	return err
}
