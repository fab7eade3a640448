package server

import (
	"net/http"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/metrics"
	"github.com/s3sfs/s3sfs/internal/tracing"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}

// dispatch names the S3 operation of r, records it and runs its handler.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	op, handler := s.route(r)
	tracing.SetOperation(r.Context(), op)

	rec := record(w)
	handler(rec, r)

	status := "success"
	if rec.statusCode >= http.StatusBadRequest {
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
}

// route selects the handler of r by HTTP method and query subresource.
func (s *Server) route(r *http.Request) (string, http.HandlerFunc) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()
	// SDKs tag some requests with x-id=<Operation>; it selects nothing.
	q.Del("x-id")

	// Service-level operations (no bucket in path).
	if bucket == "" {
		if r.Method == http.MethodGet {
			return "ListBuckets", s.bucket.ListBuckets
		}
		return "Unknown", methodNotAllowed
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				if r.Header.Get("X-Amz-Copy-Source") != "" {
					return "UploadPartCopy", s.multi.UploadPart
				}
				return "UploadPart", s.multi.UploadPart
			case q.Has("tagging"):
				return "PutObjectTagging", s.object.PutObjectTagging
			case q.Has("acl"):
				return "PutObjectAcl", s.object.PutObjectAcl
			case r.Header.Get("X-Amz-Copy-Source") != "":
				return "CopyObject", s.object.CopyObject
			default:
				return "PutObject", s.object.PutObject
			}
		case http.MethodGet:
			switch {
			case q.Has("tagging"):
				return "GetObjectTagging", s.object.GetObjectTagging
			case q.Has("acl"):
				return "GetObjectAcl", s.object.GetObjectAcl
			case q.Has("uploadId"):
				return "ListParts", s.multi.ListParts
			default:
				return "GetObject", s.object.GetObject
			}
		case http.MethodHead:
			return "HeadObject", s.object.HeadObject
		case http.MethodDelete:
			switch {
			case q.Has("tagging"):
				return "DeleteObjectTagging", s.object.DeleteObjectTagging
			case q.Has("uploadId"):
				return "AbortMultipartUpload", s.multi.AbortMultipartUpload
			default:
				return "DeleteObject", s.object.DeleteObject
			}
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				return "CompleteMultipartUpload", s.multi.CompleteMultipartUpload
			case q.Has("uploads"):
				return "CreateMultipartUpload", s.multi.CreateMultipartUpload
			}
			return "Unknown", notImplemented
		}
		return "Unknown", methodNotAllowed
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("versioning"):
			return "PutBucketVersioning", s.bucket.PutBucketVersioning
		case q.Has("tagging"):
			return "PutBucketTagging", s.bucket.PutBucketTagging
		case q.Has("policy"):
			return "PutBucketPolicy", s.bucket.PutBucketPolicy
		case q.Has("acl"):
			return "PutBucketAcl", s.bucket.PutBucketAcl
		case len(q) == 0:
			return "CreateBucket", s.bucket.CreateBucket
		}
		return "Unknown", notImplemented
	case http.MethodGet:
		switch {
		case q.Has("location"):
			return "GetBucketLocation", s.bucket.GetBucketLocation
		case q.Has("versioning"):
			return "GetBucketVersioning", s.bucket.GetBucketVersioning
		case q.Has("tagging"):
			return "GetBucketTagging", s.bucket.GetBucketTagging
		case q.Has("policy"):
			return "GetBucketPolicy", s.bucket.GetBucketPolicy
		case q.Has("acl"):
			return "GetBucketAcl", s.bucket.GetBucketAcl
		case q.Has("uploads"):
			return "ListMultipartUploads", s.multi.ListMultipartUploads
		case q.Has("versions"):
			return "ListObjectVersions", s.object.ListObjectVersions
		case q.Get("list-type") == "2":
			return "ListObjectsV2", s.object.ListObjectsV2
		default:
			return "ListObjects", s.object.ListObjects
		}
	case http.MethodHead:
		return "HeadBucket", s.bucket.HeadBucket
	case http.MethodDelete:
		switch {
		case q.Has("tagging"):
			return "DeleteBucketTagging", s.bucket.DeleteBucketTagging
		case q.Has("policy"):
			return "DeleteBucketPolicy", s.bucket.DeleteBucketPolicy
		case len(q) == 0:
			return "DeleteBucket", s.bucket.DeleteBucket
		}
		return "Unknown", notImplemented
	case http.MethodPost:
		if q.Has("delete") {
			return "DeleteObjects", s.object.DeleteObjects
		}
		return "Unknown", notImplemented
	}
	return "Unknown", methodNotAllowed
}
