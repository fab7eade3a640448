package handlers

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/s3sfs/s3sfs/internal/engine"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/metrics"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// maxPolicySize is the largest bucket policy document accepted.
const maxPolicySize = 20 << 10

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	engine *engine.Engine
}

// NewBucketHandler creates a new BucketHandler over e.
func NewBucketHandler(e *engine.Engine) *BucketHandler {
	return &BucketHandler{engine: e}
}

// ListBuckets handles GET / and returns every bucket under the root.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.engine.ListBuckets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := xmlutil.ListAllMyBucketsResult{Buckets: make([]xmlutil.Bucket, 0, len(buckets))}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.Created),
			BucketRegion: b.Region,
		})
	}
	ownerID, ownerName := requestOwner(r)
	result.Owner = xmlutil.Owner{ID: ownerID, DisplayName: ownerName}
	xmlutil.Render(w, result)
}

// CreateBucket handles PUT /{bucket}. Recreating a bucket the caller
// already owns succeeds in us-east-1, as S3 does there.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	acl, grants, err := aclFromHeaders(r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}

	region := ""
	if r.ContentLength != 0 {
		var cfg xmlutil.CreateBucketConfiguration
		body, err := io.ReadAll(io.LimitReader(r.Body, xmlutil.MaxRequestBody))
		if err != nil {
			writeError(w, r, s3err.Wrap(s3err.ErrIncompleteBody, err))
			return
		}
		if len(body) > 0 {
			if err := xmlutil.Decode(bytes.NewReader(body), &cfg); err != nil {
				writeError(w, r, err)
				return
			}
			region = cfg.LocationConstraint
		}
	}

	_, err = h.engine.CreateBucket(r.Context(), engine.CreateBucketInput{
		Name:   bucketName,
		Region: region,
		ACL:    acl,
		Grants: grants,
	})
	if s3err.Is(err, s3err.ErrBucketAlreadyOwnedByYou) && h.engine.Region() == "us-east-1" {
		w.Header().Set("Location", "/"+bucketName)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	metrics.BucketsTotal.Inc()
	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The bucket must hold no object
// versions and no uploads.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if err := h.engine.DeleteBucket(r.Context(), bucketName); err != nil {
		writeError(w, r, err)
		return
	}
	metrics.BucketsTotal.Dec()
	slog.Debug("Bucket deleted", "bucket", bucketName)
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.HeadBucket(r.Context(), extractBucketName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("x-amz-bucket-region", b.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	region, err := h.engine.GetBucketLocation(r.Context(), extractBucketName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.RenderLocationConstraint(w, region)
}

// GetBucketVersioning handles GET /{bucket}?versioning. A bucket that was
// never versioned reports an empty configuration.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetBucketVersioning(r.Context(), extractBucketName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, xmlutil.VersioningConfiguration{Status: status})
}

// PutBucketVersioning handles PUT /{bucket}?versioning.
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	var cfg xmlutil.VersioningConfiguration
	if err := xmlutil.Decode(r.Body, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	if cfg.MFADelete == "Enabled" {
		writeError(w, r, s3err.Wrapf(s3err.ErrNotImplemented, "MFA delete"))
		return
	}
	if err := h.engine.PutBucketVersioning(r.Context(), extractBucketName(r), cfg.Status); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketTagging handles GET /{bucket}?tagging.
func (h *BucketHandler) GetBucketTagging(w http.ResponseWriter, r *http.Request) {
	tags, err := h.engine.GetBucketTagging(r.Context(), extractBucketName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, tagsToXML(tags))
}

// PutBucketTagging handles PUT /{bucket}?tagging.
func (h *BucketHandler) PutBucketTagging(w http.ResponseWriter, r *http.Request) {
	var tagging xmlutil.Tagging
	if err := xmlutil.Decode(r.Body, &tagging); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.engine.PutBucketTagging(r.Context(), extractBucketName(r), tagsFromXML(tagging)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketTagging handles DELETE /{bucket}?tagging.
func (h *BucketHandler) DeleteBucketTagging(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteBucketTagging(r.Context(), extractBucketName(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketPolicy handles GET /{bucket}?policy and returns the stored
// document verbatim.
func (h *BucketHandler) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.engine.GetBucketPolicy(r.Context(), extractBucketName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, policy)
}

// PutBucketPolicy handles PUT /{bucket}?policy. Policies are stored, not
// evaluated.
func (h *BucketHandler) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPolicySize+1))
	if err != nil {
		writeError(w, r, s3err.Wrap(s3err.ErrIncompleteBody, err))
		return
	}
	if len(body) > maxPolicySize {
		writeError(w, r, s3err.Wrapf(s3err.ErrMalformedPolicy, "policy exceeds %d bytes", maxPolicySize))
		return
	}
	if err := h.engine.PutBucketPolicy(r.Context(), extractBucketName(r), string(body)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketPolicy handles DELETE /{bucket}?policy.
func (h *BucketHandler) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteBucketPolicy(r.Context(), extractBucketName(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketAcl handles GET /{bucket}?acl.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetBucketACL(r.Context(), extractBucketName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, renderACL(info))
}

// PutBucketAcl handles PUT /{bucket}?acl. The ACL comes from x-amz-acl,
// the x-amz-grant-* headers or an AccessControlPolicy body, in that order.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	acl, grants, err := readACLRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.engine.PutBucketACL(r.Context(), extractBucketName(r), acl, grants); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
