package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/s3sfs/s3sfs/internal/engine"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lister"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	engine *engine.Engine
}

// NewMultipartHandler creates a new MultipartHandler over e.
func NewMultipartHandler(e *engine.Engine) *MultipartHandler {
	return &MultipartHandler{engine: e}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning an upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName, key := extractBucketName(r), extractObjectKey(r)

	acl, _, err := aclFromHeaders(r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tags, err := parseTaggingHeader(r.Header.Get("x-amz-tagging"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	man, err := h.engine.CreateMultipartUpload(r.Context(), engine.CreateUploadInput{
		Bucket:       bucketName,
		Key:          key,
		Headers:      extractHeaders(r),
		UserMetadata: extractUserMetadata(r),
		Tags:         tags,
		ACL:          acl,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	xmlutil.Render(w, xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: man.UploadID,
	})
}

// partNumber reads and validates the partNumber query parameter.
func partNumber(r *http.Request) (int, error) {
	n, given, err := queryInt(r.URL.Query(), "partNumber")
	if err != nil {
		return 0, err
	}
	if !given {
		return 0, s3err.Wrapf(s3err.ErrInvalidArgument, "partNumber is required")
	}
	if err := pathmap.ValidatePartNumber(n); err != nil {
		return 0, err
	}
	return n, nil
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID.
// A request carrying X-Amz-Copy-Source is an UploadPartCopy.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	n, err := partNumber(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.uploadPartCopy(w, r, uploadID, n)
		return
	}

	part, err := h.engine.UploadPart(r.Context(), extractBucketName(r), extractObjectKey(r), uploadID, n, r.Body, writeOptions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, uploadID string, n int) {
	src, err := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	src.Conditions = engine.ConditionsFromHeaders(r.Header, "X-Amz-Copy-Source-If-")

	res, err := h.engine.UploadPartCopy(r.Context(), engine.UploadPartCopyInput{
		Source:     src,
		Bucket:     extractBucketName(r),
		Key:        extractObjectKey(r),
		UploadID:   uploadID,
		PartNumber: n,
		Range:      r.Header.Get("X-Amz-Copy-Source-Range"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.SourceVersionID != "" && res.SourceVersionID != "null" {
		w.Header().Set("x-amz-copy-source-version-id", res.SourceVersionID)
	}
	xmlutil.Render(w, xmlutil.CopyPartResult{
		ETag:         res.Part.ETag,
		LastModified: xmlutil.FormatTimeS3(res.Part.LastModified),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID. The
// request lists the parts to assemble in ascending part-number order.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName, key := extractBucketName(r), extractObjectKey(r)

	var req xmlutil.CompleteMultipartUpload
	if err := xmlutil.Decode(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Parts) == 0 {
		writeError(w, r, s3err.Wrapf(s3err.ErrMalformedXML, "no parts in CompleteMultipartUpload"))
		return
	}

	parts := make([]multipart.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, multipart.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	res, err := h.engine.CompleteMultipartUpload(r.Context(), bucketName, key, r.URL.Query().Get("uploadId"), parts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setVersionHeader(w, res.VersionID)
	xmlutil.Render(w, xmlutil.CompleteMultipartUploadResult{
		Location: objectLocation(r, bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     res.ETag,
	})
}

// objectLocation is the absolute URL of an object on this server.
func objectLocation(r *http.Request, bucket, key string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.ToLower(fwd)
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, r.Host, bucket, key)
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	err := h.engine.AbortMultipartUpload(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("uploadId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, given, err := queryInt(q, "max-uploads")
	if err != nil {
		writeError(w, r, err)
		return
	}
	maxUploads, err := lister.NormalizeMax(n, given)
	if err != nil {
		writeError(w, r, err)
		return
	}
	enc, err := encodingType(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	bucketName := extractBucketName(r)
	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	keyMarker, uploadIDMarker := q.Get("key-marker"), q.Get("upload-id-marker")

	page, err := h.engine.ListMultipartUploads(r.Context(), bucketName, lister.UploadsOptions{
		Prefix:         prefix,
		Delimiter:      delimiter,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := xmlutil.ListMultipartUploadsResult{
		Bucket:             bucketName,
		KeyMarker:          xmlutil.EncodeKeyURL(keyMarker, enc),
		UploadIDMarker:     uploadIDMarker,
		NextKeyMarker:      xmlutil.EncodeKeyURL(page.NextKeyMarker, enc),
		NextUploadIDMarker: page.NextUploadIDMarker,
		Prefix:             xmlutil.EncodeKeyURL(prefix, enc),
		Delimiter:          xmlutil.EncodeKeyURL(delimiter, enc),
		MaxUploads:         maxUploads,
		EncodingType:       enc,
		IsTruncated:        page.IsTruncated,
		CommonPrefixes:     commonPrefixes(page.CommonPrefixes, enc),
	}
	for _, u := range page.Uploads {
		owner := ownerXML(u.Owner)
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:          xmlutil.EncodeKeyURL(u.Key, enc),
			UploadID:     u.UploadID,
			Initiator:    owner,
			Owner:        owner,
			StorageClass: storageClass(u.Headers),
			Initiated:    xmlutil.FormatTimeS3(u.Initiated),
		})
	}
	xmlutil.Render(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	marker, _, err := queryInt(q, "part-number-marker")
	if err != nil {
		writeError(w, r, err)
		return
	}
	maxParts, given, err := queryInt(q, "max-parts")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if given && maxParts < 0 {
		writeError(w, r, s3err.Wrapf(s3err.ErrInvalidArgument, "max-parts must be non-negative"))
		return
	}

	bucketName, key := extractBucketName(r), extractObjectKey(r)
	page, err := h.engine.ListParts(r.Context(), bucketName, key, q.Get("uploadId"), marker, maxParts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	owner := ownerXML(page.Manifest.Owner)
	result := xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             page.Manifest.UploadID,
		Initiator:            owner,
		Owner:                owner,
		StorageClass:         storageClass(page.Manifest.Headers),
		PartNumberMarker:     page.PartNumberMarker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             page.MaxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, p := range page.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.Number,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	xmlutil.Render(w, result)
}
