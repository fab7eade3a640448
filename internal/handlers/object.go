package handlers

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/s3sfs/s3sfs/internal/engine"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lister"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/storage"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// maxDeleteObjects is the most keys one DeleteObjects request may name.
const maxDeleteObjects = 1000

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	engine *engine.Engine
}

// NewObjectHandler creates a new ObjectHandler over e.
func NewObjectHandler(e *engine.Engine) *ObjectHandler {
	return &ObjectHandler{engine: e}
}

// writeOptions describes the request body for the content store.
func writeOptions(r *http.Request) storage.WriteOptions {
	length := r.ContentLength
	if length < 0 {
		length = -1
	}
	return storage.WriteOptions{
		ContentLength: length,
		ContentMD5:    r.Header.Get("Content-MD5"),
		ContentSHA256: r.Header.Get("X-Amz-Content-Sha256"),
	}
}

// PutObject handles PUT /{bucket}/{object}. The body is staged and
// verified before the new version becomes visible.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	acl, grants, err := aclFromHeaders(r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tags, err := parseTaggingHeader(r.Header.Get("x-amz-tagging"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	obj, err := h.engine.PutObject(r.Context(), engine.PutInput{
		Bucket:       extractBucketName(r),
		Key:          extractObjectKey(r),
		Body:         r.Body,
		Write:        writeOptions(r),
		Headers:      extractHeaders(r),
		UserMetadata: extractUserMetadata(r),
		Tags:         tags,
		ACL:          acl,
		Grants:       grants,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", obj.ETag)
	setVersionHeader(w, obj.VersionID)
	w.WriteHeader(http.StatusOK)
}

func getInput(r *http.Request) engine.GetInput {
	return engine.GetInput{
		Bucket:     extractBucketName(r),
		Key:        extractObjectKey(r),
		VersionID:  r.URL.Query().Get("versionId"),
		Range:      r.Header.Get("Range"),
		Conditions: engine.ConditionsFromHeaders(r.Header, "If-"),
	}
}

// writeReadError renders a failed GET or HEAD. Precondition and range
// failures still describe the object.
func writeReadError(w http.ResponseWriter, r *http.Request, res *engine.GetResult, err error) {
	if res != nil && res.Object != nil {
		if s3err.Is(err, s3err.ErrInvalidRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", res.Object.Size))
		} else {
			writeConditionalHeaders(w, res.Object)
		}
	}
	writeError(w, r, err)
}

// GetObject handles GET /{bucket}/{object}. Supports a single byte range
// and the RFC 7232 conditional headers.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.GetObject(r.Context(), getInput(r))
	if err != nil {
		writeReadError(w, r, res, err)
		return
	}
	defer res.Body.Close()

	obj := res.Object
	setObjectResponseHeaders(w, obj)
	applyResponseOverrides(w, r)

	status := http.StatusOK
	if res.Range != nil {
		w.Header().Set("Content-Length", fmt.Sprint(res.Range.Length()))
		w.Header().Set("Content-Range", res.Range.ContentRange(obj.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, res.Body); err != nil && !s3err.IsCanceled(err) {
		slog.Warn("GetObject stream aborted", "bucket", obj.Bucket, "key", obj.Key, "error", err)
	}
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object
// headers without the body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.HeadObject(r.Context(), getInput(r))
	if err != nil {
		writeReadError(w, r, res, err)
		return
	}
	setObjectResponseHeaders(w, res.Object)
	applyResponseOverrides(w, r)
	if res.Range != nil {
		w.Header().Set("Content-Length", fmt.Sprint(res.Range.Length()))
		w.Header().Set("Content-Range", res.Range.ContentRange(res.Object.Size))
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object}. Deleting a key that does
// not exist succeeds.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.DeleteObject(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("versionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
		w.Header().Set("x-amz-version-id", res.VersionID)
	} else {
		setVersionHeader(w, res.VersionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete. Each key is deleted on its
// own; failures are reported per key.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, xmlutil.MaxRequestBody+1))
	if err != nil {
		writeError(w, r, s3err.Wrap(s3err.ErrIncompleteBody, err))
		return
	}
	if want := r.Header.Get("Content-MD5"); want != "" {
		sum := md5.Sum(body)
		if base64.StdEncoding.EncodeToString(sum[:]) != want {
			writeError(w, r, s3err.Wrapf(s3err.ErrBadDigest, "Content-MD5 does not match the request body"))
			return
		}
	}

	var req xmlutil.DeleteRequest
	if err := xmlutil.Decode(bytes.NewReader(body), &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		writeError(w, r, s3err.Wrapf(s3err.ErrMalformedXML, "a delete request names 1 to %d keys", maxDeleteObjects))
		return
	}

	ids := make([]engine.ObjectIdentifier, 0, len(req.Objects))
	for _, o := range req.Objects {
		ids = append(ids, engine.ObjectIdentifier{Key: o.Key, VersionID: o.VersionID})
	}
	outcomes, err := h.engine.DeleteObjects(r.Context(), extractBucketName(r), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := xmlutil.DeleteResult{}
	for _, o := range outcomes {
		if o.Err != nil {
			code := s3err.ToS3(o.Err)
			if s3err.IsKind(o.Err, s3err.KindIO) || s3err.IsKind(o.Err, s3err.KindCorrupt) {
				slog.Error("DeleteObjects key failed", "key", o.Key, "error", o.Err)
			}
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:       o.Key,
				VersionID: o.VersionID,
				Code:      code.Code,
				Message:   code.Message,
			})
			continue
		}
		if req.Quiet {
			continue
		}
		item := xmlutil.DeletedItem{Key: o.Key, VersionID: o.VersionID}
		if o.Result.DeleteMarker {
			item.DeleteMarker = true
			item.DeleteMarkerVersionID = o.Result.VersionID
		}
		result.Deleted = append(result.Deleted, item)
	}
	xmlutil.Render(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source
// header. x-amz-metadata-directive and x-amz-tagging-directive select
// between the source's attributes (COPY, the default) and the request's
// (REPLACE).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	src, err := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	src.Conditions = engine.ConditionsFromHeaders(r.Header, "X-Amz-Copy-Source-If-")

	acl, grants, err := aclFromHeaders(r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tags, err := parseTaggingHeader(r.Header.Get("x-amz-tagging"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.engine.CopyObject(r.Context(), engine.CopyInput{
		Source:            src,
		Bucket:            extractBucketName(r),
		Key:               extractObjectKey(r),
		MetadataDirective: strings.ToUpper(r.Header.Get("x-amz-metadata-directive")),
		TaggingDirective:  strings.ToUpper(r.Header.Get("x-amz-tagging-directive")),
		Headers:           extractHeaders(r),
		UserMetadata:      extractUserMetadata(r),
		Tags:              tags,
		ACL:               acl,
		Grants:            grants,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.SourceVersionID != "" && res.SourceVersionID != "null" {
		w.Header().Set("x-amz-copy-source-version-id", res.SourceVersionID)
	}
	setVersionHeader(w, res.Object.VersionID)
	xmlutil.Render(w, xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(res.Object.LastModified),
		ETag:         res.Object.ETag,
	})
}

func storageClass(h metadata.Headers) string {
	if h.StorageClass == "" {
		return "STANDARD"
	}
	return h.StorageClass
}

func listObject(o *metadata.Object, enc string, withOwner bool) xmlutil.Object {
	obj := xmlutil.Object{
		Key:          xmlutil.EncodeKeyURL(o.Key, enc),
		LastModified: xmlutil.FormatTimeS3(o.LastModified),
		ETag:         o.ETag,
		Size:         o.Size,
		StorageClass: storageClass(o.Headers),
	}
	if withOwner {
		owner := ownerXML(o.Owner)
		obj.Owner = &owner
	}
	return obj
}

func commonPrefixes(prefixes []string, enc string) []xmlutil.CommonPrefix {
	out := make([]xmlutil.CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: xmlutil.EncodeKeyURL(p, enc)})
	}
	return out
}

// listParams reads the parameters shared by every listing.
func listParams(r *http.Request) (maxKeys int, enc string, err error) {
	q := r.URL.Query()
	n, given, err := queryInt(q, "max-keys")
	if err != nil {
		return 0, "", err
	}
	if maxKeys, err = lister.NormalizeMax(n, given); err != nil {
		return 0, "", err
	}
	if enc, err = encodingType(q); err != nil {
		return 0, "", err
	}
	return maxKeys, enc, nil
}

// ListObjectsV2 handles GET /{bucket}?list-type=2.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxKeys, enc, err := listParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bucketName := extractBucketName(r)
	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	token, startAfter := q.Get("continuation-token"), q.Get("start-after")

	after := startAfter
	if token != "" {
		if after, err = lister.DecodeToken(token); err != nil {
			writeError(w, r, err)
			return
		}
	}

	page, err := h.engine.ListObjects(r.Context(), bucketName, lister.ObjectsOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		After:     after,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	fetchOwner := q.Get("fetch-owner") == "true"
	result := xmlutil.ListBucketV2Result{
		Name:              bucketName,
		Prefix:            xmlutil.EncodeKeyURL(prefix, enc),
		StartAfter:        xmlutil.EncodeKeyURL(startAfter, enc),
		ContinuationToken: token,
		KeyCount:          len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:           maxKeys,
		Delimiter:         xmlutil.EncodeKeyURL(delimiter, enc),
		EncodingType:      enc,
		IsTruncated:       page.IsTruncated,
		CommonPrefixes:    commonPrefixes(page.CommonPrefixes, enc),
	}
	if page.IsTruncated {
		result.NextContinuationToken = lister.EncodeToken(page.Next)
	}
	for _, o := range page.Objects {
		result.Contents = append(result.Contents, listObject(o, enc, fetchOwner))
	}
	xmlutil.Render(w, result)
}

// ListObjects handles GET /{bucket} (the v1 listing). NextMarker is only
// reported when a delimiter is set, as S3 does.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxKeys, enc, err := listParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bucketName := extractBucketName(r)
	prefix, delimiter, marker := q.Get("prefix"), q.Get("delimiter"), q.Get("marker")

	page, err := h.engine.ListObjects(r.Context(), bucketName, lister.ObjectsOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		After:     marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := xmlutil.ListBucketResult{
		Name:           bucketName,
		Prefix:         xmlutil.EncodeKeyURL(prefix, enc),
		Marker:         xmlutil.EncodeKeyURL(marker, enc),
		MaxKeys:        maxKeys,
		Delimiter:      xmlutil.EncodeKeyURL(delimiter, enc),
		EncodingType:   enc,
		IsTruncated:    page.IsTruncated,
		CommonPrefixes: commonPrefixes(page.CommonPrefixes, enc),
	}
	if page.IsTruncated && delimiter != "" {
		result.NextMarker = xmlutil.EncodeKeyURL(page.Next, enc)
	}
	for _, o := range page.Objects {
		result.Contents = append(result.Contents, listObject(o, enc, true))
	}
	xmlutil.Render(w, result)
}

// ListObjectVersions handles GET /{bucket}?versions.
func (h *ObjectHandler) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxKeys, enc, err := listParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bucketName := extractBucketName(r)
	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	keyMarker, vidMarker := q.Get("key-marker"), q.Get("version-id-marker")
	if vidMarker != "" && keyMarker == "" {
		writeError(w, r, s3err.Wrapf(s3err.ErrInvalidArgument, "A version-id marker cannot be specified without a key marker."))
		return
	}

	page, err := h.engine.ListObjectVersions(r.Context(), bucketName, lister.VersionsOptions{
		Prefix:          prefix,
		Delimiter:       delimiter,
		KeyMarker:       keyMarker,
		VersionIDMarker: vidMarker,
		MaxKeys:         maxKeys,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	result := xmlutil.ListVersionsResult{
		Name:                bucketName,
		Prefix:              xmlutil.EncodeKeyURL(prefix, enc),
		KeyMarker:           xmlutil.EncodeKeyURL(keyMarker, enc),
		VersionIDMarker:     vidMarker,
		NextKeyMarker:       xmlutil.EncodeKeyURL(page.NextKeyMarker, enc),
		NextVersionIDMarker: page.NextVersionIDMarker,
		MaxKeys:             maxKeys,
		Delimiter:           xmlutil.EncodeKeyURL(delimiter, enc),
		EncodingType:        enc,
		IsTruncated:         page.IsTruncated,
		CommonPrefixes:      commonPrefixes(page.CommonPrefixes, enc),
	}
	for _, v := range page.Versions {
		o := v.Doc
		owner := ownerXML(o.Owner)
		if o.DeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, xmlutil.DeleteMarkerEntry{
				Key:          xmlutil.EncodeKeyURL(o.Key, enc),
				VersionID:    o.VersionID,
				IsLatest:     v.IsLatest,
				LastModified: xmlutil.FormatTimeS3(o.LastModified),
				Owner:        &owner,
			})
			continue
		}
		result.Versions = append(result.Versions, xmlutil.ObjectVersion{
			Key:          xmlutil.EncodeKeyURL(o.Key, enc),
			VersionID:    o.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: xmlutil.FormatTimeS3(o.LastModified),
			ETag:         o.ETag,
			Size:         o.Size,
			StorageClass: storageClass(o.Headers),
			Owner:        &owner,
		})
	}
	xmlutil.Render(w, result)
}

// GetObjectTagging handles GET /{bucket}/{object}?tagging.
func (h *ObjectHandler) GetObjectTagging(w http.ResponseWriter, r *http.Request) {
	tags, vid, err := h.engine.GetObjectTagging(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("versionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setVersionHeader(w, vid)
	xmlutil.Render(w, tagsToXML(tags))
}

// PutObjectTagging handles PUT /{bucket}/{object}?tagging.
func (h *ObjectHandler) PutObjectTagging(w http.ResponseWriter, r *http.Request) {
	var tagging xmlutil.Tagging
	if err := xmlutil.Decode(r.Body, &tagging); err != nil {
		writeError(w, r, err)
		return
	}
	vid, err := h.engine.PutObjectTagging(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("versionId"), tagsFromXML(tagging))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setVersionHeader(w, vid)
	w.WriteHeader(http.StatusOK)
}

// DeleteObjectTagging handles DELETE /{bucket}/{object}?tagging.
func (h *ObjectHandler) DeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	vid, err := h.engine.DeleteObjectTagging(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("versionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setVersionHeader(w, vid)
	w.WriteHeader(http.StatusNoContent)
}

// GetObjectAcl handles GET /{bucket}/{object}?acl.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetObjectACL(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("versionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	xmlutil.Render(w, renderACL(info))
}

// PutObjectAcl handles PUT /{bucket}/{object}?acl.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	acl, grants, err := readACLRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.engine.PutObjectACL(r.Context(), extractBucketName(r), extractObjectKey(r), r.URL.Query().Get("versionId"), acl, grants); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
