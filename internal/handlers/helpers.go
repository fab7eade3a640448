// Package handlers translates S3 HTTP requests into engine calls and renders
// the results as S3 responses.
package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/s3sfs/s3sfs/internal/auth"
	"github.com/s3sfs/s3sfs/internal/engine"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/metrics"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// defaultContentType is reported for objects stored without a Content-Type.
const defaultContentType = "application/octet-stream"

// writeError renders err as an S3 error response. IO and corruption
// failures are logged at error level with their call site; everything
// else is a client error and logged at debug.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if s3err.IsCanceled(err) && r.Context().Err() != nil {
		slog.Debug("Request canceled", "method", r.Method, "path", r.URL.Path)
		return
	}
	if dm, ok := engine.AsDeleteMarker(err); ok {
		w.Header().Set("x-amz-delete-marker", "true")
		w.Header().Set("x-amz-version-id", dm.VersionID)
	}

	code := s3err.ToS3(err)
	kind, caller := s3err.KindOf(code), ""
	if e, ok := s3err.As(err); ok {
		kind, caller = e.Kind, e.Caller
	}
	if code != s3err.ErrNotModified {
		metrics.RecordEngineError(kind.String())
	}

	switch kind {
	case s3err.KindIO, s3err.KindCorrupt:
		slog.Error("Request failed",
			"method", r.Method, "path", r.URL.Path, "code", code.Code, "caller", caller, "error", err)
	default:
		slog.Debug("Request rejected",
			"method", r.Method, "path", r.URL.Path, "code", code.Code, "error", err)
	}

	if code == s3err.ErrNoSuchBucket {
		code = code.WithExtra("BucketName", extractBucketName(r))
	}
	xmlutil.WriteErrorResponse(w, r, code)
}

// extractBucketName extracts the bucket name from the URL path.
func extractBucketName(r *http.Request) string {
	bucket, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	return bucket
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	_, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	return key
}

// extractUserMetadata scans request headers for x-amz-meta-* prefixed headers
// and returns them as a map. The prefix is stripped and the key is lowercased.
func extractUserMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if metaKey, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && metaKey != "" && len(values) > 0 {
			meta[metaKey] = strings.Join(values, ",")
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// extractHeaders captures the content headers stored with an object.
func extractHeaders(r *http.Request) metadata.Headers {
	h := metadata.Headers{
		ContentType:        r.Header.Get("Content-Type"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       r.Header.Get("x-amz-storage-class"),
	}
	if h.ContentType == "" {
		h.ContentType = defaultContentType
	}
	return h
}

// parseTaggingHeader decodes the URL-encoded x-amz-tagging header.
func parseTaggingHeader(v string) ([]metadata.Tag, error) {
	if v == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(v)
	if err != nil {
		return nil, s3err.Wrapf(s3err.ErrInvalidTag, "malformed x-amz-tagging header")
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	tags := make([]metadata.Tag, 0, len(keys))
	for _, k := range keys {
		if len(values[k]) > 1 {
			return nil, s3err.Wrapf(s3err.ErrInvalidTag, "duplicate tag key %q", k)
		}
		tags = append(tags, metadata.Tag{Key: k, Value: values[k][0]})
	}
	return tags, nil
}

func tagsToXML(tags []metadata.Tag) xmlutil.Tagging {
	out := xmlutil.Tagging{TagSet: make([]xmlutil.Tag, 0, len(tags))}
	for _, t := range tags {
		out.TagSet = append(out.TagSet, xmlutil.Tag{Key: t.Key, Value: t.Value})
	}
	return out
}

func tagsFromXML(t xmlutil.Tagging) []metadata.Tag {
	tags := make([]metadata.Tag, 0, len(t.TagSet))
	for _, tag := range t.TagSet {
		tags = append(tags, metadata.Tag{Key: tag.Key, Value: tag.Value})
	}
	return tags
}

// parseCopySource parses the X-Amz-Copy-Source header: an optionally
// leading-slash "bucket/key" path, URL-encoded, with an optional
// ?versionId= suffix.
func parseCopySource(header string) (engine.CopySource, error) {
	path, query, _ := strings.Cut(header, "?")
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return engine.CopySource{}, s3err.Wrapf(s3err.ErrInvalidArgument, "malformed x-amz-copy-source")
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(decoded, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return engine.CopySource{}, s3err.Wrapf(s3err.ErrInvalidArgument, "x-amz-copy-source must be bucket/key")
	}
	src := engine.CopySource{Bucket: bucket, Key: key}
	if query != "" {
		q, err := url.ParseQuery(query)
		if err != nil {
			return engine.CopySource{}, s3err.Wrapf(s3err.ErrInvalidArgument, "malformed x-amz-copy-source")
		}
		src.VersionID = q.Get("versionId")
	}
	return src, nil
}

// setObjectResponseHeaders sets the standard S3 object response headers
// from an object document. This is used by GetObject and HeadObject.
func setObjectResponseHeaders(w http.ResponseWriter, obj *metadata.Object) {
	h := w.Header()
	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)
	h.Set("ETag", obj.ETag)
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))

	if obj.ContentEncoding != "" {
		h.Set("Content-Encoding", obj.ContentEncoding)
	}
	if obj.ContentLanguage != "" {
		h.Set("Content-Language", obj.ContentLanguage)
	}
	if obj.ContentDisposition != "" {
		h.Set("Content-Disposition", obj.ContentDisposition)
	}
	if obj.CacheControl != "" {
		h.Set("Cache-Control", obj.CacheControl)
	}
	if obj.Expires != "" {
		h.Set("Expires", obj.Expires)
	}
	if obj.StorageClass != "" && obj.StorageClass != "STANDARD" {
		h.Set("x-amz-storage-class", obj.StorageClass)
	}
	if obj.PartsCount > 0 {
		h.Set("x-amz-mp-parts-count", strconv.Itoa(obj.PartsCount))
	}
	if len(obj.Tags) > 0 {
		h.Set("x-amz-tagging-count", strconv.Itoa(len(obj.Tags)))
	}
	setVersionHeader(w, obj.VersionID)

	for key, value := range obj.UserMetadata {
		h.Set("x-amz-meta-"+strings.ToLower(key), value)
	}
}

// setVersionHeader reports a version id. The null version of an
// unversioned key is not announced.
func setVersionHeader(w http.ResponseWriter, vid string) {
	if vid != "" && vid != "null" {
		w.Header().Set("x-amz-version-id", vid)
	}
}

// applyResponseOverrides applies response-* query parameter overrides to the
// response headers. These are used for presigned URLs to override content headers.
func applyResponseOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	overrides := map[string]string{
		"response-content-type":        "Content-Type",
		"response-content-language":    "Content-Language",
		"response-expires":             "Expires",
		"response-cache-control":       "Cache-Control",
		"response-content-disposition": "Content-Disposition",
		"response-content-encoding":    "Content-Encoding",
	}
	for param, header := range overrides {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}
}

// writeConditionalHeaders describes the object on 304 and 412 responses.
func writeConditionalHeaders(w http.ResponseWriter, obj *metadata.Object) {
	if obj == nil {
		return
	}
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	setVersionHeader(w, obj.VersionID)
}

// queryInt parses an optional integer query parameter. given reports
// whether the parameter was present.
func queryInt(q url.Values, name string) (n int, given bool, err error) {
	v := q.Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, s3err.Wrapf(s3err.ErrInvalidArgument, "%s must be an integer", name)
	}
	return n, true, nil
}

// encodingType validates the encoding-type query parameter.
func encodingType(q url.Values) (string, error) {
	enc := q.Get("encoding-type")
	if enc != "" && enc != "url" {
		return "", s3err.Wrapf(s3err.ErrInvalidArgument, "invalid encoding-type %q", enc)
	}
	return enc, nil
}

// requestOwner returns the principal of r, or the anonymous owner.
func requestOwner(r *http.Request) (id, displayName string) {
	id, displayName = auth.OwnerFromContext(r.Context())
	if id == "" {
		return engine.AnonymousOwner.ID, engine.AnonymousOwner.DisplayName
	}
	return id, displayName
}

func ownerXML(o metadata.Owner) xmlutil.Owner {
	return xmlutil.Owner{ID: o.ID, DisplayName: o.DisplayName}
}
