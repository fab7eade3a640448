package handlers

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

type multipartFixture struct {
	mp  *MultipartHandler
	obj *ObjectHandler
}

func newTestMultipartHandler(t *testing.T) *multipartFixture {
	t.Helper()
	e := newTestEngine(t)
	createBucket(t, NewBucketHandler(e), objBucket)
	return &multipartFixture{mp: NewMultipartHandler(e), obj: NewObjectHandler(e)}
}

func (f *multipartFixture) create(t *testing.T, key string, headers map[string]string) string {
	t.Helper()
	rec := serve(f.mp.CreateMultipartUpload, "POST", "/"+objBucket+"/"+key+"?uploads", "", headers)
	expectStatus(t, rec, http.StatusOK)
	var result xmlutil.InitiateMultipartUploadResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if result.UploadID == "" || result.Key != key {
		t.Fatalf("initiate result = %+v", result)
	}
	return result.UploadID
}

func (f *multipartFixture) upload(t *testing.T, key, uploadID string, n int, body string) string {
	t.Helper()
	target := fmt.Sprintf("/%s/%s?partNumber=%d&uploadId=%s", objBucket, key, n, uploadID)
	rec := serve(f.mp.UploadPart, "PUT", target, body, nil)
	expectStatus(t, rec, http.StatusOK)
	return rec.Header().Get("ETag")
}

func completeBody(etags ...string) string {
	var b strings.Builder
	b.WriteString("<CompleteMultipartUpload>")
	for i, etag := range etags {
		fmt.Fprintf(&b, "<Part><PartNumber>%d</PartNumber><ETag>%s</ETag></Part>", i+1, etag)
	}
	b.WriteString("</CompleteMultipartUpload>")
	return b.String()
}

func TestMultipartUploadLifecycle(t *testing.T) {
	f := newTestMultipartHandler(t)
	id := f.create(t, "big", map[string]string{"Content-Type": "video/mp4", "x-amz-meta-a": "b"})

	first := strings.Repeat("a", multipart.MinPartSize)
	e1 := f.upload(t, "big", id, 1, first)
	e2 := f.upload(t, "big", id, 2, "tail")

	rec := serve(f.mp.ListParts, "GET", "/"+objBucket+"/big?uploadId="+id, "", nil)
	expectStatus(t, rec, http.StatusOK)
	var parts xmlutil.ListPartsResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &parts); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if len(parts.Parts) != 2 || parts.Parts[0].ETag != e1 || parts.Parts[1].Size != 4 {
		t.Errorf("parts = %+v", parts.Parts)
	}

	rec = serve(f.mp.CompleteMultipartUpload, "POST", "/"+objBucket+"/big?uploadId="+id, completeBody(e1, e2), nil)
	expectStatus(t, rec, http.StatusOK)
	var done xmlutil.CompleteMultipartUploadResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &done); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if !strings.HasSuffix(done.ETag, `-2"`) {
		t.Errorf("multipart ETag = %q, want -2 suffix", done.ETag)
	}
	if done.Location != "http://example.com/"+objBucket+"/big" {
		t.Errorf("Location = %q", done.Location)
	}

	rec = serve(f.obj.HeadObject, "HEAD", "/"+objBucket+"/big", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get("Content-Length"); got != fmt.Sprint(len(first)+4) {
		t.Errorf("Content-Length = %s, want %d", got, len(first)+4)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
	if got := rec.Header().Get("x-amz-mp-parts-count"); got != "2" {
		t.Errorf("x-amz-mp-parts-count = %q, want 2", got)
	}

	rec = serve(f.obj.GetObject, "GET", "/"+objBucket+"/big", "", map[string]string{
		"Range": fmt.Sprintf("bytes=%d-", len(first)-1),
	})
	expectStatus(t, rec, http.StatusPartialContent)
	if rec.Body.String() != "atail" {
		t.Errorf("range across parts = %q, want atail", rec.Body.String())
	}

	// The upload is gone once completed.
	rec = serve(f.mp.ListParts, "GET", "/"+objBucket+"/big?uploadId="+id, "", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "NoSuchUpload")
}

func TestCompleteMultipartUploadErrors(t *testing.T) {
	f := newTestMultipartHandler(t)
	id := f.create(t, "k", nil)
	e1 := f.upload(t, "k", id, 1, "small")
	e2 := f.upload(t, "k", id, 2, "parts")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"too small", completeBody(e1, e2), http.StatusBadRequest, "EntityTooSmall"},
		{"wrong etag", completeBody(`"deadbeef"`), http.StatusBadRequest, "InvalidPart"},
		{"out of order", `<CompleteMultipartUpload><Part><PartNumber>2</PartNumber><ETag>` + e2 +
			`</ETag></Part><Part><PartNumber>1</PartNumber><ETag>` + e1 + `</ETag></Part></CompleteMultipartUpload>`,
			http.StatusBadRequest, "InvalidPartOrder"},
		{"no parts", `<CompleteMultipartUpload></CompleteMultipartUpload>`, http.StatusBadRequest, "MalformedXML"},
		{"garbage", `<Complete`, http.StatusBadRequest, "MalformedXML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f.mp.CompleteMultipartUpload, "POST", "/"+objBucket+"/k?uploadId="+id, tt.body, nil)
			expectErrorCode(t, rec, tt.status, tt.code)
		})
	}

	// A failed completion leaves the upload intact.
	rec := serve(f.mp.CompleteMultipartUpload, "POST", "/"+objBucket+"/k?uploadId="+id, completeBody(e1), nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestUploadPartValidation(t *testing.T) {
	f := newTestMultipartHandler(t)
	id := f.create(t, "k", nil)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"part zero", "/" + objBucket + "/k?partNumber=0&uploadId=" + id, http.StatusBadRequest, "InvalidArgument"},
		{"part too high", "/" + objBucket + "/k?partNumber=10001&uploadId=" + id, http.StatusBadRequest, "InvalidArgument"},
		{"not a number", "/" + objBucket + "/k?partNumber=one&uploadId=" + id, http.StatusBadRequest, "InvalidArgument"},
		{"unknown upload", "/" + objBucket + "/k?partNumber=1&uploadId=bogus", http.StatusNotFound, "NoSuchUpload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f.mp.UploadPart, "PUT", tt.target, "data", nil)
			expectErrorCode(t, rec, tt.status, tt.code)
		})
	}
}

func TestUploadPartReplace(t *testing.T) {
	f := newTestMultipartHandler(t)
	id := f.create(t, "k", nil)
	f.upload(t, "k", id, 1, "first")
	etag := f.upload(t, "k", id, 1, "second")

	rec := serve(f.mp.CompleteMultipartUpload, "POST", "/"+objBucket+"/k?uploadId="+id, completeBody(etag), nil)
	expectStatus(t, rec, http.StatusOK)

	rec = serve(f.obj.GetObject, "GET", "/"+objBucket+"/k", "", nil)
	if rec.Body.String() != "second" {
		t.Errorf("body = %q, want second", rec.Body.String())
	}
}

func TestUploadPartCopy(t *testing.T) {
	f := newTestMultipartHandler(t)
	putObject(t, f.obj, "source", "0123456789", nil)
	id := f.create(t, "dest", nil)

	rec := serve(f.mp.UploadPart, "PUT", "/"+objBucket+"/dest?partNumber=1&uploadId="+id, "", map[string]string{
		"X-Amz-Copy-Source":       "/" + objBucket + "/source",
		"X-Amz-Copy-Source-Range": "bytes=2-5",
	})
	expectStatus(t, rec, http.StatusOK)
	var result xmlutil.CopyPartResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if result.ETag == "" {
		t.Fatal("copy part returned no ETag")
	}

	rec = serve(f.mp.CompleteMultipartUpload, "POST", "/"+objBucket+"/dest?uploadId="+id, completeBody(result.ETag), nil)
	expectStatus(t, rec, http.StatusOK)

	rec = serve(f.obj.GetObject, "GET", "/"+objBucket+"/dest", "", nil)
	if rec.Body.String() != "2345" {
		t.Errorf("copied part = %q, want 2345", rec.Body.String())
	}

	rec = serve(f.mp.UploadPart, "PUT", "/"+objBucket+"/dest?partNumber=1&uploadId="+id, "", map[string]string{
		"X-Amz-Copy-Source": "/" + objBucket + "/missing",
	})
	expectStatus(t, rec, http.StatusNotFound)
}

func TestAbortMultipartUpload(t *testing.T) {
	f := newTestMultipartHandler(t)
	id := f.create(t, "k", nil)
	f.upload(t, "k", id, 1, "data")

	expectStatus(t, serve(f.mp.AbortMultipartUpload, "DELETE", "/"+objBucket+"/k?uploadId="+id, "", nil), http.StatusNoContent)

	// Aborting again is not an error.
	expectStatus(t, serve(f.mp.AbortMultipartUpload, "DELETE", "/"+objBucket+"/k?uploadId="+id, "", nil), http.StatusNoContent)

	rec := serve(f.mp.ListParts, "GET", "/"+objBucket+"/k?uploadId="+id, "", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "NoSuchUpload")

	rec = serve(f.obj.GetObject, "GET", "/"+objBucket+"/k", "", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestListMultipartUploads(t *testing.T) {
	f := newTestMultipartHandler(t)
	f.create(t, "logs/a", nil)
	f.create(t, "logs/b", nil)
	top := f.create(t, "top", nil)

	rec := serve(f.mp.ListMultipartUploads, "GET", "/"+objBucket+"?uploads&delimiter=/", "", nil)
	expectStatus(t, rec, http.StatusOK)
	var result xmlutil.ListMultipartUploadsResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if len(result.Uploads) != 1 || result.Uploads[0].UploadID != top {
		t.Errorf("uploads = %+v, want only top", result.Uploads)
	}
	if len(result.CommonPrefixes) != 1 || result.CommonPrefixes[0].Prefix != "logs/" {
		t.Errorf("common prefixes = %+v, want logs/", result.CommonPrefixes)
	}

	rec = serve(f.mp.ListMultipartUploads, "GET", "/"+objBucket+"?uploads&max-uploads=1", "", nil)
	result = xmlutil.ListMultipartUploadsResult{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if !result.IsTruncated || len(result.Uploads) != 1 || result.NextKeyMarker != "logs/a" {
		t.Errorf("truncated page = %+v", result)
	}
}

func TestListPartsPagination(t *testing.T) {
	f := newTestMultipartHandler(t)
	id := f.create(t, "k", nil)
	for n := 1; n <= 3; n++ {
		f.upload(t, "k", id, n, fmt.Sprintf("part-%d", n))
	}

	rec := serve(f.mp.ListParts, "GET", "/"+objBucket+"/k?uploadId="+id+"&max-parts=2", "", nil)
	expectStatus(t, rec, http.StatusOK)
	var page xmlutil.ListPartsResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if !page.IsTruncated || len(page.Parts) != 2 || page.NextPartNumberMarker != 2 {
		t.Fatalf("first page = %+v", page)
	}

	rec = serve(f.mp.ListParts, "GET", "/"+objBucket+"/k?uploadId="+id+"&part-number-marker=2", "", nil)
	page = xmlutil.ListPartsResult{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to parse XML: %v", err)
	}
	if page.IsTruncated || len(page.Parts) != 1 || page.Parts[0].PartNumber != 3 {
		t.Errorf("second page = %+v", page)
	}
}
