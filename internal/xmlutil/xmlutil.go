// Package xmlutil renders S3 XML responses and decodes S3 XML request
// bodies. The wire shapes live in types.go.
package xmlutil

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

const (
	s3NS      = "http://s3.amazonaws.com/doc/2006-03-01/"
	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

	// MaxRequestBody bounds the XML request bodies accepted by Decode.
	MaxRequestBody = 2 << 20
)

// Decode reads one XML document of at most MaxRequestBody bytes into v.
// Request documents may omit the S3 namespace. Empty, oversized or
// malformed bodies yield MalformedXML.
func Decode(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxRequestBody+1))
	switch {
	case err != nil:
		return s3err.Wrap(s3err.ErrIncompleteBody, err)
	case len(data) == 0:
		return s3err.Wrapf(s3err.ErrMalformedXML, "empty request body")
	case len(data) > MaxRequestBody:
		return s3err.Wrapf(s3err.ErrMalformedXML, "request body exceeds %d bytes", MaxRequestBody)
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.DefaultSpace = s3NS
	if err := dec.Decode(v); err != nil {
		return s3err.Wrap(s3err.ErrMalformedXML, err)
	}
	return nil
}

// Render writes v as a 200 XML response.
func Render(w http.ResponseWriter, v any) {
	writeXML(w, http.StatusOK, v)
}

// RenderError writes the <Error> document for e. Responses to HEAD and 304
// responses carry the status only.
func RenderError(w http.ResponseWriter, r *http.Request, e *s3err.S3Error, resource string) {
	if r.Method == http.MethodHead || e.HTTPStatus == http.StatusNotModified {
		w.WriteHeader(e.HTTPStatus)
		return
	}
	doc := ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  resource,
		RequestID: w.Header().Get("x-amz-request-id"),
	}
	names := make([]string, 0, len(e.ExtraFields))
	for name := range e.ExtraFields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		doc.Extra = append(doc.Extra, ErrorField{XMLName: xml.Name{Local: name}, Value: e.ExtraFields[name]})
	}
	writeXML(w, e.HTTPStatus, doc)
}

// WriteErrorResponse renders e with the request path as the resource.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, e *s3err.S3Error) {
	RenderError(w, r, e, r.URL.Path)
}

// RenderLocationConstraint writes the ?location response. us-east-1 is
// written as an empty constraint.
func RenderLocationConstraint(w http.ResponseWriter, region string) {
	if region == "us-east-1" {
		region = ""
	}
	writeXML(w, http.StatusOK, LocationConstraint{Location: region})
}

// FormatTimeS3 formats t as ISO 8601 in UTC with milliseconds.
func FormatTimeS3(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP formats t as an RFC 7231 HTTP date.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// EncodeKeyURL escapes key when the listing asked for encoding-type=url.
func EncodeKeyURL(key, encodingType string) string {
	if encodingType == "url" {
		return url.QueryEscape(key)
	}
	return key
}

func writeXML(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("encoding XML response", "type", fmt.Sprintf("%T", v), "error", err)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
