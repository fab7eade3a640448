package auth

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/metrics": true,
}

// Middleware authenticates requests and decodes aws-chunked bodies. With a
// nil verifier every request passes as anonymous and signatures are not
// checked. On success the access key is set as the owner on the request
// context.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var sig *Signature
			if verifier != nil {
				var err error
				switch DetectAuthMethod(r) {
				case MethodNone:
					err = s3err.Wrapf(s3err.ErrAccessDenied, "anonymous request")
				case MethodAmbiguous:
					err = s3err.New(s3err.ErrAmbiguousAuth)
				case MethodHeader:
					sig, err = verifier.VerifyRequest(r)
				case MethodPresigned:
					sig, err = verifier.VerifyPresigned(r)
				}
				if err != nil {
					writeAuthError(w, r, err)
					return
				}
				r = r.WithContext(WithOwner(r.Context(), sig.AccessKey, sig.AccessKey))
			}

			if err := decodeStreamingBody(r, sig); err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeStreamingBody replaces an aws-chunked body with its decoded
// payload. Chunk signatures are verified when sig is known.
func decodeStreamingBody(r *http.Request, sig *Signature) error {
	mode, err := ParseStreamingMode(r.Header.Get("X-Amz-Content-Sha256"))
	if err != nil || mode == StreamingNone {
		return err
	}
	decoded := int64(-1)
	if v := r.Header.Get("X-Amz-Decoded-Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return s3err.Wrapf(s3err.ErrInvalidArgument, "invalid x-amz-decoded-content-length %q", v)
		}
		decoded = n
	}
	if mode.signed() && sig == nil {
		slog.Debug("Decoding signed chunks without verification", "path", r.URL.Path)
	}

	r.Body = chunkedBody{
		Reader: NewChunkedReader(r.Body, ChunkedOptions{
			Mode:          mode,
			Signature:     sig,
			Trailers:      ParseTrailerNames(r.Header.Get("X-Amz-Trailer")),
			DecodedLength: decoded,
		}),
		Closer: r.Body,
	}
	r.ContentLength = decoded
	r.Header.Del("Content-Length")
	r.Header.Del("X-Amz-Decoded-Content-Length")
	if enc := stripChunkedEncoding(r.Header.Get("Content-Encoding")); enc != "" {
		r.Header.Set("Content-Encoding", enc)
	} else {
		r.Header.Del("Content-Encoding")
	}
	return nil
}

type chunkedBody struct {
	io.Reader
	io.Closer
}

// stripChunkedEncoding removes aws-chunked from a Content-Encoding list.
func stripChunkedEncoding(header string) string {
	var keep []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part != "" && !strings.EqualFold(part, "aws-chunked") {
			keep = append(keep, part)
		}
	}
	return strings.Join(keep, ",")
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Debug("Authentication failed", "method", r.Method, "path", r.URL.Path, "error", err)
	xmlutil.WriteErrorResponse(w, r, s3err.ToS3(err))
}
