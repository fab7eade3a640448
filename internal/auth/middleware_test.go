package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

// echoHandler returns the decoded body and the owner as the response.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(s3err.ToS3(err).HTTPStatus)
			fmt.Fprint(w, s3err.ToS3(err).Code)
			return
		}
		owner, _ := OwnerFromContext(r.Context())
		w.Header().Set("X-Owner", owner)
		w.Header().Set("X-Length", strconv.FormatInt(r.ContentLength, 10))
		w.Write(body)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// signedChunks frames chunks as a signed aws-chunked body continuing the
// chain from sig.
func signedChunks(sig *Signature, chunks ...string) string {
	var b strings.Builder
	prev := sig.Seed
	for _, c := range append(chunks, "") {
		s := signChunk(sig.SigningKey, sig.AmzDate, sig.Scope, prev, sha256Hex(c))
		fmt.Fprintf(&b, "%x;chunk-signature=%s\r\n%s\r\n", len(c), s, c)
		prev = s
	}
	return b.String()
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestMiddlewareAnonymous(t *testing.T) {
	h := Middleware(nil)(echoHandler())
	w := serve(h, httptest.NewRequest("PUT", "/bucket/key", strings.NewReader("data")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Owner") != "" {
		t.Errorf("anonymous request got owner %q", w.Header().Get("X-Owner"))
	}
	if w.Body.String() != "data" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestMiddlewareRequiresSignature(t *testing.T) {
	h := Middleware(newTestVerifier())(echoHandler())

	w := serve(h, httptest.NewRequest("GET", "/bucket/key", nil))
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "<Code>AccessDenied</Code>") {
		t.Errorf("unsigned: %d %s", w.Code, w.Body.String())
	}

	r := httptest.NewRequest("GET", "/bucket/key?X-Amz-Algorithm=AWS4-HMAC-SHA256", nil)
	r.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=x")
	w = serve(h, r)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "<Code>InvalidArgument</Code>") {
		t.Errorf("ambiguous: %d %s", w.Code, w.Body.String())
	}

	w = serve(h, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}

	r = httptest.NewRequest("GET", "/bucket/key", nil)
	signRequest(t, r, testAccessKey, testSecretKey, testTime)
	w = serve(h, r)
	if w.Code != http.StatusOK || w.Header().Get("X-Owner") != testAccessKey {
		t.Errorf("signed: %d owner %q", w.Code, w.Header().Get("X-Owner"))
	}

	r = httptest.NewRequest("GET", "/bucket/key", nil)
	signRequest(t, r, testAccessKey, "nope", testTime)
	w = serve(h, r)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "<Code>SignatureDoesNotMatch</Code>") {
		t.Errorf("bad signature: %d %s", w.Code, w.Body.String())
	}

	r = presign(t, httptest.NewRequest("GET", "/bucket/key", nil), "300", testTime)
	w = serve(h, r)
	if w.Code != http.StatusOK || w.Header().Get("X-Owner") != testAccessKey {
		t.Errorf("presigned: %d owner %q", w.Code, w.Header().Get("X-Owner"))
	}
}

// streamingRequest returns a signed PUT announcing a chunked body of
// decoded bytes, and the signature its chunks continue.
func streamingRequest(t *testing.T, v *Verifier, decoded int) (*http.Request, *Signature) {
	t.Helper()
	r := httptest.NewRequest("PUT", "/bucket/key", nil)
	r.Header.Set("X-Amz-Content-Sha256", streamingPayload)
	r.Header.Set("X-Amz-Decoded-Content-Length", strconv.Itoa(decoded))
	r.Header.Set("Content-Encoding", "aws-chunked")
	signRequest(t, r, testAccessKey, testSecretKey, testTime)
	sig, err := v.VerifyRequest(r.Clone(r.Context()))
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	return r, sig
}

func TestMiddlewareSignedChunks(t *testing.T) {
	v := newTestVerifier()
	h := Middleware(v)(echoHandler())

	r, sig := streamingRequest(t, v, 11)
	body := signedChunks(sig, "hello ", "world")
	r.Body = io.NopCloser(strings.NewReader(body))
	w := serve(h, r)
	if w.Code != http.StatusOK || w.Body.String() != "hello world" {
		t.Fatalf("decoded: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Length") != "11" {
		t.Errorf("ContentLength = %s, want 11", w.Header().Get("X-Length"))
	}

	r, sig = streamingRequest(t, v, 11)
	tampered := strings.Replace(signedChunks(sig, "hello ", "world"), "world", "w0rld", 1)
	r.Body = io.NopCloser(strings.NewReader(tampered))
	w = serve(h, r)
	if w.Code != http.StatusForbidden || w.Body.String() != "SignatureDoesNotMatch" {
		t.Errorf("tampered: %d %q", w.Code, w.Body.String())
	}

	r, sig = streamingRequest(t, v, 20)
	r.Body = io.NopCloser(strings.NewReader(signedChunks(sig, "short")))
	w = serve(h, r)
	if w.Code != http.StatusBadRequest || w.Body.String() != "IncompleteBody" {
		t.Errorf("length mismatch: %d %q", w.Code, w.Body.String())
	}
}

func TestChunkedUnsignedTrailer(t *testing.T) {
	payload := "trailing checksum body"
	sum := crc32.ChecksumIEEE([]byte(payload))
	good := base64.StdEncoding.EncodeToString([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})

	frame := func(checksum string) string {
		return fmt.Sprintf("%x\r\n%s\r\n0\r\nx-amz-checksum-crc32:%s\r\n\r\n", len(payload), payload, checksum)
	}
	read := func(body string) (string, error) {
		cr := NewChunkedReader(strings.NewReader(body), ChunkedOptions{
			Mode:          StreamingUnsignedTrailer,
			Trailers:      []string{"x-amz-checksum-crc32"},
			DecodedLength: int64(len(payload)),
		})
		out, err := io.ReadAll(cr)
		return string(out), err
	}

	got, err := read(frame(good))
	if err != nil || got != payload {
		t.Fatalf("read = %q, %v", got, err)
	}
	if _, err := read(frame("AAAAAA==")); !s3err.Is(err, s3err.ErrBadDigest) {
		t.Errorf("bad checksum err = %v", err)
	}
	if _, err := read(fmt.Sprintf("%x\r\n%s", len(payload), payload[:5])); !s3err.Is(err, s3err.ErrIncompleteBody) {
		t.Errorf("truncated err = %v", err)
	}
}

func TestChunkedUnsignedAnonymous(t *testing.T) {
	h := Middleware(nil)(echoHandler())
	r := httptest.NewRequest("PUT", "/bucket/key", strings.NewReader("3\r\nabc\r\n0\r\n\r\n"))
	r.Header.Set("X-Amz-Content-Sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER")
	r.Header.Set("X-Amz-Decoded-Content-Length", "3")
	r.Header.Set("Content-Encoding", "aws-chunked,gzip")
	r.Header.Set("X-Amz-Trailer", "")
	w := serve(h, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("trailer mode without trailer names: %d %q", w.Code, w.Body.String())
	}

	r = httptest.NewRequest("PUT", "/bucket/key", strings.NewReader("3\r\nabc\r\n0\r\n\r\n"))
	r.Header.Set("X-Amz-Content-Sha256", "STREAMING-UNSIGNED-PAYLOAD")
	r.Header.Set("Content-Encoding", "aws-chunked,gzip")
	w = serve(Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s|%s", body, r.Header.Get("Content-Encoding"))
	})), r)
	if w.Body.String() != "abc|gzip" {
		t.Errorf("decoded = %q", w.Body.String())
	}
}

func TestParseStreamingMode(t *testing.T) {
	tests := map[string]StreamingMode{
		"":                                   StreamingNone,
		unsignedPayload:                      StreamingNone,
		emptySHA256:                          StreamingNone,
		"STREAMING-UNSIGNED-PAYLOAD-TRAILER": StreamingUnsignedTrailer,
		streamingPayload:                     StreamingSigned,
		streamingPayload + "-TRAILER":        StreamingSignedTrailer,
	}
	for in, want := range tests {
		got, err := ParseStreamingMode(in)
		if err != nil || got != want {
			t.Errorf("ParseStreamingMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseStreamingMode("STREAMING-BOGUS"); err == nil {
		t.Error("expected error for unknown streaming mode")
	}
}
