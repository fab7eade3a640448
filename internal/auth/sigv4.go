// Package auth implements AWS Signature Version 4 request authentication
// against a single static credential pair.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	service         = "s3"

	unsignedPayload  = "UNSIGNED-PAYLOAD"
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	emptySHA256      = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	amzDateFormat = "20060102T150405Z"
	amzDateShort  = "20060102"

	// Presigned URLs live at most seven days.
	maxPresignedExpiry = 7 * 24 * time.Hour
	clockSkewTolerance = 15 * time.Minute

	signingKeyCacheSize = 64
)

type ownerKey struct{}

type owner struct{ id, displayName string }

// OwnerFromContext returns the identity stored by WithOwner. Both values
// are empty for anonymous requests.
func OwnerFromContext(ctx context.Context) (ownerID, displayName string) {
	o, _ := ctx.Value(ownerKey{}).(owner)
	return o.id, o.displayName
}

// WithOwner returns a context carrying the given owner identity.
func WithOwner(ctx context.Context, ownerID, displayName string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner{ownerID, displayName})
}

// Credential is the access key pair requests are signed with.
type Credential struct {
	AccessKey string
	SecretKey string
}

// Signature describes a verified request. Streaming bodies continue the
// signature chain from Seed.
type Signature struct {
	AccessKey  string
	AmzDate    string
	Scope      string
	Seed       string
	SigningKey []byte
	// PayloadHash is the x-amz-content-sha256 value the request was signed
	// with.
	PayloadHash string
}

// Verifier checks SigV4 signatures made with one credential.
type Verifier struct {
	cred   Credential
	region string
	now    func() time.Time
	keys   *lru.Cache[credentialScope, []byte]
}

// NewVerifier returns a Verifier accepting requests signed with cred. The
// scope region is not compared with region: S3 SDKs talking to a
// single-region server sign with whatever region they were configured for.
func NewVerifier(cred Credential, region string) *Verifier {
	keys, _ := lru.New[credentialScope, []byte](signingKeyCacheSize)
	return &Verifier{cred: cred, region: region, now: time.Now, keys: keys}
}

// credentialScope is the date/region/service part of a credential.
type credentialScope struct {
	Date    string
	Region  string
	Service string
}

func (s credentialScope) String() string {
	return s.Date + "/" + s.Region + "/" + s.Service + "/" + scopeTerminator
}

// signingKey returns the derived key of scope. Keys depend only on the
// scope and the fixed secret, so cached entries never go stale.
func (v *Verifier) signingKey(scope credentialScope) []byte {
	if key, ok := v.keys.Get(scope); ok {
		return key
	}
	key := deriveSigningKey(v.cred.SecretKey, scope.Date, scope.Region, scope.Service)
	v.keys.Add(scope, key)
	return key
}

// parseCredential splits "AKID/date/region/service/aws4_request".
func parseCredential(credential string) (string, credentialScope, error) {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 {
		return "", credentialScope{}, errors.New("invalid credential format")
	}
	if parts[4] != scopeTerminator {
		return "", credentialScope{}, errors.New("invalid credential scope terminator: " + parts[4])
	}
	return parts[0], credentialScope{Date: parts[1], Region: parts[2], Service: parts[3]}, nil
}

type authHeader struct {
	AccessKey     string
	Scope         credentialScope
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader reads
// "AWS4-HMAC-SHA256 Credential=..., SignedHeaders=a;b, Signature=hex".
func parseAuthorizationHeader(header string) (*authHeader, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return nil, errors.New("unsupported algorithm")
	}
	fields := make(map[string]string, 3)
	for _, part := range strings.Split(rest, ",") {
		if k, val, ok := strings.Cut(strings.TrimSpace(part), "="); ok {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	for _, name := range []string{"Credential", "SignedHeaders", "Signature"} {
		if fields[name] == "" {
			return nil, errors.New("missing " + name)
		}
	}
	akid, scope, err := parseCredential(fields["Credential"])
	if err != nil {
		return nil, err
	}
	return &authHeader{
		AccessKey:     akid,
		Scope:         scope,
		SignedHeaders: strings.Split(fields["SignedHeaders"], ";"),
		Signature:     fields["Signature"],
	}, nil
}

func accessDenied(format string, args ...any) error {
	return s3err.Wrapf(s3err.ErrAccessDenied, format, args...)
}

// checkAccessKey compares in constant time.
func (v *Verifier) checkAccessKey(akid string) error {
	if subtle.ConstantTimeCompare([]byte(akid), []byte(v.cred.AccessKey)) != 1 {
		return s3err.New(s3err.ErrInvalidAccessKeyId)
	}
	return nil
}

// sign computes the signature of canonical under scope and compares it to
// got. The returned Signature seeds streaming verification.
func (v *Verifier) sign(akid string, scope credentialScope, amzDate, canonical, got, payloadHash string) (*Signature, error) {
	if scope.Date != amzDate[:len(amzDateShort)] {
		return nil, s3err.New(s3err.ErrSignatureDoesNotMatch)
	}
	key := v.signingKey(scope)
	want := hex.EncodeToString(hmacSHA256(key, stringToSign(amzDate, scope.String(), canonical)))
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return nil, s3err.New(s3err.ErrSignatureDoesNotMatch)
	}
	return &Signature{
		AccessKey:   akid,
		AmzDate:     amzDate,
		Scope:       scope.String(),
		Seed:        want,
		SigningKey:  key,
		PayloadHash: payloadHash,
	}, nil
}

// requestTime reads X-Amz-Date, falling back to an RFC 1123 Date header.
// The returned string is always in amzDateFormat.
func requestTime(r *http.Request) (time.Time, string, error) {
	if raw := r.Header.Get("X-Amz-Date"); raw != "" {
		t, err := time.Parse(amzDateFormat, raw)
		if err != nil {
			return time.Time{}, "", accessDenied("invalid X-Amz-Date %q", raw)
		}
		return t, raw, nil
	}
	raw := r.Header.Get("Date")
	if raw == "" {
		return time.Time{}, "", accessDenied("missing X-Amz-Date or Date header")
	}
	t, err := time.Parse(time.RFC1123, raw)
	if err != nil {
		return time.Time{}, "", accessDenied("invalid Date %q", raw)
	}
	return t, t.UTC().Format(amzDateFormat), nil
}

// VerifyRequest validates the signature carried in the Authorization header.
func (v *Verifier) VerifyRequest(r *http.Request) (*Signature, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, accessDenied("missing Authorization header")
	}
	auth, err := parseAuthorizationHeader(header)
	if err != nil {
		return nil, accessDenied("invalid Authorization header: %v", err)
	}
	if err := v.checkAccessKey(auth.AccessKey); err != nil {
		return nil, err
	}
	at, amzDate, err := requestTime(r)
	if err != nil {
		return nil, err
	}
	if skew := v.now().Sub(at); skew > clockSkewTolerance || skew < -clockSkewTolerance {
		return nil, s3err.New(s3err.ErrRequestTimeTooSkewed)
	}

	// Plain SigV4 clients omit x-amz-content-sha256 and sign the body hash.
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		sum := emptySHA256
		if r.Body != nil && r.Body != http.NoBody {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, s3err.Wrap(s3err.ErrIncompleteBody, err)
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			h := sha256.Sum256(body)
			sum = hex.EncodeToString(h[:])
		}
		r.Header.Set("X-Amz-Content-Sha256", sum)
	}
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")

	canonical := canonicalRequest(r, r.URL.Query(), auth.SignedHeaders, payloadHash)
	return v.sign(auth.AccessKey, auth.Scope, amzDate, canonical, auth.Signature, payloadHash)
}

// VerifyPresigned validates a presigned URL.
func (v *Verifier) VerifyPresigned(r *http.Request) (*Signature, error) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != algorithm {
		return nil, accessDenied("unsupported algorithm")
	}
	for _, name := range []string{"X-Amz-Credential", "X-Amz-Date", "X-Amz-Expires", "X-Amz-SignedHeaders", "X-Amz-Signature"} {
		if q.Get(name) == "" {
			return nil, accessDenied("missing %s", name)
		}
	}
	akid, scope, err := parseCredential(q.Get("X-Amz-Credential"))
	if err != nil {
		return nil, accessDenied("%v", err)
	}

	secs, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	expires := time.Duration(secs) * time.Second
	if err != nil || secs < 1 || expires > maxPresignedExpiry {
		return nil, s3err.Wrapf(s3err.ErrAuthorizationQueryParametersError, "invalid X-Amz-Expires value: %s", q.Get("X-Amz-Expires"))
	}
	amzDate := q.Get("X-Amz-Date")
	at, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, accessDenied("invalid X-Amz-Date format")
	}
	now := v.now()
	switch {
	case now.After(at.Add(expires)):
		return nil, accessDenied("request has expired")
	case at.Sub(now) > clockSkewTolerance:
		return nil, accessDenied("request is not yet valid")
	}
	if err := v.checkAccessKey(akid); err != nil {
		return nil, err
	}

	signature := q.Get("X-Amz-Signature")
	q.Del("X-Amz-Signature")
	// UNSIGNED-PAYLOAD unless the client signed a hash.
	payloadHash := q.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	canonical := canonicalRequest(r, q, strings.Split(q.Get("X-Amz-SignedHeaders"), ";"), payloadHash)
	return v.sign(akid, scope, amzDate, canonical, signature, unsignedPayload)
}

// Auth methods reported by DetectAuthMethod.
const (
	MethodNone      = "none"
	MethodHeader    = "header"
	MethodPresigned = "presigned"
	MethodAmbiguous = "ambiguous"
)

// DetectAuthMethod returns how the request is authenticated.
func DetectAuthMethod(r *http.Request) string {
	header := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	query := r.URL.Query().Get("X-Amz-Algorithm") != ""
	switch {
	case header && query:
		return MethodAmbiguous
	case header:
		return MethodHeader
	case query:
		return MethodPresigned
	}
	return MethodNone
}
