package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// canonicalRequest is the SigV4 canonical request:
// method, URI, query, headers, signed header list and payload hash, one
// per line.
func canonicalRequest(r *http.Request, query url.Values, signedHeaders []string, payloadHash string) string {
	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL.EscapedPath()),
		canonicalQueryString(query),
		canonicalHeaders(r, signedHeaders),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func stringToSign(amzDate, scope, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return strings.Join([]string{algorithm, amzDate, scope, hex.EncodeToString(sum[:])}, "\n")
}

// deriveSigningKey runs the HMAC chain date, region, service, aws4_request.
func deriveSigningKey(secretKey, date, region, svc string) []byte {
	key := []byte("AWS4" + secretKey)
	for _, step := range []string{date, region, svc, scopeTerminator} {
		key = hmacSHA256(key, step)
	}
	return key
}

// canonicalURI re-encodes each segment of an escaped path. Slashes stay;
// an empty path becomes "/".
func canonicalURI(escaped string) string {
	if escaped == "" {
		return "/"
	}
	segments := strings.Split(escaped, "/")
	for i, seg := range segments {
		if raw, err := url.PathUnescape(seg); err == nil {
			seg = raw
		}
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString encodes every key=value pair and sorts the pairs.
// Valueless parameters appear as "acl=".
func canonicalQueryString(values url.Values) string {
	pairs := make([]string, 0, len(values))
	for key, vals := range values {
		k := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, k+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, k+"="+URIEncode(val, true))
		}
	}
	slices.Sort(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders writes "name:value\n" for each signed header. Multiple
// values are joined with commas and runs of whitespace collapse to one
// space. Host and Content-Length come from the request fields net/http
// moves them to.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		switch name {
		case "host":
			values = []string{r.Host}
			if r.Host == "" {
				values = []string{r.Header.Get("Host")}
			}
		case "content-length":
			if v := r.Header.Get("Content-Length"); v != "" {
				values = []string{v}
			} else if r.ContentLength > 0 {
				values = []string{strconv.FormatInt(r.ContentLength, 10)}
			}
		default:
			values = r.Header.Values(name)
		}
		trimmed := make([]string, len(values))
		for i, val := range values {
			trimmed[i] = strings.Join(strings.Fields(val), " ")
		}
		sb.WriteString(name + ":" + strings.Join(trimmed, ",") + "\n")
	}
	return sb.String()
}

// URIEncode percent-encodes s the way SigV4 requires: everything except
// unreserved characters, with uppercase hex. Slashes are kept unless
// encodeSlash is set.
func URIEncode(s string, encodeSlash bool) string {
	const hexUpper = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~',
			c == '/' && !encodeSlash:
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hexUpper[c>>4])
			sb.WriteByte(hexUpper[c&0x0f])
		}
	}
	return sb.String()
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
