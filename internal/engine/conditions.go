package engine

import (
	"net/http"
	"strings"
	"time"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

// Conditions are the RFC 7232 preconditions of a read or copy. Zero times
// mean the header was absent or unparseable.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// ConditionsFromHeaders reads If-* headers. For copies pass the
// x-amz-copy-source-if- prefix.
func ConditionsFromHeaders(h http.Header, prefix string) Conditions {
	c := Conditions{
		IfMatch:     h.Get(prefix + "Match"),
		IfNoneMatch: h.Get(prefix + "None-Match"),
	}
	if t, err := http.ParseTime(h.Get(prefix + "Modified-Since")); err == nil {
		c.IfModifiedSince = t
	}
	if t, err := http.ParseTime(h.Get(prefix + "Unmodified-Since")); err == nil {
		c.IfUnmodifiedSince = t
	}
	return c
}

// Empty reports whether no precondition is set.
func (c Conditions) Empty() bool {
	return c.IfMatch == "" && c.IfNoneMatch == "" && c.IfModifiedSince.IsZero() && c.IfUnmodifiedSince.IsZero()
}

// Check evaluates c against an object in RFC 7232 order. For reads a
// matching If-None-Match or a failed If-Modified-Since yields NotModified;
// otherwise every failure is PreconditionFailed.
func (c Conditions) Check(etag string, lastModified time.Time, read bool) error {
	lm := lastModified.Truncate(time.Second)

	if c.IfMatch != "" {
		if !etagListMatches(c.IfMatch, etag) {
			return s3err.Wrapf(s3err.ErrPreconditionFailed, "If-Match")
		}
	} else if !c.IfUnmodifiedSince.IsZero() && lm.After(c.IfUnmodifiedSince.Truncate(time.Second)) {
		return s3err.Wrapf(s3err.ErrPreconditionFailed, "If-Unmodified-Since")
	}

	if c.IfNoneMatch != "" {
		if etagListMatches(c.IfNoneMatch, etag) {
			if read {
				return s3err.New(s3err.ErrNotModified)
			}
			return s3err.Wrapf(s3err.ErrPreconditionFailed, "If-None-Match")
		}
	} else if !c.IfModifiedSince.IsZero() && !lm.After(c.IfModifiedSince.Truncate(time.Second)) {
		if read {
			return s3err.New(s3err.ErrNotModified)
		}
		return s3err.Wrapf(s3err.ErrPreconditionFailed, "If-Modified-Since")
	}
	return nil
}

func etagListMatches(list, etag string) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	want := strings.Trim(etag, `"`)
	for _, tag := range strings.Split(list, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if strings.Trim(tag, `"`) == want {
			return true
		}
	}
	return false
}
