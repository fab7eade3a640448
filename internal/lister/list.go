package lister

import (
	"context"
	"encoding/base64"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/metadata"
)

// MaxKeys is the default and the cap of max-keys and max-uploads.
const MaxKeys = 1000

// EncodeToken turns the last key or common prefix of a page into a
// continuation token.
func EncodeToken(last string) string {
	if last == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(last))
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return "", s3err.Wrapf(s3err.ErrInvalidArgument, "invalid continuation token")
	}
	return string(raw), nil
}

// NormalizeMax applies the default and cap to a max-keys style value.
// Negative values are rejected.
func NormalizeMax(n int, given bool) (int, error) {
	if !given {
		return MaxKeys, nil
	}
	if n < 0 {
		return 0, s3err.Wrapf(s3err.ErrInvalidArgument, "max-keys must not be negative")
	}
	return min(n, MaxKeys), nil
}

// rollup returns the common prefix key collapses into, or "".
func rollup(key, prefix, delimiter string) string {
	if delimiter == "" {
		return ""
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return ""
	}
	return prefix + rest[:i+len(delimiter)]
}

// ObjectsOptions selects one page of ListObjects or ListObjectsV2.
type ObjectsOptions struct {
	Prefix    string
	Delimiter string
	// After resumes strictly after this key or common prefix.
	After   string
	MaxKeys int
}

// ObjectsPage is one page of current objects.
type ObjectsPage struct {
	Objects        []*metadata.Object
	CommonPrefixes []string
	IsTruncated    bool
	// Next is the last key or common prefix emitted.
	Next string
}

// Objects lists the current, non-deleted objects of bucket.
func (l *Lister) Objects(ctx context.Context, bucket string, opts ObjectsOptions) (*ObjectsPage, error) {
	keys, err := l.scan(ctx, bucket, opts.Prefix)
	if err != nil {
		return nil, err
	}

	page := &ObjectsPage{}
	count := 0
	lastPrefix := ""
	for _, st := range keys {
		if st.corrupt {
			continue
		}
		v := st.latest()
		if v == nil || v.Doc.DeleteMarker {
			continue
		}

		if cp := rollup(st.key, opts.Prefix, opts.Delimiter); cp != "" {
			if cp <= opts.After || cp == lastPrefix {
				continue
			}
			if count == opts.MaxKeys {
				page.IsTruncated = true
				break
			}
			page.CommonPrefixes = append(page.CommonPrefixes, cp)
			lastPrefix = cp
			page.Next = cp
			count++
			continue
		}

		if st.key <= opts.After {
			continue
		}
		if count == opts.MaxKeys {
			page.IsTruncated = true
			break
		}
		page.Objects = append(page.Objects, v.Doc)
		page.Next = st.key
		count++
	}
	return page, nil
}

// VersionsOptions selects one page of ListObjectVersions.
type VersionsOptions struct {
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// VersionEntry is one version or delete marker in a listing.
type VersionEntry struct {
	Doc      *metadata.Object
	IsLatest bool
}

// VersionsPage is one page of ListObjectVersions.
type VersionsPage struct {
	Versions            []VersionEntry
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// Versions lists every version and delete marker of bucket, by key and
// newest first within a key.
func (l *Lister) Versions(ctx context.Context, bucket string, opts VersionsOptions) (*VersionsPage, error) {
	keys, err := l.scan(ctx, bucket, opts.Prefix)
	if err != nil {
		return nil, err
	}

	page := &VersionsPage{}
	count := 0
	lastPrefix := ""
	full := func() bool {
		if count == opts.MaxKeys {
			page.IsTruncated = true
			return true
		}
		return false
	}

keys:
	for _, st := range keys {
		if len(st.versions) == 0 || st.key < opts.KeyMarker {
			continue
		}

		if cp := rollup(st.key, opts.Prefix, opts.Delimiter); cp != "" {
			if cp <= opts.KeyMarker || cp == lastPrefix {
				continue
			}
			if full() {
				break
			}
			page.CommonPrefixes = append(page.CommonPrefixes, cp)
			lastPrefix = cp
			page.NextKeyMarker, page.NextVersionIDMarker = cp, ""
			count++
			continue
		}

		versions := st.versions
		if st.key == opts.KeyMarker {
			if opts.VersionIDMarker == "" {
				continue
			}
			versions = afterVersion(versions, opts.VersionIDMarker)
		}
		for _, v := range versions {
			if full() {
				break keys
			}
			page.Versions = append(page.Versions, VersionEntry{Doc: v.Doc, IsLatest: v.Doc == st.versions[0].Doc})
			page.NextKeyMarker, page.NextVersionIDMarker = st.key, v.Doc.VersionID
			count++
		}
	}
	if !page.IsTruncated {
		page.NextKeyMarker, page.NextVersionIDMarker = "", ""
	}
	return page, nil
}

// afterVersion returns the versions that follow the one with id marker.
// An unknown marker skips nothing.
func afterVersion(vs []Version, marker string) []Version {
	for i, v := range vs {
		if v.Doc.VersionID == marker {
			return vs[i+1:]
		}
	}
	return vs
}

// UploadsOptions selects one page of ListMultipartUploads.
type UploadsOptions struct {
	Prefix         string
	Delimiter      string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// UploadsPage is one page of in-progress uploads.
type UploadsPage struct {
	Uploads            []*metadata.Manifest
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// Uploads lists the in-progress multipart uploads of bucket.
func (l *Lister) Uploads(ctx context.Context, bucket string, opts UploadsOptions) (*UploadsPage, error) {
	all, err := l.uploads.Uploads(ctx, bucket)
	if err != nil {
		return nil, err
	}

	skip := uploadsSkipper(all, opts.KeyMarker, opts.UploadIDMarker)

	page := &UploadsPage{}
	count := 0
	lastPrefix := ""
	for i, u := range all {
		if skip(i, u) || !strings.HasPrefix(u.Key, opts.Prefix) {
			continue
		}
		if cp := rollup(u.Key, opts.Prefix, opts.Delimiter); cp != "" {
			if cp <= opts.KeyMarker || cp == lastPrefix {
				continue
			}
			if count == opts.MaxUploads {
				page.IsTruncated = true
				break
			}
			page.CommonPrefixes = append(page.CommonPrefixes, cp)
			lastPrefix = cp
			page.NextKeyMarker, page.NextUploadIDMarker = cp, ""
			count++
			continue
		}
		if count == opts.MaxUploads {
			page.IsTruncated = true
			break
		}
		page.Uploads = append(page.Uploads, u)
		page.NextKeyMarker, page.NextUploadIDMarker = u.Key, u.UploadID
		count++
	}
	if !page.IsTruncated {
		page.NextKeyMarker, page.NextUploadIDMarker = "", ""
	}
	return page, nil
}

// uploadsSkipper returns a predicate selecting the uploads at or before
// the marker position. Without an upload id marker every upload of the
// marker key is skipped. A marker upload that no longer exists is
// compared by upload id.
func uploadsSkipper(all []*metadata.Manifest, keyMarker, idMarker string) func(int, *metadata.Manifest) bool {
	if keyMarker == "" {
		return func(int, *metadata.Manifest) bool { return false }
	}
	found := -1
	if idMarker != "" {
		for i, u := range all {
			if u.Key == keyMarker && u.UploadID == idMarker {
				found = i
				break
			}
		}
	}
	return func(i int, u *metadata.Manifest) bool {
		switch {
		case u.Key < keyMarker:
			return true
		case u.Key > keyMarker:
			return false
		case idMarker == "":
			return true
		case found >= 0:
			return i <= found
		default:
			return u.UploadID <= idMarker
		}
	}
}
