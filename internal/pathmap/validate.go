package pathmap

import (
	"regexp"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

const (
	MaxKeyLength  = 1024
	MaxPartNumber = 10000
)

// bucketNameRegex validates bucket names per S3 naming rules:
// - 3-63 characters
// - Lowercase letters, numbers, hyphens, and periods only
// - Must begin and end with a letter or number
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

var uploadIDRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

var versionIDRegex = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// BucketNameError describes why name is not a valid bucket name, or
// returns "" for valid names.
func BucketNameError(name string) string {
	if len(name) < 3 || len(name) > 63 {
		return "Bucket name must be between 3 and 63 characters long"
	}
	if !bucketNameRegex.MatchString(name) {
		return "Bucket name can only contain lowercase letters, numbers, hyphens, and periods"
	}
	if ipAddressRegex.MatchString(name) {
		return "Bucket name must not be formatted as an IP address"
	}
	if strings.HasPrefix(name, "xn--") {
		return "Bucket name must not start with xn--"
	}
	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return "Bucket name must not end with -s3alias or --ol-s3"
	}
	if strings.Contains(name, "..") || strings.Contains(name, "--") {
		return "Bucket name must not contain consecutive periods or hyphens"
	}
	if strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return "Bucket name must not contain a period next to a hyphen"
	}
	return ""
}

// ValidateBucketName returns InvalidBucketName for names breaking the rules.
func ValidateBucketName(name string) error {
	if msg := BucketNameError(name); msg != "" {
		return s3err.Wrapf(s3err.ErrInvalidBucketName, "%s: %q", msg, name)
	}
	return nil
}

// ValidateKey rejects keys that are too long, contain NUL, are absolute,
// climb out of the bucket or reach into the reserved namespace.
func ValidateKey(key string) error {
	if key == "" {
		return s3err.Wrapf(s3err.ErrInvalidArgument, "empty key")
	}
	if len(key) > MaxKeyLength {
		return s3err.Wrapf(s3err.ErrKeyTooLongError, "key is %d bytes", len(key))
	}
	if strings.IndexByte(key, 0) >= 0 {
		return s3err.Wrapf(s3err.ErrInvalidArgument, "key contains NUL")
	}
	if strings.HasPrefix(key, "/") {
		return s3err.Wrapf(s3err.ErrInvalidArgument, "absolute key %q", key)
	}
	for _, c := range strings.Split(key, "/") {
		if c == ".." {
			return s3err.Wrapf(s3err.ErrInvalidArgument, "key %q escapes the bucket", key)
		}
	}
	if key == ReservedDir || strings.HasPrefix(key, ReservedDir+"/") {
		return s3err.Wrapf(s3err.ErrInvalidArgument, "key %q is in the reserved namespace", key)
	}
	return nil
}

// ValidateUploadID returns NoSuchUpload for ids the engine cannot have issued.
func ValidateUploadID(id string) error {
	if !uploadIDRegex.MatchString(id) {
		return s3err.Wrapf(s3err.ErrNoSuchUpload, "malformed upload id %q", id)
	}
	return nil
}

// ValidatePartNumber checks 1 <= n <= 10000.
func ValidatePartNumber(n int) error {
	if n < 1 || n > MaxPartNumber {
		return s3err.Wrapf(s3err.ErrInvalidArgument, "part number %d must be between 1 and %d", n, MaxPartNumber)
	}
	return nil
}

// ValidateVersionID accepts "null" and engine-issued version ids.
func ValidateVersionID(v string) error {
	if v == NullVersion || versionIDRegex.MatchString(v) {
		return nil
	}
	return s3err.Wrapf(s3err.ErrInvalidArgument, "invalid version id %q", v)
}
