// Package pathmap translates buckets, keys, versions and uploads into
// paths under the storage root, and validates their syntax.
package pathmap

import (
	"encoding/hex"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/s3sfs/s3sfs/internal/fsutil"
)

const (
	// ReservedDir is the per-bucket directory holding engine state.
	ReservedDir = ".s3s"
	// SidecarSuffix marks the metadata file of a verbatim object.
	SidecarSuffix = ".s3s-meta"
	// TempPrefix starts the name of every temp file the engine writes.
	TempPrefix = fsutil.TempPrefix
	// MetaSuffix marks the metadata file of a hashed version.
	MetaSuffix = ".meta"
	// NullVersion is the version id of unversioned objects.
	NullVersion = "null"

	bucketMetaName = "bucket.meta"
	manifestName   = "manifest"
	maxComponent   = 255
)

// Mapper owns every on-disk path below the storage root.
type Mapper struct {
	root string
}

// New returns a Mapper rooted at root, which must be absolute.
func New(root string) *Mapper {
	return &Mapper{root: filepath.Clean(root)}
}

func (m *Mapper) Root() string { return m.root }

func (m *Mapper) BucketDir(bucket string) string {
	return filepath.Join(m.root, bucket)
}

func (m *Mapper) ReservedPath(bucket string) string {
	return filepath.Join(m.root, bucket, ReservedDir)
}

func (m *Mapper) BucketMetaPath(bucket string) string {
	return filepath.Join(m.ReservedPath(bucket), bucketMetaName)
}

// TempDir is the staging directory for blobs of bucket.
func (m *Mapper) TempDir(bucket string) string {
	return filepath.Join(m.ReservedPath(bucket), "tmp")
}

func (m *Mapper) UploadsDir(bucket string) string {
	return filepath.Join(m.ReservedPath(bucket), "uploads")
}

func (m *Mapper) UploadDir(bucket, uploadID string) string {
	return filepath.Join(m.UploadsDir(bucket), uploadID)
}

func (m *Mapper) ManifestPath(bucket, uploadID string) string {
	return filepath.Join(m.UploadDir(bucket, uploadID), manifestName)
}

func (m *Mapper) PartPath(bucket, uploadID string, partNumber int) string {
	return filepath.Join(m.UploadDir(bucket, uploadID), strconv.Itoa(partNumber))
}

// VersionsRoot holds one directory per key that has hashed versions.
func (m *Mapper) VersionsRoot(bucket string) string {
	return filepath.Join(m.ReservedPath(bucket), "versions")
}

func (m *Mapper) VersionsDir(bucket, key string) string {
	return filepath.Join(m.VersionsRoot(bucket), KeyHash(key))
}

// Location is where one object version lives on disk.
type Location struct {
	Blob string
	Meta string
	// Verbatim is set for the <bucket>/<key> layout of null versions.
	Verbatim bool
}

// VerbatimLocation returns the <bucket>/<key> location of a key, or false
// when the key cannot be stored verbatim on this platform.
func (m *Mapper) VerbatimLocation(bucket, key string) (Location, bool) {
	if !Representable(key) {
		return Location{}, false
	}
	blob := filepath.Join(m.BucketDir(bucket), filepath.FromSlash(key))
	return Location{Blob: blob, Meta: blob + SidecarSuffix, Verbatim: true}, true
}

// HashedLocation returns the location of version under .s3s/versions.
func (m *Mapper) HashedLocation(bucket, key, version string) Location {
	dir := m.VersionsDir(bucket, key)
	return Location{
		Blob: filepath.Join(dir, version),
		Meta: filepath.Join(dir, version+MetaSuffix),
	}
}

// ObjectPaths returns the canonical location of (bucket, key, version).
// Null versions prefer the verbatim layout.
func (m *Mapper) ObjectPaths(bucket, key, version string) Location {
	if version == "" || version == NullVersion {
		if loc, ok := m.VerbatimLocation(bucket, key); ok {
			return loc
		}
		return m.HashedLocation(bucket, key, NullVersion)
	}
	return m.HashedLocation(bucket, key, version)
}

// KeyFromRel converts a path relative to the bucket directory back into a key.
func KeyFromRel(rel string) string {
	return filepath.ToSlash(rel)
}

// KeyHash is the hex BLAKE3-256 digest naming a key's versions directory.
func KeyHash(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Representable reports whether every component of key can be a file
// name: non-empty, not ".", within the component limit, clear of the
// engine's reserved names and of platform-reserved characters.
func Representable(key string) bool {
	for _, c := range strings.Split(key, "/") {
		if c == "" || c == "." || c == ".." || len(c) > maxComponent {
			return false
		}
		if strings.HasSuffix(c, SidecarSuffix) || strings.HasPrefix(c, TempPrefix) {
			return false
		}
		if runtime.GOOS == "windows" && !windowsSafe(c) {
			return false
		}
	}
	return true
}

var windowsDevices = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func windowsSafe(c string) bool {
	if strings.ContainsAny(c, `<>:"|?*\`) {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 0x20 {
			return false
		}
	}
	if strings.HasSuffix(c, ".") || strings.HasSuffix(c, " ") {
		return false
	}
	base, _, _ := strings.Cut(c, ".")
	return !windowsDevices[strings.ToUpper(base)]
}
