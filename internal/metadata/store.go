package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/fsutil"
	"github.com/s3sfs/s3sfs/internal/pathmap"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("metadata: not found")

// Options configures a Store.
type Options struct {
	// Fsync makes every document write durable before it is acknowledged.
	Fsync bool
	// CacheSize bounds the object document cache; zero disables it.
	CacheSize int
	// Xattr stores blob-bearing object documents as extended attributes.
	Xattr bool
}

// Store reads and writes metadata documents. Object documents are cached
// by their on-disk location.
type Store struct {
	durable bool
	xattr   bool
	cache   *lru.Cache[string, *Object]
}

func NewStore(opts Options) (*Store, error) {
	s := &Store{durable: opts.Fsync, xattr: opts.Xattr}
	if opts.CacheSize > 0 {
		c, err := lru.New[string, *Object](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating metadata cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// XattrMode reports whether object documents live in extended attributes.
func (s *Store) XattrMode() bool { return s.xattr }

// GetObject loads the document of the version at loc. A document that
// cannot be decoded yields a KindCorrupt error.
func (s *Store) GetObject(loc pathmap.Location) (*Object, error) {
	if s.cache != nil {
		if o, ok := s.cache.Get(loc.Meta); ok {
			return o.Clone(), nil
		}
	}

	data, err := s.readObject(loc)
	if err != nil {
		return nil, err
	}
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, s3err.Corrupt(fmt.Errorf("decoding object metadata: %w", err))
	}
	if s.cache != nil {
		s.cache.Add(loc.Meta, o.Clone())
	}
	return &o, nil
}

func (s *Store) readObject(loc pathmap.Location) ([]byte, error) {
	data, err := os.ReadFile(loc.Meta)
	if err == nil {
		return data, nil
	}
	if !isMissing(err) {
		return nil, s3err.IO(fmt.Errorf("reading object metadata: %w", err))
	}
	if s.xattr {
		if data, ok, err := getXattr(loc.Blob); err != nil {
			return nil, s3err.IO(err)
		} else if ok {
			return data, nil
		}
	}
	return nil, ErrNotFound
}

// PutObject persists doc for the version at loc. stagedBlob is the temp
// file that will be renamed to loc.Blob, or "" for documents without a
// body. Sidecar mode writes the sidecar now; xattr mode attaches the
// document to the staged blob so both appear with the rename.
func (s *Store) PutObject(loc pathmap.Location, doc *Object, stagedBlob string) error {
	doc.SchemaVersion = SchemaVersion
	data, err := json.Marshal(doc)
	if err != nil {
		return s3err.IO(fmt.Errorf("encoding object metadata: %w", err))
	}

	if s.xattr && stagedBlob != "" && !doc.DeleteMarker {
		if err := setXattr(stagedBlob, data); err != nil {
			return s3err.IO(err)
		}
		if err := os.Remove(loc.Meta); err != nil && !isMissing(err) {
			return s3err.IO(fmt.Errorf("removing stale sidecar: %w", err))
		}
	} else if err := fsutil.WriteFileAtomic(loc.Meta, data, s.durable); err != nil {
		return s3err.IO(err)
	}

	if s.cache != nil {
		s.cache.Add(loc.Meta, doc.Clone())
	}
	return nil
}

// DeleteObject removes the document at loc. Missing documents are not an
// error.
func (s *Store) DeleteObject(loc pathmap.Location) error {
	s.Invalidate(loc)
	if err := os.Remove(loc.Meta); err != nil && !isMissing(err) {
		return s3err.IO(fmt.Errorf("removing object metadata: %w", err))
	}
	return nil
}

// Invalidate drops the cached document for loc.
func (s *Store) Invalidate(loc pathmap.Location) {
	if s.cache != nil {
		s.cache.Remove(loc.Meta)
	}
}

// Purge empties the cache.
func (s *Store) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// HasSidecar reports whether a metadata file exists for loc, without
// decoding it.
func (s *Store) HasSidecar(loc pathmap.Location) bool {
	_, err := os.Lstat(loc.Meta)
	return err == nil
}

func (s *Store) GetBucket(path string) (*Bucket, error) {
	var b Bucket
	if err := s.readDoc(path, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) PutBucket(path string, b *Bucket) error {
	b.SchemaVersion = SchemaVersion
	return s.writeDoc(path, b)
}

func (s *Store) GetManifest(path string) (*Manifest, error) {
	var m Manifest
	if err := s.readDoc(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) PutManifest(path string, m *Manifest) error {
	m.SchemaVersion = SchemaVersion
	return s.writeDoc(path, m)
}

// UpdateManifest applies fn to the manifest at path and writes the result
// back. Callers serialize updates of one upload with the arbiter's
// manifest lock.
func (s *Store) UpdateManifest(path string, fn func(*Manifest) error) (*Manifest, error) {
	m, err := s.GetManifest(path)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.PutManifest(path, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) readDoc(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if isMissing(err) {
			return ErrNotFound
		}
		return s3err.IO(fmt.Errorf("reading %T: %w", v, err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return s3err.Corrupt(fmt.Errorf("decoding %T: %w", v, err))
	}
	return nil
}

func (s *Store) writeDoc(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return s3err.IO(fmt.Errorf("encoding %T: %w", v, err))
	}
	return s3err.IO(fsutil.WriteFileAtomic(path, data, s.durable))
}

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || fsutil.IsNotDir(err)
}
