// Package storage streams object bodies to and from disk. Writes go to a
// temp file on the destination filesystem and become visible only through
// an atomic rename; MD5 and SHA-256 are computed while streaming.
package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/fsutil"
	"github.com/s3sfs/s3sfs/internal/lock"
)

// copyBufferSize is the chunk size used when streaming bodies.
const copyBufferSize = 256 << 10

// Options configures a ContentStore.
type Options struct {
	Fsync bool
	// MaxObjectSize rejects bodies larger than this many bytes. Zero means unlimited.
	MaxObjectSize int64
	// MaxOpenFiles caps blob handles held open for reading. Zero means unlimited.
	MaxOpenFiles int64
}

// ContentStore writes and reads object blobs.
type ContentStore struct {
	durable bool
	maxSize int64
	files   *lock.Limiter
}

func New(opts Options) *ContentStore {
	return &ContentStore{
		durable: opts.Fsync,
		maxSize: opts.MaxObjectSize,
		files:   lock.NewLimiter(opts.MaxOpenFiles),
	}
}

// MaxObjectSize returns the configured body limit, zero for unlimited.
func (c *ContentStore) MaxObjectSize() int64 { return c.maxSize }

// WriteOptions describes the body handed to Stage.
type WriteOptions struct {
	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	// ContentMD5 is the base64 Content-MD5 header value, if any.
	ContentMD5 string
	// ContentSHA256 is the x-amz-content-sha256 header value. Only hex
	// digests are verified.
	ContentSHA256 string
	// MaxSize overrides the store limit when positive.
	MaxSize int64
}

// Staged is a fully written, not yet visible blob.
type Staged struct {
	Path   string
	Size   int64
	MD5    []byte
	SHA256 []byte
}

// ETag is the quoted hex MD5 of the staged body.
func (s *Staged) ETag() string {
	return fmt.Sprintf(`"%x"`, s.MD5)
}

func (s *Staged) SHA256Hex() string {
	if s.SHA256 == nil {
		return ""
	}
	return hex.EncodeToString(s.SHA256)
}

// Stage streams r into a new temp file in dir. The temp file is removed on
// every failure, including cancellation of ctx.
func (c *ContentStore) Stage(ctx context.Context, dir string, r io.Reader, opts WriteOptions) (*Staged, error) {
	wantMD5, err := decodeContentMD5(opts.ContentMD5)
	if err != nil {
		return nil, err
	}
	var wantSHA []byte
	if isHexSHA256(opts.ContentSHA256) {
		wantSHA, _ = hex.DecodeString(opts.ContentSHA256)
	}

	limit := c.maxSize
	if opts.MaxSize > 0 {
		limit = opts.MaxSize
	}
	if limit > 0 && opts.ContentLength > limit {
		return nil, s3err.Wrapf(s3err.ErrEntityTooLarge, "declared %d bytes, limit %d", opts.ContentLength, limit)
	}

	tmp, err := fsutil.CreateTemp(dir)
	if err != nil {
		return nil, s3err.IO(err)
	}
	st, err := c.fill(ctx, tmp, r, opts.ContentLength, limit)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, s3err.IO(fmt.Errorf("closing staged blob: %w", err))
	}

	if wantMD5 != nil && !hashEqual(wantMD5, st.MD5) {
		os.Remove(st.Path)
		return nil, s3err.New(s3err.ErrBadDigest)
	}
	if wantSHA != nil && !hashEqual(wantSHA, st.SHA256) {
		os.Remove(st.Path)
		return nil, s3err.New(s3err.ErrXAmzContentSHA256Mismatch)
	}
	return st, nil
}

func (c *ContentStore) fill(ctx context.Context, f *os.File, r io.Reader, declared, limit int64) (*Staged, error) {
	md5h, shah := md5.New(), sha256.New()
	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	w := io.MultiWriter(f, md5h, shah)

	n, err := io.CopyBuffer(w, src, make([]byte, copyBufferSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, s3err.Wrap(s3err.ErrIncompleteBody, err)
		}
		if _, ok := s3err.As(err); ok {
			return nil, err
		}
		return nil, s3err.IO(fmt.Errorf("streaming body: %w", err))
	}
	if limit > 0 && n > limit {
		return nil, s3err.Wrapf(s3err.ErrEntityTooLarge, "body exceeds %d bytes", limit)
	}
	if declared >= 0 && n < declared {
		return nil, s3err.Wrapf(s3err.ErrIncompleteBody, "read %d of %d bytes", n, declared)
	}
	if c.durable {
		if err := f.Sync(); err != nil {
			return nil, s3err.IO(fmt.Errorf("syncing staged blob: %w", err))
		}
	}
	return &Staged{Path: f.Name(), Size: n, MD5: md5h.Sum(nil), SHA256: shah.Sum(nil)}, nil
}

// StageLink stages a hard link (or copy) of an existing blob. The staged
// blob carries no hashes; the caller supplies them from the source's
// metadata.
func (c *ContentStore) StageLink(dir, src string, size int64) (*Staged, error) {
	tmp, err := fsutil.CreateTemp(dir)
	if err != nil {
		return nil, s3err.IO(err)
	}
	path := tmp.Name()
	tmp.Close()
	if err := fsutil.LinkOrCopy(src, path); err != nil {
		os.Remove(path)
		return nil, s3err.IO(fmt.Errorf("linking source blob: %w", err))
	}
	return &Staged{Path: path, Size: size}, nil
}

// Concat stages the concatenation of the files at paths into dir. Each file
// must have the length listed in sizes. Copies between files use the
// kernel's copy path where the platform offers one.
func (c *ContentStore) Concat(ctx context.Context, dir string, paths []string, sizes []int64) (*Staged, error) {
	tmp, err := fsutil.CreateTemp(dir)
	if err != nil {
		return nil, s3err.IO(err)
	}
	fail := func(err error) (*Staged, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}

	var total int64
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, err := appendFile(tmp, p)
		if err != nil {
			return fail(s3err.IO(fmt.Errorf("appending %s: %w", filepath.Base(p), err)))
		}
		if n != sizes[i] {
			return fail(s3err.IO(fmt.Errorf("part %s is %d bytes, manifest records %d", filepath.Base(p), n, sizes[i])))
		}
		total += n
	}
	if c.durable {
		if err := tmp.Sync(); err != nil {
			return fail(s3err.IO(fmt.Errorf("syncing assembled blob: %w", err)))
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, s3err.IO(fmt.Errorf("closing assembled blob: %w", err))
	}
	return &Staged{Path: tmp.Name(), Size: total}, nil
}

func appendFile(dst *os.File, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}

// Commit renames the staged blob to dst. On error the staged file is left
// for the caller to Discard.
func (c *ContentStore) Commit(st *Staged, dst string) error {
	if err := fsutil.RenameInto(st.Path, dst); err != nil {
		return s3err.IO(err)
	}
	if c.durable {
		if err := fsutil.SyncDir(filepath.Dir(dst)); err != nil {
			return s3err.IO(fmt.Errorf("syncing directory: %w", err))
		}
	}
	return nil
}

// Discard removes a staged blob that will not be committed.
func (c *ContentStore) Discard(st *Staged) {
	if st != nil {
		os.Remove(st.Path)
	}
}

// Blob is an open object body. The handle stays valid when the object is
// replaced or deleted while it is being read.
type Blob struct {
	f       *os.File
	size    int64
	release func()
}

// Open opens the blob at path. When expectSize is not negative the file
// size must match it.
func (c *ContentStore) Open(ctx context.Context, path string, expectSize int64) (*Blob, error) {
	release, err := c.files.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		release()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		release()
		return nil, s3err.IO(fmt.Errorf("stat blob: %w", err))
	}
	if info.IsDir() {
		f.Close()
		release()
		return nil, os.ErrNotExist
	}
	if expectSize >= 0 && info.Size() != expectSize {
		f.Close()
		release()
		return nil, s3err.IO(fmt.Errorf("blob is %d bytes, metadata records %d", info.Size(), expectSize))
	}
	return &Blob{f: f, size: info.Size(), release: release}, nil
}

func (b *Blob) Size() int64 { return b.size }

// File exposes the handle for server-side copies.
func (b *Blob) File() *os.File { return b.f }

// Close releases the handle.
func (b *Blob) Close() error {
	err := b.f.Close()
	b.release()
	return err
}

// Reader returns a reader over rng (the whole blob when nil) that stops
// when ctx is done. Closing the reader closes the blob.
func (b *Blob) Reader(ctx context.Context, rng *Range) io.ReadCloser {
	var r io.Reader = io.NewSectionReader(b.f, 0, b.size)
	if rng != nil {
		r = io.NewSectionReader(b.f, rng.Start, rng.Length())
	}
	return &body{ctxReader: ctxReader{ctx: ctx, r: r}, blob: b}
}

type body struct {
	ctxReader
	blob *Blob
}

func (b *body) Close() error { return b.blob.Close() }

// ctxReader fails reads once ctx is done so a cancelled request stops
// streaming at the next chunk.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func decodeContentMD5(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(raw) != md5.Size {
		return nil, s3err.Wrapf(s3err.ErrInvalidDigest, "Content-MD5 %q", v)
	}
	return raw, nil
}

func isHexSHA256(v string) bool {
	if len(v) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}

func hashEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CompositeETag is the S3 multipart ETag: hex MD5 over the concatenated
// binary part MD5s, followed by -N.
func CompositeETag(partMD5s [][]byte) string {
	h := md5.New()
	for _, sum := range partMD5s {
		h.Write(sum)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partMD5s))
}

// ETagMD5 decodes the hex digest of a quoted single-part ETag.
func ETagMD5(etag string) ([]byte, error) {
	s := etag
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != md5.Size {
		return nil, fmt.Errorf("not a single-part etag: %q", etag)
	}
	return raw, nil
}
