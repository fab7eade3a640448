package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

func newTestContentStore(t *testing.T, opts Options) (*ContentStore, string) {
	t.Helper()
	return New(opts), t.TempDir()
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left in %s: %v", dir, entries)
	}
}

func TestStageAndCommit(t *testing.T) {
	c, dir := newTestContentStore(t, Options{Fsync: true})
	tmpDir := filepath.Join(dir, "tmp")

	st, err := c.Stage(context.Background(), tmpDir, strings.NewReader("world"), WriteOptions{ContentLength: 5})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if st.ETag() != `"7d793037a0760186574b0282f2f435e7"` {
		t.Errorf("ETag = %s", st.ETag())
	}
	sum := sha256.Sum256([]byte("world"))
	if st.SHA256Hex() != hex.EncodeToString(sum[:]) {
		t.Errorf("SHA256 = %s", st.SHA256Hex())
	}
	if st.Size != 5 {
		t.Errorf("Size = %d", st.Size)
	}

	dst := filepath.Join(dir, "a", "b", "hello.txt")
	if err := c.Commit(st, dst); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "world" {
		t.Fatalf("committed blob = %q, %v", data, err)
	}
	assertNoTemps(t, tmpDir)
}

func TestStageDigests(t *testing.T) {
	body := "payload"
	good := md5.Sum([]byte(body))
	other := md5.Sum([]byte("other"))
	sha := sha256.Sum256([]byte(body))

	tests := []struct {
		name string
		opts WriteOptions
		want *s3err.S3Error
	}{
		{"md5 ok", WriteOptions{ContentLength: -1, ContentMD5: base64.StdEncoding.EncodeToString(good[:])}, nil},
		{"md5 mismatch", WriteOptions{ContentLength: -1, ContentMD5: base64.StdEncoding.EncodeToString(other[:])}, s3err.ErrBadDigest},
		{"md5 malformed", WriteOptions{ContentLength: -1, ContentMD5: "not-base64!"}, s3err.ErrInvalidDigest},
		{"sha ok", WriteOptions{ContentLength: -1, ContentSHA256: hex.EncodeToString(sha[:])}, nil},
		{"sha mismatch", WriteOptions{ContentLength: -1, ContentSHA256: strings.Repeat("0", 64)}, s3err.ErrXAmzContentSHA256Mismatch},
		{"unsigned payload", WriteOptions{ContentLength: -1, ContentSHA256: "UNSIGNED-PAYLOAD"}, nil},
		{"short body", WriteOptions{ContentLength: 100}, s3err.ErrIncompleteBody},
		{"too large", WriteOptions{ContentLength: -1, MaxSize: 3}, s3err.ErrEntityTooLarge},
		{"declared too large", WriteOptions{ContentLength: 10, MaxSize: 3}, s3err.ErrEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dir := newTestContentStore(t, Options{})
			st, err := c.Stage(context.Background(), dir, strings.NewReader(body), tt.opts)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Stage: %v", err)
				}
				c.Discard(st)
				assertNoTemps(t, dir)
				return
			}
			if !s3err.Is(err, tt.want) {
				t.Fatalf("Stage error = %v, want %s", err, tt.want.Code)
			}
			assertNoTemps(t, dir)
		})
	}
}

type unexpectedEOFReader struct{ n int }

func (r *unexpectedEOFReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestStageTruncatedTransport(t *testing.T) {
	c, dir := newTestContentStore(t, Options{})
	_, err := c.Stage(context.Background(), dir, &unexpectedEOFReader{n: 3}, WriteOptions{ContentLength: 10})
	if !s3err.Is(err, s3err.ErrIncompleteBody) {
		t.Fatalf("err = %v, want IncompleteBody", err)
	}
	assertNoTemps(t, dir)
}

func TestStageCancelled(t *testing.T) {
	c, dir := newTestContentStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Stage(ctx, dir, strings.NewReader("data"), WriteOptions{ContentLength: -1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	assertNoTemps(t, dir)
}

func TestOpenAndRange(t *testing.T) {
	c, dir := newTestContentStore(t, Options{MaxOpenFiles: 1})
	path := filepath.Join(dir, "blob")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := c.Open(context.Background(), path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := b.Reader(context.Background(), &Range{Start: 2, End: 4})
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "234" {
		t.Errorf("range body = %q, want 234", data)
	}
	r.Close()

	// The open-file slot is free again after Close.
	b, err = c.Open(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	full, _ := io.ReadAll(b.Reader(context.Background(), nil))
	if !bytes.Equal(full, []byte("0123456789")) {
		t.Errorf("full body = %q", full)
	}
	b.Close()

	if _, err := c.Open(context.Background(), path, 11); !s3err.IsKind(err, s3err.KindIO) {
		t.Errorf("size mismatch = %v, want KindIO", err)
	}
	if _, err := c.Open(context.Background(), filepath.Join(dir, "missing"), -1); !os.IsNotExist(err) {
		t.Errorf("missing blob = %v", err)
	}
}

func TestReaderSurvivesReplace(t *testing.T) {
	c, dir := newTestContentStore(t, Options{})
	path := filepath.Join(dir, "blob")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := c.Open(context.Background(), path, 3)
	if err != nil {
		t.Fatal(err)
	}
	st, err := c.Stage(context.Background(), filepath.Join(dir, "tmp"), strings.NewReader("new!"), WriteOptions{ContentLength: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(st, path); err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(b.Reader(context.Background(), nil))
	b.Close()
	if string(data) != "old" {
		t.Errorf("open handle read %q after replace, want old", data)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		want      *Range
		wantError bool
	}{
		{"bytes=0-0", 1, &Range{0, 0}, false},
		{"bytes=0-4", 10, &Range{0, 4}, false},
		{"bytes=5-", 10, &Range{5, 9}, false},
		{"bytes=-3", 10, &Range{7, 9}, false},
		{"bytes=-30", 10, &Range{0, 9}, false},
		{"bytes=2-100", 10, &Range{2, 9}, false},
		{"bytes=5-", 1, nil, true},
		{"bytes=10-20", 10, nil, true},
		{"bytes=-0", 10, nil, true},
		{"bytes=0-0", 0, nil, true},
		{"bytes=0-1,3-4", 10, nil, false},
		{"items=0-1", 10, nil, false},
		{"bytes=4-2", 10, nil, false},
		{"bytes=abc", 10, nil, false},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.header, tt.size)
		if tt.wantError {
			if !s3err.Is(err, s3err.ErrInvalidRange) {
				t.Errorf("ParseRange(%q, %d) err = %v, want InvalidRange", tt.header, tt.size, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRange(%q, %d) err = %v", tt.header, tt.size, err)
			continue
		}
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("ParseRange(%q, %d) = %+v, want %+v", tt.header, tt.size, got, tt.want)
		}
	}

	if cr := (Range{Start: 0, End: 0}).ContentRange(1); cr != "bytes 0-0/1" {
		t.Errorf("ContentRange = %q", cr)
	}
}

func TestParseCopySourceRange(t *testing.T) {
	if r, err := ParseCopySourceRange("bytes=0-9", 10); err != nil || r.Length() != 10 {
		t.Errorf("valid range = %+v, %v", r, err)
	}
	if _, err := ParseCopySourceRange("bytes=0-10", 10); !s3err.Is(err, s3err.ErrInvalidRange) {
		t.Errorf("out of bounds = %v", err)
	}
	if _, err := ParseCopySourceRange("bytes=5-", 10); !s3err.Is(err, s3err.ErrInvalidArgument) {
		t.Errorf("open-ended = %v", err)
	}
}

func TestCompositeETag(t *testing.T) {
	p1 := md5.Sum([]byte("part one"))
	p2 := md5.Sum([]byte("part two"))
	h := md5.New()
	h.Write(p1[:])
	h.Write(p2[:])
	want := `"` + hex.EncodeToString(h.Sum(nil)) + `-2"`

	if got := CompositeETag([][]byte{p1[:], p2[:]}); got != want {
		t.Errorf("CompositeETag = %s, want %s", got, want)
	}

	raw, err := ETagMD5(`"` + hex.EncodeToString(p1[:]) + `"`)
	if err != nil || !bytes.Equal(raw, p1[:]) {
		t.Errorf("ETagMD5 = %x, %v", raw, err)
	}
	if _, err := ETagMD5(want); err == nil {
		t.Error("ETagMD5 accepted a composite etag")
	}
}
