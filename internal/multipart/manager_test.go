package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lock"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/pathmap"
	"github.com/s3sfs/s3sfs/internal/storage"
)

type testEnv struct {
	m     *Manager
	paths *pathmap.Mapper
	meta  *metadata.Store
}

func newTestManager(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	paths := pathmap.New(root)
	meta, err := metadata.NewStore(metadata.Options{})
	if err != nil {
		t.Fatal(err)
	}
	m := New(paths, meta, storage.New(storage.Options{}), lock.New(), 24*time.Hour)
	m.minPartSize = 1
	return &testEnv{m: m, paths: paths, meta: meta}
}

func (e *testEnv) initiate(t *testing.T, key string) *metadata.Manifest {
	t.Helper()
	man, err := e.m.Initiate(context.Background(), InitiateInput{
		Bucket:       "b",
		Key:          key,
		Owner:        metadata.Owner{ID: "owner"},
		Headers:      metadata.Headers{ContentType: "text/plain"},
		UserMetadata: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return man
}

func (e *testEnv) upload(t *testing.T, key, id string, n int, body string) metadata.Part {
	t.Helper()
	p, err := e.m.UploadPart(context.Background(), "b", key, id, n, strings.NewReader(body), storage.WriteOptions{ContentLength: int64(len(body))})
	if err != nil {
		t.Fatalf("UploadPart(%d): %v", n, err)
	}
	return p
}

// captureCommit records the staged blob's content and returns the document
// as stored.
func captureCommit(got *[]byte) CommitFunc {
	return func(_ context.Context, staged *storage.Staged, doc *metadata.Object) (*metadata.Object, error) {
		data, err := os.ReadFile(staged.Path)
		if err != nil {
			return nil, err
		}
		*got = data
		os.Remove(staged.Path)
		doc.VersionID = "null"
		return doc, nil
	}
}

func TestCompleteAssemblesParts(t *testing.T) {
	e := newTestManager(t)
	man := e.initiate(t, "big")
	p1 := e.upload(t, "big", man.UploadID, 1, "hello ")
	p2 := e.upload(t, "big", man.UploadID, 2, "world")

	var assembled []byte
	res, err := e.m.Complete(context.Background(), "b", "big", man.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: strings.Trim(p2.ETag, `"`)},
	}, captureCommit(&assembled))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(assembled) != "hello world" {
		t.Errorf("assembled = %q", assembled)
	}

	s1, s2 := md5.Sum([]byte("hello ")), md5.Sum([]byte("world"))
	want := storage.CompositeETag([][]byte{s1[:], s2[:]})
	if res.ETag != want || !strings.HasSuffix(res.ETag, `-2"`) {
		t.Errorf("ETag = %s, want %s", res.ETag, want)
	}
	if res.Size != 11 || res.Object.PartsCount != 2 || res.Object.UploadID != man.UploadID {
		t.Errorf("result = %+v", res.Object)
	}
	if res.Object.ContentType != "text/plain" || res.Object.UserMetadata["k"] != "v" {
		t.Errorf("captured headers lost: %+v", res.Object)
	}
	if _, err := os.Stat(e.paths.UploadDir("b", man.UploadID)); !os.IsNotExist(err) {
		t.Errorf("upload directory survived completion: %v", err)
	}
}

func TestCompleteValidation(t *testing.T) {
	e := newTestManager(t)
	man := e.initiate(t, "k")
	p1 := e.upload(t, "k", man.UploadID, 1, "aaa")
	p2 := e.upload(t, "k", man.UploadID, 2, "bbb")

	tests := []struct {
		name  string
		parts []CompletedPart
		min   int64
		want  *s3err.S3Error
	}{
		{"empty", nil, 1, s3err.ErrMalformedXML},
		{"descending", []CompletedPart{{2, p2.ETag}, {1, p1.ETag}}, 1, s3err.ErrInvalidPartOrder},
		{"duplicate", []CompletedPart{{1, p1.ETag}, {1, p1.ETag}}, 1, s3err.ErrInvalidPartOrder},
		{"wrong etag", []CompletedPart{{1, p2.ETag}}, 1, s3err.ErrInvalidPart},
		{"missing part", []CompletedPart{{1, p1.ETag}, {3, p2.ETag}}, 1, s3err.ErrInvalidPart},
		{"too small", []CompletedPart{{1, p1.ETag}, {2, p2.ETag}}, MinPartSize, s3err.ErrEntityTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.m.minPartSize = tt.min
			_, err := e.m.Complete(context.Background(), "b", "k", man.UploadID, tt.parts, func(context.Context, *storage.Staged, *metadata.Object) (*metadata.Object, error) {
				t.Fatal("commit called for an invalid part list")
				return nil, nil
			})
			if !s3err.Is(err, tt.want) {
				t.Errorf("Complete = %v, want %s", err, tt.want.Code)
			}
		})
	}

	// A single part smaller than the minimum is the last part and is fine.
	e.m.minPartSize = MinPartSize
	var got []byte
	if _, err := e.m.Complete(context.Background(), "b", "k", man.UploadID, []CompletedPart{{2, p2.ETag}}, captureCommit(&got)); err != nil {
		t.Fatalf("single small part: %v", err)
	}
	if string(got) != "bbb" {
		t.Errorf("assembled = %q", got)
	}
}

func TestCompleteCommitFailureKeepsUpload(t *testing.T) {
	e := newTestManager(t)
	man := e.initiate(t, "k")
	p1 := e.upload(t, "k", man.UploadID, 1, "data")

	var stagedPath string
	boom := errors.New("disk full")
	_, err := e.m.Complete(context.Background(), "b", "k", man.UploadID, []CompletedPart{{1, p1.ETag}},
		func(_ context.Context, staged *storage.Staged, _ *metadata.Object) (*metadata.Object, error) {
			stagedPath = staged.Path
			return nil, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("Complete = %v", err)
	}
	if _, err := os.Stat(stagedPath); !os.IsNotExist(err) {
		t.Error("staged blob not removed after failed commit")
	}
	got, err := e.m.Get(context.Background(), "b", "k", man.UploadID)
	if err != nil {
		t.Fatalf("upload lost after failed commit: %v", err)
	}
	if got.Completion != nil {
		t.Error("completion record not cleared")
	}

	// A retry succeeds.
	var data []byte
	if _, err := e.m.Complete(context.Background(), "b", "k", man.UploadID, []CompletedPart{{1, p1.ETag}}, captureCommit(&data)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestUploadPartErrors(t *testing.T) {
	e := newTestManager(t)
	man := e.initiate(t, "k")
	ctx := context.Background()
	body := func() *strings.Reader { return strings.NewReader("x") }
	opts := storage.WriteOptions{ContentLength: 1}

	if _, err := e.m.UploadPart(ctx, "b", "k", man.UploadID, 0, body(), opts); !s3err.Is(err, s3err.ErrInvalidArgument) {
		t.Errorf("part 0 = %v", err)
	}
	if _, err := e.m.UploadPart(ctx, "b", "k", man.UploadID, 10001, body(), opts); !s3err.Is(err, s3err.ErrInvalidArgument) {
		t.Errorf("part 10001 = %v", err)
	}
	if _, err := e.m.UploadPart(ctx, "b", "k", strings.Repeat("0", 32), 1, body(), opts); !s3err.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("unknown upload = %v", err)
	}
	if _, err := e.m.UploadPart(ctx, "b", "k", "../../etc", 1, body(), opts); !s3err.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("malformed upload id = %v", err)
	}
	if _, err := e.m.UploadPart(ctx, "b", "other", man.UploadID, 1, body(), opts); !s3err.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("key mismatch = %v", err)
	}
}

func TestUploadPartReplaces(t *testing.T) {
	e := newTestManager(t)
	man := e.initiate(t, "k")
	e.upload(t, "k", man.UploadID, 1, "first")
	second := e.upload(t, "k", man.UploadID, 1, "second!")

	page, err := e.m.ListParts(context.Background(), "b", "k", man.UploadID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Parts) != 1 || page.Parts[0].Size != 7 || page.Parts[0].ETag != second.ETag {
		t.Errorf("parts = %+v", page.Parts)
	}
	data, _ := os.ReadFile(e.paths.PartPath("b", man.UploadID, 1))
	if string(data) != "second!" {
		t.Errorf("part file = %q", data)
	}
}

func TestAbort(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()
	man := e.initiate(t, "k")
	e.upload(t, "k", man.UploadID, 1, "abc")

	if err := e.m.Abort(ctx, "b", "k", man.UploadID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(e.paths.UploadDir("b", man.UploadID)); !os.IsNotExist(err) {
		t.Error("upload directory survived abort")
	}
	if err := e.m.Abort(ctx, "b", "k", man.UploadID); err != nil {
		t.Errorf("second Abort = %v", err)
	}
	if err := e.m.Abort(ctx, "b", "k", "not-an-id"); err != nil {
		t.Errorf("Abort(malformed) = %v", err)
	}
	if _, err := e.m.UploadPart(ctx, "b", "k", man.UploadID, 2, strings.NewReader("x"), storage.WriteOptions{ContentLength: 1}); !s3err.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("UploadPart after abort = %v", err)
	}
	if _, err := e.m.Complete(ctx, "b", "k", man.UploadID, []CompletedPart{{1, `"x"`}}, nil); !s3err.Is(err, s3err.ErrNoSuchUpload) {
		t.Errorf("Complete after abort = %v", err)
	}
}

func TestListPartsPagination(t *testing.T) {
	e := newTestManager(t)
	man := e.initiate(t, "k")
	for _, n := range []int{5, 1, 3, 2, 4} {
		e.upload(t, "k", man.UploadID, n, fmt.Sprintf("part-%d", n))
	}

	page, err := e.m.ListParts(context.Background(), "b", "k", man.UploadID, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !page.IsTruncated || page.NextPartNumberMarker != 2 || len(page.Parts) != 2 || page.Parts[0].Number != 1 {
		t.Fatalf("first page = %+v", page)
	}
	page, err = e.m.ListParts(context.Background(), "b", "k", man.UploadID, page.NextPartNumberMarker, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Parts[0].Number != 3 || page.Parts[1].Number != 4 || !page.IsTruncated {
		t.Fatalf("second page = %+v", page)
	}
	page, err = e.m.ListParts(context.Background(), "b", "k", man.UploadID, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Parts) != 1 || page.IsTruncated {
		t.Fatalf("last page = %+v", page)
	}
}

func TestUploadsSorted(t *testing.T) {
	e := newTestManager(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	e.m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	b1 := e.initiate(t, "b")
	a1 := e.initiate(t, "a")
	a2 := e.initiate(t, "a")
	if err := os.MkdirAll(filepath.Join(e.paths.UploadsDir("b"), strings.Repeat("f", 32)), 0o755); err != nil {
		t.Fatal(err)
	}

	ups, err := e.m.Uploads(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, u := range ups {
		ids = append(ids, u.UploadID)
	}
	want := []string{a1.UploadID, a2.UploadID, b1.UploadID}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", ids, want)
	}
	if has, _ := e.m.HasUploads("b"); !has {
		t.Error("HasUploads = false")
	}
}

func TestRecover(t *testing.T) {
	e := newTestManager(t)
	ctx := context.Background()

	expired := e.initiate(t, "old")
	finished := e.initiate(t, "done")
	interrupted := e.initiate(t, "half")
	fresh := e.initiate(t, "fresh")
	orphanDir := filepath.Join(e.paths.UploadsDir("b"), strings.Repeat("a", 32))
	if err := os.MkdirAll(orphanDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.paths.UploadDir("b", fresh.UploadID), ".s3s-tmp-x"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	setCompletion := func(man *metadata.Manifest, etag string) {
		man.Completion = &metadata.Completion{ETag: etag, Parts: 1, Started: time.Now()}
		if err := e.meta.PutManifest(e.paths.ManifestPath("b", man.UploadID), man); err != nil {
			t.Fatal(err)
		}
	}
	setCompletion(finished, `"aa-1"`)
	setCompletion(interrupted, `"bb-1"`)

	expired.Initiated = time.Now().Add(-48 * time.Hour)
	if err := e.meta.PutManifest(e.paths.ManifestPath("b", expired.UploadID), expired); err != nil {
		t.Fatal(err)
	}

	current := func(_ context.Context, _, key string) (*metadata.Object, error) {
		if key == "done" {
			return &metadata.Object{Key: key, ETag: `"aa-1"`, UploadID: finished.UploadID}, nil
		}
		return nil, metadata.ErrNotFound
	}
	stats, err := e.m.Recover(ctx, "b", current)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if stats.Expired != 2 || stats.Finished != 1 || stats.Reset != 1 || stats.Temps != 1 {
		t.Errorf("stats = %+v", stats)
	}

	for _, id := range []string{expired.UploadID, finished.UploadID} {
		if _, err := os.Stat(e.paths.UploadDir("b", id)); !os.IsNotExist(err) {
			t.Errorf("upload %s survived recovery", id)
		}
	}
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Error("upload directory without manifest survived recovery")
	}
	got, err := e.m.Get(ctx, "b", "half", interrupted.UploadID)
	if err != nil || got.Completion != nil {
		t.Errorf("interrupted upload = %+v, %v", got, err)
	}
	entries, _ := os.ReadDir(e.paths.UploadDir("b", fresh.UploadID))
	for _, ent := range entries {
		if bytes.HasPrefix([]byte(ent.Name()), []byte(".s3s-tmp-")) {
			t.Error("temp file survived recovery")
		}
	}
}
