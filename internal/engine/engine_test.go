package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3sfs/s3sfs/internal/auth"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/lister"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/multipart"
	"github.com/s3sfs/s3sfs/internal/storage"
)

const testBucket = "bucket"

func newTestEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{Root: t.TempDir(), MetaCacheSize: 128, LinkCopies: true}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func withBucket(t *testing.T, e *Engine, name string) {
	t.Helper()
	_, err := e.CreateBucket(context.Background(), CreateBucketInput{Name: name})
	require.NoError(t, err)
}

func put(t *testing.T, e *Engine, bucket, key, body string) *metadata.Object {
	t.Helper()
	doc, err := e.PutObject(context.Background(), PutInput{
		Bucket: bucket,
		Key:    key,
		Body:   strings.NewReader(body),
		Write:  storage.WriteOptions{ContentLength: int64(len(body))},
	})
	require.NoError(t, err)
	return doc
}

func get(t *testing.T, e *Engine, bucket, key, vid string) (string, *metadata.Object) {
	t.Helper()
	res, err := e.GetObject(context.Background(), GetInput{Bucket: bucket, Key: key, VersionID: vid})
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data), res.Object
}

func etagOf(b []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(b))
}

func requireCode(t *testing.T, err error, code *s3err.S3Error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code.Code, s3err.ToS3(err).Code, "error: %v", err)
}

func TestScenarioPutGet(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)

	doc := put(t, e, testBucket, "hello.txt", "world")
	require.Equal(t, `"7d793037a0760186574b0282f2f435e7"`, doc.ETag)

	body, got := get(t, e, testBucket, "hello.txt", "")
	require.Equal(t, "world", body)
	require.Equal(t, doc.ETag, got.ETag)
}

func TestScenarioOverwrite(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)

	first := put(t, e, testBucket, "a", strings.Repeat("x", 5<<20))
	second := put(t, e, testBucket, "a", "abc")
	require.NotEqual(t, first.ETag, second.ETag)

	body, _ := get(t, e, testBucket, "a", "")
	require.Equal(t, "abc", body)
}

func TestScenarioMultipart(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	ctx := context.Background()

	man, err := e.CreateMultipartUpload(ctx, CreateUploadInput{Bucket: testBucket, Key: "big"})
	require.NoError(t, err)

	p1 := bytes.Repeat([]byte("A"), 5<<20)
	p2 := []byte("B")
	e1, err := e.UploadPart(ctx, testBucket, "big", man.UploadID, 1, bytes.NewReader(p1), storage.WriteOptions{ContentLength: int64(len(p1))})
	require.NoError(t, err)
	e2, err := e.UploadPart(ctx, testBucket, "big", man.UploadID, 2, bytes.NewReader(p2), storage.WriteOptions{ContentLength: 1})
	require.NoError(t, err)

	res, err := e.CompleteMultipartUpload(ctx, testBucket, "big", man.UploadID, []multipart.CompletedPart{
		{PartNumber: 1, ETag: e1.ETag},
		{PartNumber: 2, ETag: e2.ETag},
	})
	require.NoError(t, err)

	s1, s2 := md5.Sum(p1), md5.Sum(p2)
	want := fmt.Sprintf(`"%x-2"`, md5.Sum(append(s1[:], s2[:]...)))
	require.Equal(t, want, res.ETag)

	head, err := e.HeadObject(ctx, GetInput{Bucket: testBucket, Key: "big"})
	require.NoError(t, err)
	require.Equal(t, int64(5<<20+1), head.Object.Size)
	require.Equal(t, 2, head.Object.PartsCount)

	body, _ := get(t, e, testBucket, "big", "")
	require.Equal(t, string(p1)+string(p2), body)
}

func TestScenarioRange(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	put(t, e, testBucket, "k", "v")
	ctx := context.Background()

	res, err := e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", Range: "bytes=0-0"})
	require.NoError(t, err)
	require.NotNil(t, res.Range)
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, "v", string(data))

	res, err = e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", Range: "bytes=5-"})
	requireCode(t, err, s3err.ErrInvalidRange)
	require.NotNil(t, res)
	require.Nil(t, res.Body)
}

func TestScenarioListing(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		put(t, e, testBucket, k, k)
	}
	ctx := context.Background()

	page, err := e.ListObjects(ctx, testBucket, lister.ObjectsOptions{Prefix: "a/", MaxKeys: 1000})
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "a/2"}, objectKeys(page.Objects))

	page, err = e.ListObjects(ctx, testBucket, lister.ObjectsOptions{Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err)
	require.Empty(t, page.Objects)
	require.Equal(t, []string{"a/", "b/"}, page.CommonPrefixes)
}

func TestScenarioDeleteBucket(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	put(t, e, testBucket, "k", "v")
	ctx := context.Background()

	requireCode(t, e.DeleteBucket(ctx, testBucket), s3err.ErrBucketNotEmpty)

	_, err := e.DeleteObject(ctx, testBucket, "k", "")
	require.NoError(t, err)
	require.NoError(t, e.DeleteBucket(ctx, testBucket))

	_, err = e.HeadBucket(ctx, testBucket)
	requireCode(t, err, s3err.ErrNoSuchBucket)
	require.NoDirExists(t, filepath.Join(e.Root(), testBucket))
}

func objectKeys(docs []*metadata.Object) []string {
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	return keys
}

func TestCreateBucket(t *testing.T) {
	e := newTestEngine(t)
	ctx := auth.WithOwner(context.Background(), "alice", "alice")

	b, err := e.CreateBucket(ctx, CreateBucketInput{Name: testBucket})
	require.NoError(t, err)
	require.Equal(t, "alice", b.Owner.ID)
	require.Equal(t, "us-east-1", b.Region)

	_, err = e.CreateBucket(ctx, CreateBucketInput{Name: testBucket})
	requireCode(t, err, s3err.ErrBucketAlreadyOwnedByYou)

	other := auth.WithOwner(context.Background(), "bob", "bob")
	_, err = e.CreateBucket(other, CreateBucketInput{Name: testBucket})
	requireCode(t, err, s3err.ErrBucketAlreadyExists)

	_, err = e.CreateBucket(ctx, CreateBucketInput{Name: "Bad_Name"})
	requireCode(t, err, s3err.ErrInvalidBucketName)
}

func TestListBucketsAdoptsDirectories(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, "zeta")
	require.NoError(t, os.Mkdir(filepath.Join(e.Root(), "alpha"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(e.Root(), "Not_A_Bucket"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.Root(), "alpha", "plain.txt"), []byte("x"), 0o644))

	buckets, err := e.ListBuckets(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "alpha", buckets[0].Name)
	require.True(t, buckets[0].Adopted)
	require.Equal(t, "zeta", buckets[1].Name)

	// Files without metadata are not objects.
	page, err := e.ListObjects(context.Background(), "alpha", lister.ObjectsOptions{MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.Objects)

	// Writing into an adopted bucket works and is visible.
	put(t, e, "alpha", "doc.txt", "hello")
	body, _ := get(t, e, "alpha", "doc.txt", "")
	require.Equal(t, "hello", body)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.AuthRequired = true })

	_, err := e.CreateBucket(context.Background(), CreateBucketInput{Name: testBucket})
	requireCode(t, err, s3err.ErrAccessDenied)

	ctx := auth.WithOwner(context.Background(), "AKIDEXAMPLE", "")
	_, err = e.CreateBucket(ctx, CreateBucketInput{Name: testBucket})
	require.NoError(t, err)
	doc, err := e.PutObject(ctx, PutInput{Bucket: testBucket, Key: "k", Body: strings.NewReader("v"), Write: storage.WriteOptions{ContentLength: 1}})
	require.NoError(t, err)
	require.Equal(t, metadata.Owner{ID: "AKIDEXAMPLE", DisplayName: "AKIDEXAMPLE"}, doc.Owner)

	_, err = e.GetObject(context.Background(), GetInput{Bucket: testBucket, Key: "k"})
	requireCode(t, err, s3err.ErrAccessDenied)
}

func TestGetMissing(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	ctx := context.Background()

	_, err := e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "missing"})
	requireCode(t, err, s3err.ErrNoSuchKey)
	_, err = e.GetObject(ctx, GetInput{Bucket: "nobucket", Key: "k"})
	requireCode(t, err, s3err.ErrNoSuchBucket)
	_, err = e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", VersionID: "01J0000000000000000000000Z"})
	requireCode(t, err, s3err.ErrNoSuchVersion)
	_, err = e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", VersionID: "bogus"})
	requireCode(t, err, s3err.ErrInvalidArgument)
	_, err = e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "../escape"})
	requireCode(t, err, s3err.ErrInvalidArgument)
}

func TestConditionalGet(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	doc := put(t, e, testBucket, "k", "value")
	ctx := context.Background()

	_, err := e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", Conditions: Conditions{IfMatch: `"nope"`}})
	requireCode(t, err, s3err.ErrPreconditionFailed)

	res, err := e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", Conditions: Conditions{IfNoneMatch: doc.ETag}})
	requireCode(t, err, s3err.ErrNotModified)
	require.Equal(t, doc.ETag, res.Object.ETag)

	res, err = e.GetObject(ctx, GetInput{Bucket: testBucket, Key: "k", Conditions: Conditions{IfMatch: doc.ETag}})
	require.NoError(t, err)
	res.Body.Close()
}

func TestPutDigestMismatch(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)

	_, err := e.PutObject(context.Background(), PutInput{
		Bucket: testBucket,
		Key:    "k",
		Body:   strings.NewReader("data"),
		Write:  storage.WriteOptions{ContentLength: 4, ContentMD5: "1B2M2Y8AsgTpgAmY7PhCfg=="},
	})
	requireCode(t, err, s3err.ErrBadDigest)

	_, err = e.HeadObject(context.Background(), GetInput{Bucket: testBucket, Key: "k"})
	requireCode(t, err, s3err.ErrNoSuchKey)

	entries, err := os.ReadDir(filepath.Join(e.Root(), testBucket, ".s3s", "tmp"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestKeyDirectoryConflicts(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)

	put(t, e, testBucket, "a/b", "child")
	put(t, e, testBucket, "a", "parent")
	put(t, e, testBucket, "c", "file")
	put(t, e, testBucket, "c/d", "nested")

	for key, want := range map[string]string{"a/b": "child", "a": "parent", "c": "file", "c/d": "nested"} {
		body, doc := get(t, e, testBucket, key, "")
		require.Equal(t, want, body, key)
		require.Equal(t, "null", doc.VersionID)
	}

	page, err := e.ListObjects(context.Background(), testBucket, lister.ObjectsOptions{MaxKeys: 100})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/b", "c", "c/d"}, objectKeys(page.Objects))

	// Overwriting a hashed key keeps a single copy.
	put(t, e, testBucket, "a", "parent2")
	body, _ := get(t, e, testBucket, "a", "")
	require.Equal(t, "parent2", body)

	// Once the directory is gone the key moves back to its verbatim path.
	_, err = e.DeleteObject(context.Background(), testBucket, "a/b", "")
	require.NoError(t, err)
	put(t, e, testBucket, "a", "parent3")
	require.FileExists(t, filepath.Join(e.Root(), testBucket, "a"))
	body, _ = get(t, e, testBucket, "a", "")
	require.Equal(t, "parent3", body)
}

func TestNestedKeyKeepsParentObject(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	ctx := context.Background()

	put(t, e, testBucket, "c", "file")

	_, err := e.DeleteObject(ctx, testBucket, "c/missing", "")
	require.NoError(t, err)
	body, _ := get(t, e, testBucket, "c", "")
	require.Equal(t, "file", body)

	put(t, e, testBucket, "c/d", "nested")
	body, _ = get(t, e, testBucket, "c", "")
	require.Equal(t, "file", body)
	body, _ = get(t, e, testBucket, "c/d", "")
	require.Equal(t, "nested", body)
	require.FileExists(t, filepath.Join(e.Root(), testBucket, "c"))

	_, err = e.DeleteObject(ctx, testBucket, "c/d", "")
	require.NoError(t, err)
	body, _ = get(t, e, testBucket, "c", "")
	require.Equal(t, "file", body)

	page, err := e.ListObjects(ctx, testBucket, lister.ObjectsOptions{MaxKeys: 100})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, objectKeys(page.Objects))
}

func TestUnrepresentableKeys(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)

	keys := []string{"trailing/", "dot/./segment", "double//slash", "name.s3s-meta", ".s3s-tmp-looks-temp"}
	for _, k := range keys {
		put(t, e, testBucket, k, "v:"+k)
	}
	for _, k := range keys {
		body, _ := get(t, e, testBucket, k, "")
		require.Equal(t, "v:"+k, body)
	}
	page, err := e.ListObjects(context.Background(), testBucket, lister.ObjectsOptions{MaxKeys: 100})
	require.NoError(t, err)
	require.ElementsMatch(t, keys, objectKeys(page.Objects))
}

func TestDeleteObjects(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	put(t, e, testBucket, "one", "1")
	put(t, e, testBucket, "two", "2")

	out, err := e.DeleteObjects(context.Background(), testBucket, []ObjectIdentifier{
		{Key: "one"}, {Key: "two"}, {Key: "absent"}, {Key: "../bad"},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.NoError(t, out[0].Err)
	require.NoError(t, out[1].Err)
	require.NoError(t, out[2].Err)
	requireCode(t, out[3].Err, s3err.ErrInvalidArgument)

	page, err := e.ListObjects(context.Background(), testBucket, lister.ObjectsOptions{MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.Objects)
}

func TestBucketSubresources(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	ctx := context.Background()

	_, err := e.GetBucketTagging(ctx, testBucket)
	requireCode(t, err, s3err.ErrNoSuchTagSet)
	require.NoError(t, e.PutBucketTagging(ctx, testBucket, []metadata.Tag{{Key: "env", Value: "dev"}}))
	tags, err := e.GetBucketTagging(ctx, testBucket)
	require.NoError(t, err)
	require.Equal(t, []metadata.Tag{{Key: "env", Value: "dev"}}, tags)
	requireCode(t, e.PutBucketTagging(ctx, testBucket, []metadata.Tag{{Key: "a"}, {Key: "a"}}), s3err.ErrInvalidTag)
	require.NoError(t, e.DeleteBucketTagging(ctx, testBucket))
	_, err = e.GetBucketTagging(ctx, testBucket)
	requireCode(t, err, s3err.ErrNoSuchTagSet)

	_, err = e.GetBucketPolicy(ctx, testBucket)
	requireCode(t, err, s3err.ErrNoSuchBucketPolicy)
	requireCode(t, e.PutBucketPolicy(ctx, testBucket, "{not json"), s3err.ErrMalformedPolicy)
	policy := `{"Version":"2012-10-17","Statement":[]}`
	require.NoError(t, e.PutBucketPolicy(ctx, testBucket, policy))
	got, err := e.GetBucketPolicy(ctx, testBucket)
	require.NoError(t, err)
	require.Equal(t, policy, got)
	require.NoError(t, e.DeleteBucketPolicy(ctx, testBucket))

	acl, err := e.GetBucketACL(ctx, testBucket)
	require.NoError(t, err)
	require.Equal(t, "private", acl.ACL)
	require.NoError(t, e.PutBucketACL(ctx, testBucket, "public-read", nil))
	acl, err = e.GetBucketACL(ctx, testBucket)
	require.NoError(t, err)
	require.Equal(t, "public-read", acl.ACL)

	requireCode(t, e.PutBucketVersioning(ctx, testBucket, "Sometimes"), s3err.ErrIllegalVersioningConfiguration)
	region, err := e.GetBucketLocation(ctx, testBucket)
	require.NoError(t, err)
	require.Equal(t, "us-east-1", region)
}

func TestObjectTaggingAndACL(t *testing.T) {
	e := newTestEngine(t)
	withBucket(t, e, testBucket)
	put(t, e, testBucket, "k", "v")
	ctx := context.Background()

	_, err := e.PutObjectTagging(ctx, testBucket, "k", "", []metadata.Tag{{Key: "color", Value: "blue"}})
	require.NoError(t, err)
	tags, vid, err := e.GetObjectTagging(ctx, testBucket, "k", "")
	require.NoError(t, err)
	require.Equal(t, "null", vid)
	require.Equal(t, []metadata.Tag{{Key: "color", Value: "blue"}}, tags)

	// Tag edits keep the body and ETag.
	body, doc := get(t, e, testBucket, "k", "")
	require.Equal(t, "v", body)
	require.Equal(t, etagOf([]byte("v")), doc.ETag)

	_, err = e.DeleteObjectTagging(ctx, testBucket, "k", "")
	require.NoError(t, err)
	tags, _, err = e.GetObjectTagging(ctx, testBucket, "k", "")
	require.NoError(t, err)
	require.Empty(t, tags)

	require.NoError(t, e.PutObjectACL(ctx, testBucket, "k", "", "public-read", nil))
	acl, err := e.GetObjectACL(ctx, testBucket, "k", "")
	require.NoError(t, err)
	require.Equal(t, "public-read", acl.ACL)

	_, err = e.PutObjectTagging(ctx, testBucket, "missing", "", nil)
	requireCode(t, err, s3err.ErrNoSuchKey)
}
