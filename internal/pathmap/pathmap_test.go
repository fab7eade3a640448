package pathmap

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

func TestBucketNameError(t *testing.T) {
	valid := []string{"abc", "my-bucket", "my.bucket.name", "a1b2c3", strings.Repeat("a", 63)}
	for _, name := range valid {
		if msg := BucketNameError(name); msg != "" {
			t.Errorf("BucketNameError(%q) = %q, want valid", name, msg)
		}
	}

	invalid := []string{
		"ab", strings.Repeat("a", 64), "MyBucket", "-bucket", "bucket-", "my_bucket",
		"192.168.1.1", "xn--bucket", "bucket-s3alias", "my..bucket", "my--bucket", "my.-bucket",
	}
	for _, name := range invalid {
		if msg := BucketNameError(name); msg == "" {
			t.Errorf("BucketNameError(%q) = valid, want error", name)
		}
	}

	if err := ValidateBucketName("Bad"); !s3err.Is(err, s3err.ErrInvalidBucketName) {
		t.Errorf("ValidateBucketName = %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key  string
		want *s3err.S3Error
	}{
		{"hello.txt", nil},
		{"a/b/c", nil},
		{"dir/", nil},
		{"a//b", nil},
		{".hidden", nil},
		{"a/.s3s/b", nil},
		{"", s3err.ErrInvalidArgument},
		{strings.Repeat("k", 1025), s3err.ErrKeyTooLongError},
		{"a\x00b", s3err.ErrInvalidArgument},
		{"/abs", s3err.ErrInvalidArgument},
		{"../up", s3err.ErrInvalidArgument},
		{"a/../../b", s3err.ErrInvalidArgument},
		{".s3s", s3err.ErrInvalidArgument},
		{".s3s/bucket.meta", s3err.ErrInvalidArgument},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if tt.want == nil {
			if err != nil {
				t.Errorf("ValidateKey(%q) = %v, want nil", tt.key, err)
			}
			continue
		}
		if !s3err.Is(err, tt.want) {
			t.Errorf("ValidateKey(%q) = %v, want %s", tt.key, err, tt.want.Code)
		}
	}
}

func TestRepresentable(t *testing.T) {
	long := strings.Repeat("n", 256)
	tests := map[string]bool{
		"hello.txt":    true,
		"a/b/c.txt":    true,
		".gitignore":   true,
		"dir/":         false,
		"a//b":         false,
		"./a":          false,
		"x.s3s-meta":   false,
		"a/.s3s-tmp-1": false,
		long:           false,
	}
	for key, want := range tests {
		if got := Representable(key); got != want {
			t.Errorf("Representable(%q) = %v, want %v", key, got, want)
		}
	}
	if runtime.GOOS == "windows" && Representable("a:b") {
		t.Error("colon must not be representable on windows")
	}
}

func TestObjectPaths(t *testing.T) {
	m := New("/data")

	loc := m.ObjectPaths("b", "a/b.txt", "")
	if !loc.Verbatim {
		t.Fatal("plain key should be verbatim")
	}
	if loc.Blob != filepath.Join("/data", "b", "a", "b.txt") {
		t.Errorf("Blob = %q", loc.Blob)
	}
	if loc.Meta != loc.Blob+SidecarSuffix {
		t.Errorf("Meta = %q", loc.Meta)
	}

	loc = m.ObjectPaths("b", "folder/", NullVersion)
	if loc.Verbatim {
		t.Fatal("trailing slash key must use the hashed layout")
	}
	want := filepath.Join("/data", "b", ".s3s", "versions", KeyHash("folder/"), "null")
	if loc.Blob != want || loc.Meta != want+".meta" {
		t.Errorf("hashed null = %+v, want blob %q", loc, want)
	}

	loc = m.ObjectPaths("b", "k", "01J00000000000000000000000")
	if loc.Verbatim || filepath.Base(loc.Blob) != "01J00000000000000000000000" {
		t.Errorf("version location = %+v", loc)
	}
}

func TestLayoutPaths(t *testing.T) {
	m := New("/data")
	id := "0123456789abcdef0123456789abcdef"
	checks := map[string]string{
		m.BucketMetaPath("b"):   "/data/b/.s3s/bucket.meta",
		m.TempDir("b"):          "/data/b/.s3s/tmp",
		m.UploadDir("b", id):    "/data/b/.s3s/uploads/" + id,
		m.ManifestPath("b", id): "/data/b/.s3s/uploads/" + id + "/manifest",
		m.PartPath("b", id, 7):  "/data/b/.s3s/uploads/" + id + "/7",
	}
	for got, want := range checks {
		if got != filepath.FromSlash(want) {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}

func TestKeyHash(t *testing.T) {
	h := KeyHash("a")
	if len(h) != 64 {
		t.Fatalf("len = %d", len(h))
	}
	if h == KeyHash("b") || h != KeyHash("a") {
		t.Error("KeyHash is not a function of the key")
	}
}

func TestValidateIdentifiers(t *testing.T) {
	if err := ValidateUploadID("0123456789abcdef0123456789abcdef"); err != nil {
		t.Errorf("valid upload id rejected: %v", err)
	}
	for _, id := range []string{"", "../x", "0123456789ABCDEF0123456789ABCDEF"} {
		if !s3err.Is(ValidateUploadID(id), s3err.ErrNoSuchUpload) {
			t.Errorf("ValidateUploadID(%q) accepted", id)
		}
	}
	for _, n := range []int{0, 10001, -1} {
		if !s3err.Is(ValidatePartNumber(n), s3err.ErrInvalidArgument) {
			t.Errorf("ValidatePartNumber(%d) accepted", n)
		}
	}
	if ValidatePartNumber(1) != nil || ValidatePartNumber(10000) != nil {
		t.Error("boundary part numbers rejected")
	}
	if ValidateVersionID("null") != nil || ValidateVersionID("01HZX3J8Q6W5V4T3S2R1P0N9M8") != nil {
		t.Error("valid version ids rejected")
	}
	if ValidateVersionID("../../etc") == nil {
		t.Error("traversal version id accepted")
	}
}
