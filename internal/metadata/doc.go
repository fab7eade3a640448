// Package metadata persists object sidecars, bucket documents and
// multipart manifests as versioned JSON documents.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"
)

// SchemaVersion is written into every document.
const SchemaVersion = 1

// Owner identifies the principal that created a bucket, object or upload.
type Owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Grant is one explicit ACL entry.
type Grant struct {
	GranteeType string `json:"grantee_type"`
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	URI         string `json:"uri,omitempty"`
	Email       string `json:"email,omitempty"`
	Permission  string `json:"permission"`
}

// Headers are the content headers captured from a PUT or an initiate call.
type Headers struct {
	ContentType        string `json:"content_type,omitempty"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	Expires            string `json:"expires,omitempty"`
	StorageClass       string `json:"storage_class,omitempty"`
}

// Object is the metadata of one object version.
type Object struct {
	SchemaVersion int       `json:"schema_version"`
	Bucket        string    `json:"bucket"`
	Key           string    `json:"key"`
	VersionID     string    `json:"version_id"`
	DeleteMarker  bool      `json:"delete_marker,omitempty"`
	Size          int64     `json:"size"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  time.Time `json:"last_modified"`
	Headers
	UserMetadata   map[string]string `json:"user_metadata,omitempty"`
	Tags           []Tag             `json:"tags,omitempty"`
	ACL            string            `json:"acl,omitempty"`
	Grants         []Grant           `json:"grants,omitempty"`
	Owner          Owner             `json:"owner"`
	ChecksumSHA256 string            `json:"checksum_sha256,omitempty"`
	PartsCount     int               `json:"parts_count,omitempty"`
	UploadID       string            `json:"upload_id,omitempty"`

	extra map[string]json.RawMessage
}

func (o *Object) UnmarshalJSON(data []byte) error {
	type plain Object
	extra, err := decodeDoc(data, (*plain)(o))
	if err != nil {
		return err
	}
	o.extra = extra
	return nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	type plain Object
	return encodeDoc(plain(o), o.extra)
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	c.UserMetadata = maps.Clone(o.UserMetadata)
	c.Tags = slices.Clone(o.Tags)
	c.Grants = slices.Clone(o.Grants)
	c.extra = maps.Clone(o.extra)
	return &c
}

// Meta returns the user metadata value for name, ignoring case.
func (o *Object) Meta(name string) (string, bool) {
	v, ok := o.UserMetadata[strings.ToLower(name)]
	return v, ok
}

// Bucket is the document stored in .s3s/bucket.meta.
type Bucket struct {
	SchemaVersion int       `json:"schema_version"`
	Name          string    `json:"name"`
	Created       time.Time `json:"created"`
	Owner         Owner     `json:"owner"`
	Region        string    `json:"region,omitempty"`
	// Versioning is "", "Enabled" or "Suspended".
	Versioning string  `json:"versioning,omitempty"`
	Tags       []Tag   `json:"tags,omitempty"`
	Policy     string  `json:"policy,omitempty"`
	ACL        string  `json:"acl,omitempty"`
	Grants     []Grant `json:"grants,omitempty"`

	// Adopted marks a bucket directory found on disk without a document.
	Adopted bool `json:"-"`

	extra map[string]json.RawMessage
}

func (b *Bucket) UnmarshalJSON(data []byte) error {
	type plain Bucket
	extra, err := decodeDoc(data, (*plain)(b))
	if err != nil {
		return err
	}
	b.extra = extra
	return nil
}

func (b Bucket) MarshalJSON() ([]byte, error) {
	type plain Bucket
	return encodeDoc(plain(b), b.extra)
}

func (b *Bucket) Clone() *Bucket {
	c := *b
	c.Tags = slices.Clone(b.Tags)
	c.Grants = slices.Clone(b.Grants)
	c.extra = maps.Clone(b.extra)
	return &c
}

// Versioning states.
const (
	VersioningEnabled   = "Enabled"
	VersioningSuspended = "Suspended"
)

// Part is one entry of a manifest part inventory.
type Part struct {
	Number       int       `json:"number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// Completion is recorded in a manifest before assembly starts.
type Completion struct {
	ETag    string    `json:"etag"`
	Parts   int       `json:"parts"`
	Started time.Time `json:"started"`
}

// Manifest describes one in-progress multipart upload.
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	UploadID      string    `json:"upload_id"`
	Bucket        string    `json:"bucket"`
	Key           string    `json:"key"`
	Initiated     time.Time `json:"initiated"`
	Owner         Owner     `json:"owner"`
	Headers
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	Tags         []Tag             `json:"tags,omitempty"`
	ACL          string            `json:"acl,omitempty"`
	Parts        []Part            `json:"parts"`
	Completion   *Completion       `json:"completion,omitempty"`

	extra map[string]json.RawMessage
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	type plain Manifest
	extra, err := decodeDoc(data, (*plain)(m))
	if err != nil {
		return err
	}
	m.extra = extra
	return nil
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	type plain Manifest
	if m.Parts == nil {
		m.Parts = []Part{}
	}
	return encodeDoc(plain(m), m.extra)
}

// Part returns the inventory entry for number.
func (m *Manifest) Part(number int) (Part, bool) {
	i, ok := slices.BinarySearchFunc(m.Parts, number, func(p Part, n int) int { return p.Number - n })
	if !ok {
		return Part{}, false
	}
	return m.Parts[i], true
}

// SetPart adds or replaces a part, keeping the inventory ordered.
func (m *Manifest) SetPart(p Part) {
	i, ok := slices.BinarySearchFunc(m.Parts, p.Number, func(q Part, n int) int { return q.Number - n })
	if ok {
		m.Parts[i] = p
		return
	}
	m.Parts = slices.Insert(m.Parts, i, p)
}

// decodeDoc unmarshals data into v and returns the top-level fields v does
// not declare, so a rewrite can carry them forward.
func decodeDoc(data []byte, v any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	sv, ok := raw["schema_version"]
	if !ok || bytes.Equal(sv, []byte("0")) {
		return nil, fmt.Errorf("missing schema_version")
	}
	known := knownFields(reflect.TypeOf(v).Elem())
	for name := range raw {
		if known[name] {
			delete(raw, name)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func encodeDoc(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	known := knownFields(reflect.TypeOf(v))
	for name, value := range extra {
		if !known[name] {
			out[name] = value
		}
	}
	return json.Marshal(out)
}

var fieldCache sync.Map // reflect.Type -> map[string]bool

// knownFields returns the JSON names t declares, including those of
// embedded structs.
func knownFields(t reflect.Type) map[string]bool {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string]bool)
	}
	names := make(map[string]bool)
	collectFields(t, names)
	fieldCache.Store(t, names)
	return names
}

func collectFields(t reflect.Type, names map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if f.Anonymous && tag == "" && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, names)
			continue
		}
		if !f.IsExported() || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		names[name] = true
	}
}
