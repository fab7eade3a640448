// Package serialization exports engine metadata snapshots as JSON lines or
// as a SQLite database, and reads them back.
package serialization

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/s3sfs/s3sfs/internal/engine"
	"github.com/s3sfs/s3sfs/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// Record types of a JSON-lines export.
const (
	TypeBucket = "bucket"
	TypeObject = "object"
	TypeUpload = "upload"
)

// Formats accepted by Export.
const (
	FormatJSON   = "json"
	FormatSQLite = "sqlite"
)

// AllTables lists the SQLite snapshot tables in dependency order.
var AllTables = []string{"buckets", "objects", "multipart_uploads", "multipart_parts"}

// Header is the first line of a JSON-lines export.
type Header struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
	Root       string `json:"root,omitempty"`
}

// Counts reports how many documents of each kind were written or read.
type Counts struct {
	Buckets int `json:"buckets"`
	Objects int `json:"objects"`
	Uploads int `json:"uploads"`
	Parts   int `json:"parts"`
}

type headerLine struct {
	Export Header `json:"s3sfs_export"`
}

type recordLine struct {
	Type string          `json:"type"`
	Doc  json.RawMessage `json:"doc"`
}

func newHeader(root string, now time.Time) Header {
	return Header{
		Version:    ExportVersion,
		ExportedAt: now.UTC().Format(timeFormat),
		Source:     "go/" + Version,
		Root:       root,
	}
}

// ExportJSON writes snap to w as one JSON document per line, preceded by
// a header line.
func ExportJSON(w io.Writer, snap *engine.Snapshot, root string, now time.Time) (Counts, error) {
	var counts Counts
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(headerLine{Export: newHeader(root, now)}); err != nil {
		return counts, fmt.Errorf("writing header: %w", err)
	}

	write := func(typ string, doc any) error {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", typ, err)
		}
		return enc.Encode(recordLine{Type: typ, Doc: raw})
	}
	for _, b := range snap.Buckets {
		if err := write(TypeBucket, b); err != nil {
			return counts, err
		}
		counts.Buckets++
	}
	for _, o := range snap.Objects {
		if err := write(TypeObject, o); err != nil {
			return counts, err
		}
		counts.Objects++
	}
	for _, m := range snap.Uploads {
		if err := write(TypeUpload, m); err != nil {
			return counts, err
		}
		counts.Uploads++
		counts.Parts += len(m.Parts)
	}
	if err := bw.Flush(); err != nil {
		return counts, fmt.Errorf("flushing export: %w", err)
	}
	return counts, nil
}

// ReadJSON parses a JSON-lines export. Unknown record types are rejected.
func ReadJSON(r io.Reader) (*Header, *engine.Snapshot, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, nil, fmt.Errorf("reading header: %w", err)
		}
		return nil, nil, errors.New("empty export")
	}
	var hl headerLine
	if err := json.Unmarshal(sc.Bytes(), &hl); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if hl.Export.Version < 1 || hl.Export.Version > ExportVersion {
		return nil, nil, fmt.Errorf("unsupported export version: %d", hl.Export.Version)
	}

	snap := &engine.Snapshot{}
	line := 1
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var rec recordLine
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := appendDoc(snap, rec.Type, rec.Doc); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading export: %w", err)
	}
	return &hl.Export, snap, nil
}

func appendDoc(snap *engine.Snapshot, typ string, raw []byte) error {
	switch typ {
	case TypeBucket:
		var b metadata.Bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		snap.Buckets = append(snap.Buckets, &b)
	case TypeObject:
		var o metadata.Object
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		snap.Objects = append(snap.Objects, &o)
	case TypeUpload:
		var m metadata.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		snap.Uploads = append(snap.Uploads, &m)
	default:
		return fmt.Errorf("unknown record type %q", typ)
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		exported_at TEXT NOT NULL,
		source      TEXT NOT NULL,
		root        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS buckets (
		name          TEXT PRIMARY KEY,
		region        TEXT NOT NULL DEFAULT '',
		owner_id      TEXT NOT NULL,
		owner_display TEXT NOT NULL DEFAULT '',
		versioning    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		doc           TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS objects (
		bucket        TEXT NOT NULL,
		key           TEXT NOT NULL,
		version_id    TEXT NOT NULL,
		size          INTEGER NOT NULL,
		etag          TEXT NOT NULL DEFAULT '',
		content_type  TEXT NOT NULL DEFAULT '',
		storage_class TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL,
		delete_marker INTEGER NOT NULL DEFAULT 0,
		doc           TEXT NOT NULL,
		PRIMARY KEY (bucket, key, version_id)
	);

	CREATE TABLE IF NOT EXISTS multipart_uploads (
		upload_id     TEXT PRIMARY KEY,
		bucket        TEXT NOT NULL,
		key           TEXT NOT NULL,
		owner_id      TEXT NOT NULL,
		owner_display TEXT NOT NULL DEFAULT '',
		initiated_at  TEXT NOT NULL,
		doc           TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS multipart_parts (
		upload_id     TEXT NOT NULL REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE,
		part_number   INTEGER NOT NULL,
		size          INTEGER NOT NULL,
		etag          TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	);
`

// ExportSQLite writes snap into a new SQLite database at dbPath. Existing
// snapshot tables are replaced.
func ExportSQLite(ctx context.Context, dbPath string, snap *engine.Snapshot, root string, now time.Time) (Counts, error) {
	var counts Counts
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return counts, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	for _, p := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return counts, fmt.Errorf("executing %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return counts, fmt.Errorf("creating schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for i := len(AllTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+AllTables[i]); err != nil {
			return counts, fmt.Errorf("clearing %s: %w", AllTables[i], err)
		}
	}
	h := newHeader(root, now)
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		return counts, fmt.Errorf("clearing schema_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, exported_at, source, root) VALUES (?, ?, ?, ?)",
		h.Version, h.ExportedAt, h.Source, h.Root); err != nil {
		return counts, fmt.Errorf("writing schema_version: %w", err)
	}

	for _, b := range snap.Buckets {
		doc, err := json.Marshal(b)
		if err != nil {
			return counts, fmt.Errorf("encoding bucket %s: %w", b.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO buckets (name, region, owner_id, owner_display, versioning, created_at, doc)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.Name, b.Region, b.Owner.ID, b.Owner.DisplayName, b.Versioning,
			b.Created.UTC().Format(timeFormat), string(doc)); err != nil {
			return counts, fmt.Errorf("inserting bucket %s: %w", b.Name, err)
		}
		counts.Buckets++
	}

	for _, o := range snap.Objects {
		doc, err := json.Marshal(o)
		if err != nil {
			return counts, fmt.Errorf("encoding object %s/%s: %w", o.Bucket, o.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO objects (bucket, key, version_id, size, etag, content_type, storage_class,
			 last_modified, delete_marker, doc) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.Bucket, o.Key, o.VersionID, o.Size, o.ETag, o.ContentType, o.StorageClass,
			o.LastModified.UTC().Format(timeFormat), boolInt(o.DeleteMarker), string(doc)); err != nil {
			return counts, fmt.Errorf("inserting object %s/%s: %w", o.Bucket, o.Key, err)
		}
		counts.Objects++
	}

	for _, m := range snap.Uploads {
		doc, err := json.Marshal(m)
		if err != nil {
			return counts, fmt.Errorf("encoding upload %s: %w", m.UploadID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_uploads (upload_id, bucket, key, owner_id, owner_display, initiated_at, doc)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.UploadID, m.Bucket, m.Key, m.Owner.ID, m.Owner.DisplayName,
			m.Initiated.UTC().Format(timeFormat), string(doc)); err != nil {
			return counts, fmt.Errorf("inserting upload %s: %w", m.UploadID, err)
		}
		counts.Uploads++
		for _, p := range m.Parts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO multipart_parts (upload_id, part_number, size, etag, last_modified)
				 VALUES (?, ?, ?, ?, ?)`,
				m.UploadID, p.Number, p.Size, p.ETag, p.LastModified.UTC().Format(timeFormat)); err != nil {
				return counts, fmt.Errorf("inserting part %d of %s: %w", p.Number, m.UploadID, err)
			}
			counts.Parts++
		}
	}

	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("committing transaction: %w", err)
	}
	return counts, nil
}

// ReadSQLite loads a snapshot written by ExportSQLite.
func ReadSQLite(ctx context.Context, dbPath string) (*Header, *engine.Snapshot, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	var h Header
	if err := db.QueryRowContext(ctx,
		"SELECT version, exported_at, source, root FROM schema_version ORDER BY version DESC LIMIT 1").
		Scan(&h.Version, &h.ExportedAt, &h.Source, &h.Root); err != nil {
		return nil, nil, fmt.Errorf("reading schema_version: %w", err)
	}
	if h.Version < 1 || h.Version > ExportVersion {
		return nil, nil, fmt.Errorf("unsupported export version: %d", h.Version)
	}

	snap := &engine.Snapshot{}
	queries := []struct {
		typ, query string
	}{
		{TypeBucket, "SELECT doc FROM buckets ORDER BY name"},
		{TypeObject, "SELECT doc FROM objects ORDER BY bucket, key, rowid"},
		{TypeUpload, "SELECT doc FROM multipart_uploads ORDER BY upload_id"},
	}
	for _, q := range queries {
		rows, err := db.QueryContext(ctx, q.query)
		if err != nil {
			return nil, nil, fmt.Errorf("querying %ss: %w", q.typ, err)
		}
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("scanning %s row: %w", q.typ, err)
			}
			if err := appendDoc(snap, q.typ, []byte(doc)); err != nil {
				rows.Close()
				return nil, nil, err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, nil, fmt.Errorf("iterating %ss: %w", q.typ, err)
		}
	}
	return &h, snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
