package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/s3sfs/s3sfs/internal/engine"
	"github.com/s3sfs/s3sfs/internal/serialization"
)

// seedRoot creates a storage root holding one bucket with one object.
func seedRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	e, err := engine.New(engine.Options{Root: root})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer e.Close()
	ctx := context.Background()
	if _, err := e.CreateBucket(ctx, engine.CreateBucketInput{Name: "tool"}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := e.PutObject(ctx, engine.PutInput{Bucket: "tool", Key: "k", Body: strings.NewReader("v")}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	return root
}

func TestExportJSON(t *testing.T) {
	root := seedRoot(t)
	var out bytes.Buffer
	if rc := runExport(context.Background(), []string{"--root", root}, &out); rc != 0 {
		t.Fatalf("export rc = %d", rc)
	}
	_, snap, err := serialization.ReadJSON(&out)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(snap.Buckets) != 1 || len(snap.Objects) != 1 {
		t.Errorf("exported %d buckets, %d objects", len(snap.Buckets), len(snap.Objects))
	}
}

func TestExportSQLite(t *testing.T) {
	root := seedRoot(t)
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	if rc := runExport(context.Background(), []string{"--root", root, "--format", "sqlite"}, os.Stdout); rc != 1 {
		t.Errorf("sqlite export without --output rc = %d, want 1", rc)
	}
	if rc := runExport(context.Background(), []string{"--root", root, "--format", "sqlite", "--output", dbPath}, os.Stdout); rc != 0 {
		t.Fatalf("sqlite export rc = %d", rc)
	}
	_, snap, err := serialization.ReadSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("ReadSQLite: %v", err)
	}
	if len(snap.Objects) != 1 || snap.Objects[0].Key != "k" {
		t.Errorf("sqlite snapshot objects = %+v", snap.Objects)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	if rc := runExport(context.Background(), []string{"--root", t.TempDir(), "--format", "xml"}, os.Stdout); rc != 1 {
		t.Errorf("rc = %d, want 1", rc)
	}
}

func TestFsckClean(t *testing.T) {
	root := seedRoot(t)
	var out bytes.Buffer
	if rc := runFsck(context.Background(), []string{"--root", root}, &out); rc != 0 {
		t.Errorf("fsck rc = %d, output %s", rc, out.String())
	}
}

func TestSweep(t *testing.T) {
	root := seedRoot(t)
	var out bytes.Buffer
	if rc := runSweep(context.Background(), []string{"--root", root, "--ttl", "1h"}, &out); rc != 0 {
		t.Fatalf("sweep rc = %d", rc)
	}
	if !strings.Contains(out.String(), "buckets: 1") {
		t.Errorf("sweep output = %s", out.String())
	}
}
