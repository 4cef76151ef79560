package gateway

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/location"
)

func testRegistry(t *testing.T) *location.Registry {
	t.Helper()
	cfg := config.StorageConfig{
		DefaultLocation: "primary",
		LocationConstraints: map[string]config.LocationConfig{
			"primary":   {Type: "mem", BucketMatch: true},
			"secondary": {Type: "mem", BucketMatch: false},
		},
	}
	r, err := location.NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	body := "hello gateway"
	loc, written, err := g.Put(ctx, "primary", "my-bucket", "my-key", strings.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(body)) {
		t.Errorf("bytes written = %d, want %d", written, len(body))
	}
	if loc.DataStoreName != "primary" {
		t.Errorf("DataStoreName = %q, want %q", loc.DataStoreName, "primary")
	}

	r, size, _, err := g.Get(ctx, loc, "my-bucket", "my-key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading object: %v", err)
	}
	if string(data) != body {
		t.Errorf("round-tripped data = %q, want %q", data, body)
	}
	if size != int64(len(body)) {
		t.Errorf("size = %d, want %d", size, len(body))
	}

	if err := g.Delete(ctx, loc, "my-bucket", "my-key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, _, _, err := g.Get(ctx, loc, "my-bucket", "my-key"); err == nil {
		t.Error("expected an error reading a deleted object")
	}
}

func TestPutDefaultsToRegistryDefaultLocation(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	loc, _, err := g.Put(ctx, "", "my-bucket", "my-key", strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc.DataStoreName != "primary" {
		t.Errorf("DataStoreName = %q, want %q", loc.DataStoreName, "primary")
	}
}

func TestPutUnknownLocationFallsBackToLegacy(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	loc, _, err := g.Put(ctx, "nonexistent", "my-bucket", "my-key", strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc.DataStoreName != "legacy" {
		t.Errorf("DataStoreName = %q, want %q", loc.DataStoreName, "legacy")
	}
}

func TestCopyObjectSameLocation(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	srcLoc, _, err := g.Put(ctx, "primary", "bucket-a", "src-key", strings.NewReader("payload"), 7)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	dstLoc, err := g.CopyObject(ctx, srcLoc, "bucket-a", "src-key", "primary", "bucket-a", "dst-key")
	if err != nil {
		t.Fatalf("CopyObject failed: %v", err)
	}

	r, _, _, err := g.Get(ctx, dstLoc, "bucket-a", "dst-key")
	if err != nil {
		t.Fatalf("Get on copy destination failed: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "payload" {
		t.Errorf("copied data = %q, want %q", data, "payload")
	}
}

func TestCopyObjectAcrossLocationsUnsupported(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	srcLoc, _, err := g.Put(ctx, "primary", "bucket-a", "src-key", strings.NewReader("payload"), 7)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := g.CopyObject(ctx, srcLoc, "bucket-a", "src-key", "secondary", "bucket-a", "dst-key"); err == nil {
		t.Error("expected cross-location copy to be rejected")
	}
}

func TestUploadPartAndCompleteMPU(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	if _, err := g.UploadPart(ctx, "primary", "my-bucket", "my-key", "upload-1", 1, strings.NewReader("part-one"), 8); err != nil {
		t.Fatalf("UploadPart(1) failed: %v", err)
	}
	if _, err := g.UploadPart(ctx, "primary", "my-bucket", "my-key", "upload-1", 2, strings.NewReader("part-two"), 8); err != nil {
		t.Fatalf("UploadPart(2) failed: %v", err)
	}

	loc, err := g.CompleteMPU(ctx, "primary", "my-bucket", "my-key", "upload-1", []int{1, 2})
	if err != nil {
		t.Fatalf("CompleteMPU failed: %v", err)
	}

	r, _, _, err := g.Get(ctx, loc, "my-bucket", "my-key")
	if err != nil {
		t.Fatalf("Get after CompleteMPU failed: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "part-onepart-two" {
		t.Errorf("assembled data = %q, want %q", data, "part-onepart-two")
	}
}

func TestAbortMPU(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	if _, err := g.UploadPart(ctx, "primary", "my-bucket", "my-key", "upload-2", 1, strings.NewReader("part"), 4); err != nil {
		t.Fatalf("UploadPart failed: %v", err)
	}

	skip, err := g.AbortMPU(ctx, "primary", "my-bucket", "my-key", "upload-2")
	if err != nil {
		t.Fatalf("AbortMPU failed: %v", err)
	}
	if skip {
		t.Error("expected skipDataDelete = false for the in-memory backend")
	}
}

func TestHealthCheckCoversEveryLocation(t *testing.T) {
	g := New(testRegistry(t))
	statuses := g.HealthCheck(context.Background())

	seen := make(map[string]bool)
	for _, s := range statuses {
		seen[s.Location] = true
		if s.Code != 200 {
			t.Errorf("location %q code = %d, want 200", s.Location, s.Code)
		}
	}
	for _, name := range []string{"primary", "secondary", "legacy"} {
		if !seen[name] {
			t.Errorf("HealthCheck did not report on location %q", name)
		}
	}
}

func TestTaggingRoundTrip(t *testing.T) {
	g := New(testRegistry(t))
	ctx := context.Background()

	loc, _, err := g.Put(ctx, "primary", "my-bucket", "my-key", strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := g.PutTagging(ctx, loc, "my-bucket", "my-key", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("PutTagging failed: %v", err)
	}
	tags, err := g.GetTagging(ctx, loc, "my-bucket", "my-key")
	if err != nil {
		t.Fatalf("GetTagging failed: %v", err)
	}
	if tags["k"] != "v" {
		t.Errorf("tags[%q] = %q, want %q", "k", tags["k"], "v")
	}

	if err := g.DeleteTagging(ctx, loc, "my-bucket", "my-key"); err != nil {
		t.Fatalf("DeleteTagging failed: %v", err)
	}
}
