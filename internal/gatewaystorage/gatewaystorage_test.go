package gatewaystorage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/datawrapper"
	"github.com/bleepstore/bleepstore/internal/gateway"
	"github.com/bleepstore/bleepstore/internal/kms"
	"github.com/bleepstore/bleepstore/internal/location"
	"github.com/bleepstore/bleepstore/internal/metadata"
)

func testAdapter(t *testing.T) (*Adapter, metadata.MetadataStore) {
	t.Helper()

	meta, err := metadata.NewSQLiteStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	cfg := config.StorageConfig{
		DefaultLocation: "primary",
		LocationConstraints: map[string]config.LocationConfig{
			"primary":   {Type: "mem", BucketMatch: true},
			"secondary": {Type: "mem", BucketMatch: true},
		},
	}
	registry, err := location.NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	gw := gateway.New(registry)
	wrap := datawrapper.New(gw, kms.NewMemoryKeyManager())
	return New(meta, gw, wrap), meta
}

func TestPutGetDeleteRoundTripViaBucketDefaultLocation(t *testing.T) {
	a, meta := testAdapter(t)
	ctx := context.Background()

	if err := meta.CreateBucket(ctx, &metadata.BucketRecord{Name: "my-bucket", DefaultLocation: "secondary"}); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	if err := a.CreateBucket(ctx, "my-bucket"); err != nil {
		t.Fatalf("adapter CreateBucket failed: %v", err)
	}

	body := "object body routed to secondary"
	written, etag, err := a.PutObject(ctx, "my-bucket", "my-key", strings.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if written != int64(len(body)) {
		t.Errorf("written = %d, want %d", written, len(body))
	}
	if etag == "" {
		t.Error("expected a non-empty etag")
	}

	if err := meta.PutObject(ctx, &metadata.ObjectRecord{
		Bucket: "my-bucket", Key: "my-key", Size: written, ETag: etag,
		Location: metadata.DataLocation{DataStoreName: "secondary"},
	}); err != nil {
		t.Fatalf("meta.PutObject failed: %v", err)
	}

	r, _, _, err := a.GetObject(ctx, "my-bucket", "my-key")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading object: %v", err)
	}
	if string(data) != body {
		t.Errorf("round-tripped data = %q, want %q", data, body)
	}

	if err := a.DeleteObject(ctx, "my-bucket", "my-key"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, _, _, err := a.GetObject(ctx, "my-bucket", "my-key"); err == nil {
		t.Error("expected an error reading a deleted object")
	}
}

func TestHealthCheckAggregatesEveryLocation(t *testing.T) {
	a, _ := testAdapter(t)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestCapabilitiesReportsFullSet(t *testing.T) {
	a, _ := testAdapter(t)
	caps := a.Capabilities()
	if !caps.CopyObject || !caps.UploadPart || !caps.ObjectTagging {
		t.Errorf("Capabilities() = %+v, want every flag set", caps)
	}
}
