package datawrapper

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/gateway"
	"github.com/bleepstore/bleepstore/internal/kms"
	"github.com/bleepstore/bleepstore/internal/location"
)

func testGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	cfg := config.StorageConfig{
		DefaultLocation: "primary",
		LocationConstraints: map[string]config.LocationConfig{
			"primary": {Type: "mem", BucketMatch: true},
		},
	}
	r, err := location.NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return gateway.New(r)
}

func md5Base64(s string) string {
	sum := md5.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestPutGetRoundTripUnencrypted(t *testing.T) {
	w := New(testGateway(t), kms.NewMemoryKeyManager())
	ctx := context.Background()

	body := "plaintext object body"
	loc, written, err := w.Put(ctx, PutRequest{
		DataStoreName: "primary",
		Bucket:        "my-bucket",
		Key:           "my-key",
		Body:          strings.NewReader(body),
		Size:          int64(len(body)),
		ContentMD5:    md5Base64(body),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(body)) {
		t.Errorf("written = %d, want %d", written, len(body))
	}
	if loc.CipheredDataKey != "" {
		t.Errorf("expected no cipher metadata, got %+v", loc)
	}

	r, _, _, err := w.Get(ctx, loc, "my-bucket", "my-key")
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
}

func TestPutGetRoundTripEncrypted(t *testing.T) {
	keys := kms.NewMemoryKeyManager()
	w := New(testGateway(t), keys)
	ctx := context.Background()

	masterKeyID, err := keys.CreateBucketKey(ctx, "my-bucket")
	if err != nil {
		t.Fatalf("CreateBucketKey failed: %v", err)
	}

	body := "sensitive object body"
	loc, _, err := w.Put(ctx, PutRequest{
		DataStoreName: "primary",
		Bucket:        "my-bucket",
		Key:           "my-key",
		Body:          strings.NewReader(body),
		Size:          int64(len(body)),
		MasterKeyID:   masterKeyID,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc.CipheredDataKey == "" || loc.MasterKeyID != masterKeyID {
		t.Fatalf("expected cipher metadata populated, got %+v", loc)
	}

	r, _, _, err := w.Get(ctx, loc, "my-bucket", "my-key")
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
}

func TestPutContentMD5MismatchDeletesAndReturnsBadDigest(t *testing.T) {
	w := New(testGateway(t), kms.NewMemoryKeyManager())
	ctx := context.Background()

	body := "object body"
	_, _, err := w.Put(ctx, PutRequest{
		DataStoreName: "primary",
		Bucket:        "my-bucket",
		Key:           "mismatched-key",
		Body:          strings.NewReader(body),
		Size:          int64(len(body)),
		ContentMD5:    md5Base64("a completely different body"),
	})
	if err != errors.ErrBadDigest {
		t.Fatalf("err = %v, want ErrBadDigest", err)
	}
}

func TestBatchDeleteSkipsInPlaceOverwrite(t *testing.T) {
	gw := testGateway(t)
	w := New(gw, kms.NewMemoryKeyManager())
	ctx := context.Background()

	body := "object body"
	loc, _, err := w.Put(ctx, PutRequest{
		DataStoreName: "primary",
		Bucket:        "my-bucket",
		Key:           "my-key",
		Body:          strings.NewReader(body),
		Size:          int64(len(body)),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	newLoc := loc
	if err := w.BatchDelete(ctx, []DeleteRequest{
		{Bucket: "my-bucket", Key: "my-key", Old: loc, New: &newLoc},
	}); err != nil {
		t.Fatalf("BatchDelete failed: %v", err)
	}

	// The in-place "overwrite" must have been skipped: the object should
	// still be readable.
	r, _, _, err := w.Get(ctx, loc, "my-bucket", "my-key")
	if err != nil {
		t.Fatalf("expected object to survive the skipped delete, Get failed: %v", err)
	}
	r.Close()
}

func TestBatchDeleteRemovesUnsupersededLocations(t *testing.T) {
	gw := testGateway(t)
	w := New(gw, kms.NewMemoryKeyManager())
	ctx := context.Background()

	body := "object body"
	loc, _, err := w.Put(ctx, PutRequest{
		DataStoreName: "primary",
		Bucket:        "my-bucket",
		Key:           "my-key",
		Body:          strings.NewReader(body),
		Size:          int64(len(body)),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := w.BatchDelete(ctx, []DeleteRequest{
		{Bucket: "my-bucket", Key: "my-key", Old: loc},
	}); err != nil {
		t.Fatalf("BatchDelete failed: %v", err)
	}

	if _, _, _, err := w.Get(ctx, loc, "my-bucket", "my-key"); err == nil {
		t.Error("expected Get to fail after BatchDelete removed the object")
	}
}
