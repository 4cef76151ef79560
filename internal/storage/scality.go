// Package storage — scality.go provides the "scality" backend client: a
// native RPC/HTTP proxy to a Scality-style object store (RING/CloudServer
// connectors in the real ecosystem this spec is modeled on). Unlike the
// cloud SDK backends, there is no off-the-shelf Go client for this RPC
// dialect in the example corpus, so this client speaks the proxy's HTTP
// contract directly with net/http — the justified standard-library choice
// recorded in DESIGN.md for this one backend type.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ScalityAPI is the narrow HTTP surface the scality backend depends on,
// mockable in tests the same way S3API/AzureBlobAPI/GCSAPI are.
type ScalityAPI interface {
	Do(req *http.Request) (*http.Response, error)
}

// ScalityBackend proxies object data operations to a scality-style RPC/HTTP
// endpoint. This variant is distinguished by accepting a bare key
// (rather than a full data-retrieval-info record) on its GET path.
type ScalityBackend struct {
	// Endpoint is the base URL of the scality RPC proxy.
	Endpoint string
	client   ScalityAPI
	tags     *tagStore
}

// NewScalityBackend creates a ScalityBackend talking to the given endpoint
// with the default http.Client.
func NewScalityBackend(endpoint string) *ScalityBackend {
	return &ScalityBackend{Endpoint: endpoint, client: http.DefaultClient, tags: newTagStore()}
}

// NewScalityBackendWithClient creates a ScalityBackend with an injected
// HTTP client, for testing.
func NewScalityBackendWithClient(endpoint string, client ScalityAPI) *ScalityBackend {
	return &ScalityBackend{Endpoint: endpoint, client: client, tags: newTagStore()}
}

func (b *ScalityBackend) nativeKey(bucket, key string) string {
	return bucket + "/" + key
}

func (b *ScalityBackend) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.Endpoint+path, body)
	if err != nil {
		return nil, err
	}
	return b.client.Do(req)
}

// PutObject streams data to the proxy, computing MD5 locally for the ETag
// the way the cloud backends do (the proxy's own ETag is not trusted).
func (b *ScalityBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	h := md5.New()
	h.Write(data)
	etag := fmt.Sprintf(`"%x"`, h.Sum(nil))

	resp, err := b.do(ctx, http.MethodPut, "/"+url.PathEscape(b.nativeKey(bucket, key)), bytes.NewReader(data))
	if err != nil {
		return 0, "", fmt.Errorf("scality PUT: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("scality PUT returned status %d", resp.StatusCode)
	}
	return int64(len(data)), etag, nil
}

// GetObject fetches by the bare native key, per the scality variant's
// documented "bare key" GET contract.
func (b *ScalityBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	resp, err := b.do(ctx, http.MethodGet, "/"+url.PathEscape(b.nativeKey(bucket, key)), nil)
	if err != nil {
		return nil, 0, "", fmt.Errorf("scality GET: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, "", fmt.Errorf("scality GET returned status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, "", nil
}

// DeleteObject removes an object by bare native key.
func (b *ScalityBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	resp, err := b.do(ctx, http.MethodDelete, "/"+url.PathEscape(b.nativeKey(bucket, key)), nil)
	if err != nil {
		return fmt.Errorf("scality DELETE: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("scality DELETE returned status %d", resp.StatusCode)
	}
	return nil
}

// CopyObject is not supported by this variant: cross-backend copy is
// not implemented, and same-backend copy requires server support
// this proxy contract does not expose.
func (b *ScalityBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	return "", fmt.Errorf("copyObject not implemented for scality backend")
}

// PutPart is not supported: this variant has no multipart RPC in its
// documented contract; its distinguishing feature is the bare-key GET
// path, not MPU support.
func (b *ScalityBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	return "", fmt.Errorf("multipart upload not implemented for scality backend")
}

// AssembleParts is not supported; see PutPart.
func (b *ScalityBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	return "", fmt.Errorf("multipart upload not implemented for scality backend")
}

// DeleteParts is not supported; see PutPart.
func (b *ScalityBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return fmt.Errorf("multipart upload not implemented for scality backend")
}

// CreateBucket is a no-op: scality-style proxies address objects by a flat
// native key with no bucket provisioning step of their own.
func (b *ScalityBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }

// DeleteBucket is a no-op for the same reason as CreateBucket.
func (b *ScalityBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

// ObjectExists issues a HEAD against the bare native key.
func (b *ScalityBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	resp, err := b.do(ctx, http.MethodHead, "/"+url.PathEscape(b.nativeKey(bucket, key)), nil)
	if err != nil {
		return false, fmt.Errorf("scality HEAD: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// HealthCheck calls the proxy's own health endpoint. The scality variant is
// probed directly (not sampled) by the aggregated healthcheck.
func (b *ScalityBackend) HealthCheck(ctx context.Context) error {
	resp, err := b.do(ctx, http.MethodGet, "/_/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("scality healthcheck: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("scality healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// PutTagging stores tags in the in-process tag set (the proxy contract has
// no native tagging verb documented for this variant).
func (b *ScalityBackend) PutTagging(ctx context.Context, bucket, key string, tags map[string]string) error {
	b.tags.put(bucket, key, tags)
	return nil
}

// DeleteTagging removes all tags from an object.
func (b *ScalityBackend) DeleteTagging(ctx context.Context, bucket, key string) error {
	b.tags.delete(bucket, key)
	return nil
}

// GetTagging returns the current tag set for an object.
func (b *ScalityBackend) GetTagging(ctx context.Context, bucket, key string) (map[string]string, error) {
	return b.tags.get(bucket, key), nil
}

// Capabilities reports the reduced set this variant actually supports: no
// copy, no upload-part-copy, no multipart. The gateway maps each unset flag
// to NotImplemented rather than calling through to a method that would fail.
func (b *ScalityBackend) Capabilities() Capabilities {
	return Capabilities{CopyObject: false, UploadPartCopy: false, UploadPart: false, ObjectTagging: true}
}

// BackendType identifies this client as the scality dataStoreType.
func (b *ScalityBackend) BackendType() BackendType { return TypeScality }

// Ensure ScalityBackend implements StorageBackend at compile time.
var _ StorageBackend = (*ScalityBackend)(nil)
