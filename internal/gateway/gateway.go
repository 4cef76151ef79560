// Package gateway implements the Multi-Backend Gateway (C4): the single
// point through which object data crosses from the S3-facing handlers into
// whichever backend client a location constraint names. Handlers stop
// talking to a storage.StorageBackend directly and talk to a Gateway
// instead, which resolves the right Client from the Location Registry (C2)
// and translates S3 bucket/key pairs into that backend's native key space
// (C3) before dispatching.
package gateway

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/location"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/storage"
)

// Gateway dispatches object-data operations to the backend client named by
// a metadata.DataLocation, falling back to the registry's legacy entry for
// records written before dataStoreName was tracked.
type Gateway struct {
	registry *location.Registry
}

// New returns a Gateway dispatching through the given registry.
func New(registry *location.Registry) *Gateway {
	return &Gateway{registry: registry}
}

// Registry exposes the underlying Location Registry, for callers (the
// bucket handler's default-location lookups, the backbeat route handler's
// coherence check) that need it directly rather than through the Gateway.
func (g *Gateway) Registry() *location.Registry {
	return g.registry
}

// resolve picks the Client a dataStoreName names, falling back to the
// registry's default location when dataStoreName is empty (a fresh write
// with no location pinned yet) and to the legacy entry when dataStoreName
// names a location the registry no longer carries (a record written before
// the current location table was configured).
func (g *Gateway) resolve(dataStoreName string) (*location.Client, error) {
	if dataStoreName == "" {
		dataStoreName = g.registry.DefaultLocation()
	}
	if c, ok := g.registry.Get(dataStoreName); ok {
		return c, nil
	}
	if legacy := g.registry.Legacy(); legacy != nil {
		return legacy, nil
	}
	return nil, fmt.Errorf("location %q is not registered and no legacy location is configured", dataStoreName)
}

// Put writes object data to the named location, returning the DataLocation
// to store on the object's metadata record alongside the bytes-written and
// ETag the backend computed.
func (g *Gateway) Put(ctx context.Context, dataStoreName, bucket, key string, r io.Reader, size int64) (metadata.DataLocation, int64, error) {
	client, err := g.resolve(dataStoreName)
	if err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues(dataStoreName, "Put", "error").Inc()
		return metadata.DataLocation{}, 0, err
	}
	if client.Backend == nil {
		metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Put", "error").Inc()
		return metadata.DataLocation{}, 0, errors.ErrNotImplemented
	}

	nativeKey := client.NativeKey(bucket, key)
	written, etag, err := client.Backend.PutObject(ctx, bucket, nativeKey, r, size)
	if err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Put", "error").Inc()
		return metadata.DataLocation{}, 0, err
	}
	metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Put", "success").Inc()

	loc := metadata.DataLocation{
		DataStoreName: client.Name,
		DataStoreType: string(client.Type),
		DataStoreKey:  nativeKey,
		DataStoreETag: etag,
	}
	return loc, written, nil
}

// Get streams object data back from the location named on loc.
func (g *Gateway) Get(ctx context.Context, loc metadata.DataLocation, bucket, key string) (io.ReadCloser, int64, string, error) {
	client, err := g.resolve(loc.DataStoreName)
	if err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues(loc.DataStoreName, "Get", "error").Inc()
		return nil, 0, "", err
	}
	if client.Backend == nil {
		metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Get", "error").Inc()
		return nil, 0, "", errors.ErrNotImplemented
	}
	r, size, etag, err := client.Backend.GetObject(ctx, bucket, g.nativeKeyFor(client, loc, bucket, key))
	if err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Get", "error").Inc()
		return nil, 0, "", err
	}
	metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Get", "success").Inc()
	return r, size, etag, nil
}

// Delete removes object data at the location named on loc.
func (g *Gateway) Delete(ctx context.Context, loc metadata.DataLocation, bucket, key string) error {
	client, err := g.resolve(loc.DataStoreName)
	if err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues(loc.DataStoreName, "Delete", "error").Inc()
		return err
	}
	if client.Backend == nil {
		metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Delete", "error").Inc()
		return errors.ErrNotImplemented
	}
	if err := client.Backend.DeleteObject(ctx, bucket, g.nativeKeyFor(client, loc, bucket, key)); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Delete", "error").Inc()
		return err
	}
	metrics.GatewayOperationsTotal.WithLabelValues(client.Name, "Delete", "success").Inc()
	return nil
}

// CopyObject copies object data from srcLoc to a destination within
// dstDataStoreName. Cross-location copies (the source and destination
// resolve to different backend clients) are not a single native operation
// on any backend this gateway wires in, so they are rejected as
// unsupported rather than silently downgraded to a read/write pair the
// caller did not ask for; same-location copies dispatch straight to the
// backend's own CopyObject, which on AWS transparently chooses
// UploadPartCopy internally for large objects.
func (g *Gateway) CopyObject(ctx context.Context, srcLoc metadata.DataLocation, srcBucket, srcKey string, dstDataStoreName, dstBucket, dstKey string) (metadata.DataLocation, error) {
	srcClient, err := g.resolve(srcLoc.DataStoreName)
	if err != nil {
		return metadata.DataLocation{}, err
	}
	dstClient, err := g.resolve(dstDataStoreName)
	if err != nil {
		return metadata.DataLocation{}, err
	}
	if srcClient.Name != dstClient.Name {
		return metadata.DataLocation{}, fmt.Errorf("copying between locations %q and %q: %w", srcClient.Name, dstClient.Name, errors.ErrNotImplemented)
	}
	if dstClient.Backend == nil || !dstClient.Backend.Capabilities().CopyObject {
		return metadata.DataLocation{}, errors.ErrNotImplemented
	}

	srcNativeKey := g.nativeKeyFor(srcClient, srcLoc, srcBucket, srcKey)
	dstNativeKey := dstClient.NativeKey(dstBucket, dstKey)
	etag, err := dstClient.Backend.CopyObject(ctx, srcBucket, srcNativeKey, dstBucket, dstNativeKey)
	if err != nil {
		return metadata.DataLocation{}, err
	}

	return metadata.DataLocation{
		DataStoreName: dstClient.Name,
		DataStoreType: string(dstClient.Type),
		DataStoreKey:  dstNativeKey,
		DataStoreETag: etag,
	}, nil
}

// UploadPart writes one multipart-upload part to the named location.
func (g *Gateway) UploadPart(ctx context.Context, dataStoreName, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	client, err := g.resolve(dataStoreName)
	if err != nil {
		return "", err
	}
	if client.Backend == nil || !client.Backend.Capabilities().UploadPart {
		return "", errors.ErrNotImplemented
	}
	return client.Backend.PutPart(ctx, bucket, client.NativeKey(bucket, key), uploadID, partNumber, r, size)
}

// CompleteMPU assembles the given parts into a final object at the named
// location, returning the DataLocation to persist on the assembled
// ObjectRecord.
func (g *Gateway) CompleteMPU(ctx context.Context, dataStoreName, bucket, key, uploadID string, partNumbers []int) (metadata.DataLocation, error) {
	client, err := g.resolve(dataStoreName)
	if err != nil {
		return metadata.DataLocation{}, err
	}
	if client.Backend == nil {
		return metadata.DataLocation{}, errors.ErrNotImplemented
	}

	nativeKey := client.NativeKey(bucket, key)
	etag, err := client.Backend.AssembleParts(ctx, bucket, nativeKey, uploadID, partNumbers)
	if err != nil {
		return metadata.DataLocation{}, err
	}

	return metadata.DataLocation{
		DataStoreName: client.Name,
		DataStoreType: string(client.Type),
		DataStoreKey:  nativeKey,
		DataStoreETag: etag,
	}, nil
}

// AbortMPU discards the parts staged for an in-progress multipart upload.
// The second return value reports whether the caller should skip any
// follow-up delete of the part data: true for azure locations, whose
// DeleteParts leaves uncommitted blocks to expire on their own, and false
// for every other backend type.
func (g *Gateway) AbortMPU(ctx context.Context, dataStoreName, bucket, key, uploadID string) (skipDataDelete bool, err error) {
	client, resolveErr := g.resolve(dataStoreName)
	if resolveErr != nil {
		return false, resolveErr
	}
	if client.Backend == nil {
		return false, errors.ErrNotImplemented
	}
	if err := client.Backend.DeleteParts(ctx, bucket, client.NativeKey(bucket, key), uploadID); err != nil {
		return false, err
	}
	return client.Type == storage.TypeAzure, nil
}

// PutTagging, DeleteTagging, and GetTagging dispatch to the backend's own
// tagging API when it reports one (Capabilities().ObjectTagging), and
// return ErrNotImplemented otherwise. Every built-in backend reports the
// flag; only a location with no backend client (cdmi) gets
// ErrNotImplemented.

func (g *Gateway) PutTagging(ctx context.Context, loc metadata.DataLocation, bucket, key string, tags map[string]string) error {
	client, err := g.resolve(loc.DataStoreName)
	if err != nil {
		return err
	}
	if client.Backend == nil || !client.Backend.Capabilities().ObjectTagging {
		return errors.ErrNotImplemented
	}
	return client.Backend.PutTagging(ctx, bucket, g.nativeKeyFor(client, loc, bucket, key), tags)
}

func (g *Gateway) DeleteTagging(ctx context.Context, loc metadata.DataLocation, bucket, key string) error {
	client, err := g.resolve(loc.DataStoreName)
	if err != nil {
		return err
	}
	if client.Backend == nil || !client.Backend.Capabilities().ObjectTagging {
		return errors.ErrNotImplemented
	}
	return client.Backend.DeleteTagging(ctx, bucket, g.nativeKeyFor(client, loc, bucket, key))
}

func (g *Gateway) GetTagging(ctx context.Context, loc metadata.DataLocation, bucket, key string) (map[string]string, error) {
	client, err := g.resolve(loc.DataStoreName)
	if err != nil {
		return nil, err
	}
	if client.Backend == nil || !client.Backend.Capabilities().ObjectTagging {
		return nil, errors.ErrNotImplemented
	}
	return client.Backend.GetTagging(ctx, bucket, g.nativeKeyFor(client, loc, bucket, key))
}

// nativeKeyFor prefers the native key recorded on the DataLocation itself
// (the key actually used at write time) and only recomputes it from the
// client's current BucketMatch setting when the record predates
// DataStoreKey being tracked.
func (g *Gateway) nativeKeyFor(client *location.Client, loc metadata.DataLocation, bucket, key string) string {
	if loc.DataStoreKey != "" {
		return loc.DataStoreKey
	}
	return client.NativeKey(bucket, key)
}

// HealthStatus reports one location's health probe outcome.
type HealthStatus struct {
	Location string `json:"location"`
	Type     string `json:"type"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

// HealthCheck returns one status per registered location, except that
// aws_s3 and azure locations contribute only the one status of the
// location sampled for their type. Probing every backend on every health check would make a
// health endpoint's own cost scale with the location table, so this
// partitions by how a backend type shares resources: backends that front
// a single shared service
// (scality) are cheap to probe individually and always are; backends that
// are one client object per cloud account (aws_s3, azure) are probed via a
// single random representative per type per call, since any one account's
// reachability is a fair proxy for the others configured against the same
// credentials; every other backend type (mem, file, gcp, cdmi) is assumed
// healthy without a network round trip and reported synthesized "OK".
func (g *Gateway) HealthCheck(ctx context.Context) []HealthStatus {
	byType := make(map[storage.BackendType][]*location.Client)
	for _, c := range g.registry.All() {
		byType[c.Type] = append(byType[c.Type], c)
	}

	var results []HealthStatus
	for typ, clients := range byType {
		switch typ {
		case storage.TypeScality:
			for _, c := range clients {
				results = append(results, probe(ctx, c))
			}
		case storage.TypeAWS, storage.TypeAzure:
			sample := clients[rand.Intn(len(clients))]
			results = append(results, probe(ctx, sample))
		default:
			for _, c := range clients {
				results = append(results, HealthStatus{Location: c.Name, Type: string(c.Type), Code: 200, Message: "OK"})
			}
		}
	}
	return results
}

func probe(ctx context.Context, c *location.Client) HealthStatus {
	if c.Backend == nil {
		return HealthStatus{Location: c.Name, Type: string(c.Type), Code: 501, Message: "not implemented"}
	}
	if err := c.Backend.HealthCheck(ctx); err != nil {
		return HealthStatus{Location: c.Name, Type: string(c.Type), Code: 503, Message: err.Error()}
	}
	return HealthStatus{Location: c.Name, Type: string(c.Type), Code: 200, Message: "OK"}
}
