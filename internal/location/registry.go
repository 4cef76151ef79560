// Package location implements the location registry (C2): it parses the
// storage configuration's location-constraint table into one backend client
// per named location, and resolves which location constraint controls a
// given request (C3).
package location

import (
	"context"
	"fmt"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/storage"
)

// Client is one registered location: a backend client plus the routing
// metadata the gateway needs to translate between the S3 data model and the
// backend's native key space.
type Client struct {
	// Name is the location constraint name.
	Name string
	// Backend is the underlying storage client for this location.
	Backend storage.StorageBackend
	// Type is the backend-type tag stored in data-retrieval-info records.
	Type storage.BackendType
	// BucketMatch is fixed per location: true means the native key is
	// the object key alone; false means "{s3Bucket}/{objectKey}".
	BucketMatch bool
	// DetailBucketName is the physical bucket/container name this location
	// is bound to on its remote backend, when the backend type has one
	// (aws_s3's S3 bucket, gcp's GCS bucket, azure's container). Empty for
	// backend types with no such concept (mem, file, sqlite, scality, cdmi).
	DetailBucketName string
}

// NativeKey derives the backend-native object identifier for a given S3
// bucket/key pair, honoring this location's BucketMatch setting.
func (c *Client) NativeKey(bucket, key string) string {
	if c.BucketMatch {
		return key
	}
	return bucket + "/" + key
}

// Registry is the set of all configured locations, built once at startup.
// It is immutable after construction; no runtime mutation.
type Registry struct {
	clients map[string]*Client
	// defaultLocation is the location name used when neither the request nor
	// the bucket names one explicitly.
	defaultLocation string
}

// legacyName is the pseudo-entry kept for backward compatibility
// with retrieval records that predate dataStoreName.
const legacyName = "legacy"

// NewRegistry builds a Registry from the given storage configuration,
// instantiating one backend client per entry in LocationConstraints. It
// always registers a "legacy" location, synthesizing one from the first
// registered client if the configuration does not name one explicitly.
func NewRegistry(ctx context.Context, cfg config.StorageConfig) (*Registry, error) {
	if len(cfg.LocationConstraints) == 0 {
		return nil, fmt.Errorf("no location constraints configured")
	}

	r := &Registry{clients: make(map[string]*Client, len(cfg.LocationConstraints))}

	for name, lc := range cfg.LocationConstraints {
		client, err := buildClient(ctx, name, lc)
		if err != nil {
			return nil, fmt.Errorf("building location %q: %w", name, err)
		}
		r.clients[name] = client
	}

	if _, ok := r.clients[legacyName]; !ok {
		for _, c := range r.clients {
			legacy := *c
			legacy.Name = legacyName
			r.clients[legacyName] = &legacy
			break
		}
	}

	r.defaultLocation = cfg.DefaultLocation
	if r.defaultLocation == "" {
		r.defaultLocation = legacyName
	}
	if _, ok := r.clients[r.defaultLocation]; !ok {
		return nil, fmt.Errorf("default_location %q is not a registered location", r.defaultLocation)
	}

	return r, nil
}

// buildClient constructs a single backend client from a LocationConfig,
// accepting both the legacy single-backend names ("local", "aws", "gcp",
// "azure", "memory") and the dataStoreType taxonomy names ("file", "aws_s3",
// "azure", "gcp", "mem", "scality", "sqlite", "cdmi") so that a config
// carried over from StorageConfig.Backend keeps working unchanged.
func buildClient(ctx context.Context, name string, lc config.LocationConfig) (*Client, error) {
	switch lc.Type {
	case "mem", "memory", "":
		b, err := storage.NewMemoryBackend(lc.Memory.MaxSizeBytes, lc.Memory.Persistence, lc.Memory.SnapshotPath, lc.Memory.SnapshotIntervalSeconds)
		if err != nil {
			return nil, err
		}
		return &Client{Name: name, Backend: b, Type: storage.TypeMemory, BucketMatch: lc.BucketMatch}, nil

	case "file", "local":
		b, err := storage.NewLocalBackend(lc.Local.RootDir)
		if err != nil {
			return nil, err
		}
		return &Client{Name: name, Backend: b, Type: storage.TypeFile, BucketMatch: lc.BucketMatch}, nil

	case "sqlite":
		b, err := storage.NewSQLiteBackend(lc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return &Client{Name: name, Backend: b, Type: storage.TypeFile, BucketMatch: lc.BucketMatch}, nil

	case "scality":
		b := storage.NewScalityBackend(lc.Scality.Endpoint)
		return &Client{Name: name, Backend: b, Type: storage.TypeScality, BucketMatch: lc.BucketMatch}, nil

	case "aws_s3", "aws":
		b, err := storage.NewAWSGatewayBackend(ctx, lc.AWS.Bucket, lc.AWS.Region, lc.AWS.Prefix, lc.AWS.EndpointURL, lc.AWS.UsePathStyle, lc.AWS.AccessKeyID, lc.AWS.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		return &Client{Name: name, Backend: b, Type: storage.TypeAWS, BucketMatch: lc.BucketMatch, DetailBucketName: lc.AWS.Bucket}, nil

	case "azure":
		accountURL := lc.Azure.AccountURL
		if accountURL == "" && lc.Azure.Account != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", lc.Azure.Account)
		}
		b, err := storage.NewAzureGatewayBackend(ctx, lc.Azure.Container, accountURL, lc.Azure.Prefix)
		if err != nil {
			return nil, err
		}
		return &Client{Name: name, Backend: b, Type: storage.TypeAzure, BucketMatch: lc.BucketMatch, DetailBucketName: lc.Azure.Container}, nil

	case "gcp":
		b, err := storage.NewGCPGatewayBackend(ctx, lc.GCP.Bucket, lc.GCP.Project, lc.GCP.Prefix)
		if err != nil {
			return nil, err
		}
		return &Client{Name: name, Backend: b, Type: storage.TypeGCP, BucketMatch: lc.BucketMatch, DetailBucketName: lc.GCP.Bucket}, nil

	case "cdmi":
		// cdmi is named by capability only per the out-of-scope list; no
		// concrete client ships here. A location of this type fails at
		// dispatch time, not at registry construction time, so that
		// configuration loading does not require a CDMI server to be present.
		return &Client{Name: name, Backend: nil, Type: storage.TypeCDMI, BucketMatch: lc.BucketMatch}, nil

	default:
		return nil, fmt.Errorf("unknown location type %q", lc.Type)
	}
}

// Get returns the client registered under name, or false if none is.
func (r *Registry) Get(name string) (*Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Legacy returns the pseudo-entry registered for retrieval records that
// predate dataStoreName.
func (r *Registry) Legacy() *Client {
	return r.clients[legacyName]
}

// DefaultLocation returns the configured default location name.
func (r *Registry) DefaultLocation() string {
	return r.defaultLocation
}

// All returns every registered client, keyed by location name. Callers must
// not mutate the returned map.
func (r *Registry) All() map[string]*Client {
	return r.clients
}
