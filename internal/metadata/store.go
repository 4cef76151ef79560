// Package metadata defines the interface and implementations for BleepStore's
// metadata storage layer, which tracks buckets, objects, and multipart uploads.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by MetadataStore implementations so callers (in
// particular the bucket-deletion coordinator, C7) can branch with errors.Is
// instead of matching on error-string substrings.
var (
	ErrBucketNotFound  = errors.New("bucket not found")
	ErrBucketNotEmpty  = errors.New("bucket not empty")
	ErrObjectNotFound  = errors.New("object not found")
	ErrUploadNotFound  = errors.New("upload not found")
)

// BucketRecord represents the metadata for a single bucket.
type BucketRecord struct {
	Name         string
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage // JSON-serialized ACL
	CreatedAt    time.Time

	// VersioningStatus is "", "Enabled", or "Suspended". "" behaves as
	// unversioned: PUT overwrites in place and DELETE has no delete-marker.
	VersioningStatus string
	// DefaultLocation is the location constraint used for objects in this
	// bucket when neither the request nor the object names one explicitly.
	DefaultLocation string
	// SSEAlgorithm is "" or "AES256"; set when the bucket was created with
	// the x-amz-scal-server-side-encryption header.
	SSEAlgorithm string
	// SSEMasterKeyID identifies the KMS master key backing SSEAlgorithm,
	// destroyed by the bucket-deletion coordinator's finalise stage.
	SSEMasterKeyID string
	// Deleted marks a bucket that has passed the mark stage of deletion but
	// may not have completed detach/finalise; the invisible-delete sweeper
	// looks for these.
	Deleted bool
	// Transient marks a bucket created but not yet confirmed (e.g. pending
	// its first successful PUT); cleared by the mark stage.
	Transient bool
}

// DataLocation is the data-retrieval-info record: the opaque pointer
// from an object's metadata to its physical data, returned by a successful
// PUT and consumed by a subsequent GET/DELETE.
type DataLocation struct {
	// DataStoreName is the location constraint that holds the data.
	DataStoreName string
	// DataStoreType is the backend-type tag ("mem", "file", "scality",
	// "aws_s3", "azure", "gcp", "cdmi").
	DataStoreType string
	// DataStoreKey is the backend-native object identifier.
	DataStoreKey string
	// DataStoreETag is the backend's own ETag for the write, when distinct
	// from the record's externally-visible ETag.
	DataStoreETag string
	// DataStoreVersionID is the backend-native version identifier, for
	// backends that version natively.
	DataStoreVersionID string

	// CipheredDataKey, CryptoScheme, and MasterKeyID are populated only when
	// server-side encryption is active for this object.
	CipheredDataKey string
	CryptoScheme    int
	MasterKeyID     string
}

// ObjectRecord represents the metadata for a single stored object.
type ObjectRecord struct {
	Bucket             string
	Key                string
	Size               int64
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage // JSON-serialized ACL
	UserMetadata       map[string]string
	LastModified       time.Time
	DeleteMarker       bool

	// VersionID is the opaque per-version identifier on versioning-enabled
	// buckets; empty on unversioned buckets.
	VersionID string
	// IsLatest marks the version currently returned by an unqualified GET.
	IsLatest bool
	// Location is the data-retrieval-info record pointing at this version's
	// physical data. Zero-valued on legacy records that predate
	// dataStoreName, which the gateway routes through the "legacy" location.
	Location DataLocation
	// Replica marks an object written by the replication worker ("REPLICA"
	// status), carrying the source's externally-visible VersionID.
	Replica bool
}

// MultipartUploadRecord represents the metadata for an in-progress multipart upload.
type MultipartUploadRecord struct {
	UploadID           string
	Bucket             string
	Key                string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	InitiatedAt        time.Time
}

// PartRecord represents the metadata for a single uploaded part.
type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// CredentialRecord represents a set of S3 API credentials.
type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// ListObjectsOptions specifies filtering and pagination options for listing objects.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	Marker            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListObjectsResult holds the result of a list objects operation.
type ListObjectsResult struct {
	Objects               []ObjectRecord
	CommonPrefixes        []string
	IsTruncated           bool
	NextMarker            string
	NextContinuationToken string
}

// ListUploadsOptions specifies filtering and pagination options for listing multipart uploads.
type ListUploadsOptions struct {
	KeyMarker      string
	UploadIDMarker string
	Prefix         string
	Delimiter      string
	MaxUploads     int
}

// ListUploadsResult holds the result of a list multipart uploads operation.
type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListPartsOptions specifies filtering and pagination options for listing parts.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult holds the result of a list parts operation.
type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// MetadataStore defines the interface for all metadata operations required by
// BleepStore. Implementations must be safe for concurrent use.
type MetadataStore interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Bucket operations

	// CreateBucket creates a new bucket record.
	CreateBucket(ctx context.Context, bucket *BucketRecord) error

	// GetBucket retrieves the metadata for the named bucket.
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)

	// DeleteBucket removes the named bucket. Returns an error if the bucket
	// is not empty.
	DeleteBucket(ctx context.Context, name string) error

	// ListBuckets returns all bucket records owned by the given owner.
	ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error)

	// BucketExists checks whether the named bucket exists.
	BucketExists(ctx context.Context, name string) (bool, error)

	// UpdateBucketAcl updates the ACL for the named bucket.
	UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error

	// UpdateBucketVersioning sets the versioning status for the named
	// bucket to "Enabled" or "Suspended". Once enabled, a bucket can be
	// suspended but never returned to "".
	UpdateBucketVersioning(ctx context.Context, name, status string) error

	// Object operations

	// PutObject creates or replaces the metadata for an object.
	PutObject(ctx context.Context, obj *ObjectRecord) error

	// GetObject retrieves the metadata for the specified object.
	GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error)

	// DeleteObject removes the metadata for the specified object.
	DeleteObject(ctx context.Context, bucket, key string) error

	// ObjectExists checks whether the named object exists.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// DeleteObjectsMeta removes metadata for multiple objects. Returns the
	// list of keys that were successfully deleted and any errors.
	DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) (deleted []string, errs []error)

	// UpdateObjectAcl updates the ACL for the specified object.
	UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error

	// ListObjects lists objects in the given bucket according to the provided options.
	ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)

	// Multipart upload operations

	// CreateMultipartUpload creates a new multipart upload record and returns
	// the generated upload ID.
	CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error)

	// GetMultipartUpload retrieves the metadata for the specified multipart upload.
	GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error)

	// PutPart records metadata for an uploaded part.
	PutPart(ctx context.Context, part *PartRecord) error

	// ListParts lists parts for the specified multipart upload.
	ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)

	// GetPartsForCompletion retrieves part records for the given part numbers,
	// used during CompleteMultipartUpload to validate and assemble parts.
	GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error)

	// CompleteMultipartUpload finalizes a multipart upload, creating the final
	// object record and cleaning up part records. Returns the final object metadata.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error

	// AbortMultipartUpload cancels a multipart upload and removes all associated
	// part records.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// ListMultipartUploads lists in-progress multipart uploads for the given bucket.
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)

	// Credential operations

	// GetCredential retrieves a credential record by access key ID.
	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)

	// PutCredential creates or updates a credential record.
	PutCredential(ctx context.Context, cred *CredentialRecord) error

	// Versioning operations

	// PutObjectVersion creates a new version record for a versioning-enabled
	// bucket. When obj.IsLatest is true, the implementation clears IsLatest
	// on every prior version of the same key before inserting; callers
	// never need a separate clear step.
	PutObjectVersion(ctx context.Context, obj *ObjectRecord) error

	// GetLatestVersion retrieves the version currently marked IsLatest.
	GetLatestVersion(ctx context.Context, bucket, key string) (*ObjectRecord, error)

	// GetObjectVersion retrieves a specific version by id.
	GetObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectRecord, error)

	// ListObjectVersions lists every version of every key in the bucket
	// matching opts, most recent first per key.
	ListObjectVersions(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)

	// DeleteObjectVersion removes a specific version record (used to unwind
	// a version whose data write failed, and by hard-delete-by-version-id).
	DeleteObjectVersion(ctx context.Context, bucket, key, versionID string) error

	// Bucket-deletion coordinator operations

	// ListBucketsForOwner returns the names of every bucket in the owner's
	// user-bucket index, tolerant of the legacy index layout.
	ListBucketsForOwner(ctx context.Context, owner string) ([]string, error)

	// DetachBucketFromOwner removes bucket from owner's user-bucket index.
	// Not finding the entry is not an error.
	DetachBucketFromOwner(ctx context.Context, owner, bucket string) error

	// MarkBucketDeleted sets BucketRecord.Deleted and clears Transient,
	// persisting the change without removing the record.
	MarkBucketDeleted(ctx context.Context, name string) error

	// CountInFlightUploads returns the number of in-progress multipart
	// uploads recorded against the bucket's shadow MPU index.
	CountInFlightUploads(ctx context.Context, bucket string) (int, error)
}

// ExpiredUpload holds the identifying fields of an expired multipart upload,
// returned by ReapExpiredUploads so the caller can clean up storage files.
type ExpiredUpload struct {
	UploadID   string
	BucketName string
	ObjectKey  string
}

// UploadReaper is an optional interface for metadata stores that support
// reaping expired multipart uploads.
type UploadReaper interface {
	ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error)
}
