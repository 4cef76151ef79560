package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/auth"
	"github.com/bleepstore/bleepstore/internal/datawrapper"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/gateway"
	"github.com/bleepstore/bleepstore/internal/location"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// Header names making up the backbeat header contract.
const (
	headerStorageType        = "x-scal-storage-type"
	headerStorageClass       = "x-scal-storage-class"
	headerVersionID          = "x-scal-version-id"
	headerCanonicalID        = "x-scal-canonical-id"
	headerPartNumber         = "x-scal-part-number"
	headerUploadID           = "x-scal-upload-id"
	headerReplicationContent = "x-scal-replication-content"
)

// BackbeatHandler serves the internal replication route surface mounted at
// /_/backbeat/{data|metadata|multiplebackenddata}/{bucket}/{key}. It accepts
// traffic from the replication worker only; every other consumer of this
// server talks to the ordinary S3-compatible routes.
type BackbeatHandler struct {
	meta                 metadata.MetadataStore
	gw                   *gateway.Gateway
	wrap                 *datawrapper.Wrapper
	replicationAccessKey string
}

// NewBackbeatHandler creates a new BackbeatHandler. replicationAccessKey is
// the only owner ID permitted to call these routes; requests authenticated
// as any other owner are rejected with AccessDenied.
func NewBackbeatHandler(meta metadata.MetadataStore, gw *gateway.Gateway, wrap *datawrapper.Wrapper, replicationAccessKey string) *BackbeatHandler {
	return &BackbeatHandler{meta: meta, gw: gw, wrap: wrap, replicationAccessKey: replicationAccessKey}
}

// authorize reports whether the authenticated caller may use the
// replication surface. There is no general-purpose IAM action system in
// this server, so "authenticated as a principal with the objectReplicate
// action" is rendered as "authenticated as the configured replication
// owner" -- the narrowest faithful translation available.
func (h *BackbeatHandler) authorize(r *http.Request) bool {
	ownerID, _ := auth.OwnerFromContext(r.Context())
	return ownerID != "" && ownerID == h.replicationAccessKey
}

// backbeatBucketKey splits the portion of the path after routePrefix into
// a bucket name and an object key, mirroring extractObjectKey's split but
// against the backbeat path shape rather than the ordinary S3 one.
func backbeatBucketKey(r *http.Request, routePrefix string) (bucket, key string) {
	path := strings.TrimPrefix(r.URL.Path, routePrefix)
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}
	return bucket, key
}

// checkCoherence implements the location coherence check: the
// Location Registry must know the advertised storage class, its backend
// type must match the advertised storage type, and -- for backend types
// bound to a specific remote bucket/container -- that remote name must
// match the bucket in the request path. This pins a replica's target to
// the backend the worker believes it is writing to.
func (h *BackbeatHandler) checkCoherence(r *http.Request, bucket string) *s3err.S3Error {
	storageType := r.Header.Get(headerStorageType)
	storageClass := r.Header.Get(headerStorageClass)
	if storageType == "" || storageClass == "" {
		return s3err.ErrInvalidArgument
	}

	client, ok := h.gw.Registry().Get(storageClass)
	if !ok {
		return s3err.ErrInvalidRequest
	}
	if string(client.Type) != storageType {
		return s3err.ErrInvalidRequest
	}
	if client.DetailBucketName != "" && client.DetailBucketName != bucket {
		return s3err.ErrInvalidRequest
	}
	return nil
}

// requireHeaders fails with InvalidArgument if any named header is empty.
func requireHeaders(r *http.Request, names ...string) *s3err.S3Error {
	for _, n := range names {
		if r.Header.Get(n) == "" {
			return s3err.ErrInvalidArgument
		}
	}
	return nil
}

// dataLocationFromClient derives the DataLocation for a read or delete
// against client, from the backend's own native key derivation.
func (h *BackbeatHandler) dataLocationFromClient(client *location.Client, bucket, key string) metadata.DataLocation {
	return metadata.DataLocation{
		DataStoreName: client.Name,
		DataStoreType: string(client.Type),
		DataStoreKey:  client.NativeKey(bucket, key),
	}
}

// PutData handles PUT /_/backbeat/data/{bucket}/{key}: a raw data write to
// the location named by x-scal-storage-class, bypassing metadata entirely.
// Used by the replication worker to land object bytes before it writes the
// corresponding metadata record via the metadata route.
func (h *BackbeatHandler) PutData(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/data")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	if s3Err := h.checkCoherence(r, bucket); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}
	if s3Err := requireHeaders(r, "content-md5"); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	ctx := r.Context()
	bucketRec, err := h.meta.GetBucket(ctx, bucket)
	if err != nil {
		slog.Error("backbeat PutData GetBucket error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}
	if bucketRec == nil {
		xmlutil.WriteJSONError(w, s3err.ErrNoSuchBucket)
		return
	}
	// Replication must not silently mutate a non-versioned bucket.
	if bucketRec.VersioningStatus == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidBucketState)
		return
	}

	storageClass := r.Header.Get(headerStorageClass)
	loc, _, err := h.wrap.Put(ctx, datawrapper.PutRequest{
		DataStoreName: storageClass,
		Bucket:        bucket,
		Key:           key,
		Body:          r.Body,
		Size:          r.ContentLength,
		ContentMD5:    r.Header.Get("content-md5"),
	})
	if err != nil {
		slog.Error("backbeat PutData error", "error", err)
		writeBackbeatError(w, err)
		return
	}

	xmlutil.WriteJSON(w, http.StatusOK, []map[string]string{
		{"key": loc.DataStoreKey, "dataStoreName": loc.DataStoreName},
	})
}

// GetData handles GET /_/backbeat/data/{bucket}/{key}, streaming the raw
// object bytes from the location named by x-scal-storage-class.
func (h *BackbeatHandler) GetData(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/data")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	if s3Err := h.checkCoherence(r, bucket); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	client, _ := h.gw.Registry().Get(r.Header.Get(headerStorageClass))
	loc := h.dataLocationFromClient(client, bucket, key)
	reader, size, _, err := h.wrap.Get(r.Context(), loc, bucket, key)
	if err != nil {
		slog.Error("backbeat GetData error", "error", err)
		writeBackbeatError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

// DeleteData handles DELETE /_/backbeat/data/{bucket}/{key}, removing the
// physical object at the location named by x-scal-storage-class.
func (h *BackbeatHandler) DeleteData(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/data")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	if s3Err := h.checkCoherence(r, bucket); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	client, _ := h.gw.Registry().Get(r.Header.Get(headerStorageClass))
	loc := h.dataLocationFromClient(client, bucket, key)
	if err := h.wrap.Delete(r.Context(), loc, bucket, key); err != nil {
		slog.Error("backbeat DeleteData error", "error", err)
		writeBackbeatError(w, err)
		return
	}
	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{})
}

// replicationMetadataBody is the JSON shape the metadata route's PUT body
// carries: the externally-visible object metadata plus the physical
// location record the earlier data-route write produced.
type replicationMetadataBody struct {
	Size               int64                  `json:"size"`
	ETag               string                 `json:"eTag"`
	ContentType        string                 `json:"contentType"`
	ContentEncoding    string                 `json:"contentEncoding,omitempty"`
	ContentLanguage    string                 `json:"contentLanguage,omitempty"`
	ContentDisposition string                 `json:"contentDisposition,omitempty"`
	CacheControl       string                 `json:"cacheControl,omitempty"`
	Expires            string                 `json:"expires,omitempty"`
	StorageClass       string                 `json:"storageClass,omitempty"`
	UserMetadata       map[string]string      `json:"userMetadata,omitempty"`
	Location           *metadata.DataLocation `json:"location,omitempty"`
}

// PutMetadata handles PUT /_/backbeat/metadata/{bucket}/{key}: writes or
// overwrites an object version's metadata without touching physical data,
// covering both the metadata-only and full-replication branches.
func (h *BackbeatHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/metadata")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	if s3Err := requireHeaders(r, headerVersionID); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	ctx := r.Context()
	bucketRec, err := h.meta.GetBucket(ctx, bucket)
	if err != nil {
		slog.Error("backbeat PutMetadata GetBucket error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}
	if bucketRec == nil {
		xmlutil.WriteJSONError(w, s3err.ErrNoSuchBucket)
		return
	}
	// Replication must not silently mutate a non-versioned bucket.
	if bucketRec.VersioningStatus == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidBucketState)
		return
	}

	var body replicationMetadataBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		xmlutil.WriteJSONError(w, s3err.ErrMalformedXML)
		return
	}

	versionID := r.Header.Get(headerVersionID)
	now := time.Now().UTC()

	var loc metadata.DataLocation
	if r.Header.Get(headerReplicationContent) == "METADATA" {
		// Metadata-only replication: the target object must already exist,
		// and its physical location is preserved untouched.
		existing, err := h.meta.GetObjectVersion(ctx, bucket, key, versionID)
		if err != nil {
			slog.Error("backbeat PutMetadata GetObjectVersion error", "error", err)
			xmlutil.WriteJSONError(w, s3err.ErrInternalError)
			return
		}
		if existing == nil {
			xmlutil.WriteJSONError(w, s3err.ErrObjNotFound)
			return
		}
		loc = existing.Location
	} else if body.Location != nil {
		loc = *body.Location
	}

	obj := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               body.Size,
		ETag:               body.ETag,
		ContentType:        body.ContentType,
		ContentEncoding:    body.ContentEncoding,
		ContentLanguage:    body.ContentLanguage,
		ContentDisposition: body.ContentDisposition,
		CacheControl:       body.CacheControl,
		Expires:            body.Expires,
		StorageClass:       body.StorageClass,
		UserMetadata:       body.UserMetadata,
		LastModified:       now,
		VersionID:          versionID,
		IsLatest:           true,
		Location:           loc,
		Replica:            true,
	}

	if err := h.meta.PutObjectVersion(ctx, obj); err != nil {
		slog.Error("backbeat PutMetadata PutObjectVersion error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}

	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{"versionId": versionID})
}

// GetMetadata handles GET /_/backbeat/metadata/{bucket}/{key}?versionId=...,
// returning the stored metadata for a specific version (or the latest, when
// no versionId is given) as JSON.
func (h *BackbeatHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/metadata")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}

	ctx := r.Context()
	versionID := r.URL.Query().Get("versionId")
	var obj *metadata.ObjectRecord
	var err error
	if versionID != "" {
		obj, err = h.meta.GetObjectVersion(ctx, bucket, key, versionID)
	} else {
		obj, err = h.meta.GetLatestVersion(ctx, bucket, key)
	}
	if err != nil {
		slog.Error("backbeat GetMetadata error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteJSONError(w, s3err.ErrObjNotFound)
		return
	}

	xmlutil.WriteJSON(w, http.StatusOK, replicationMetadataBody{
		Size:               obj.Size,
		ETag:               obj.ETag,
		ContentType:        obj.ContentType,
		ContentEncoding:    obj.ContentEncoding,
		ContentLanguage:    obj.ContentLanguage,
		ContentDisposition: obj.ContentDisposition,
		CacheControl:       obj.CacheControl,
		Expires:            obj.Expires,
		StorageClass:       obj.StorageClass,
		UserMetadata:       obj.UserMetadata,
		Location:           &obj.Location,
	})
}

// DeleteMetadata handles DELETE /_/backbeat/metadata/{bucket}/{key}?versionId=...,
// removing a single version record (the replication worker's way to unwind
// a version whose data write failed).
func (h *BackbeatHandler) DeleteMetadata(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/metadata")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	versionID := r.URL.Query().Get("versionId")
	if versionID == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	if err := h.meta.DeleteObjectVersion(r.Context(), bucket, key, versionID); err != nil {
		slog.Error("backbeat DeleteMetadata error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}
	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{})
}

// MultipleBackendData handles the multiplebackenddata route: PUT/POST/DELETE
// /_/backbeat/multiplebackenddata/{bucket}/{key}?operation=..., dispatching
// to one of putobject, putpart, initiatempu, completempu, abortmpu, or
// deleteobject per the operation query parameter.
func (h *BackbeatHandler) MultipleBackendData(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		xmlutil.WriteJSONError(w, s3err.ErrAccessDenied)
		return
	}
	bucket, key := backbeatBucketKey(r, "/_/backbeat/multiplebackenddata")
	if bucket == "" || key == "" {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	if s3Err := h.checkCoherence(r, bucket); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	switch r.URL.Query().Get("operation") {
	case "putobject":
		h.mbdPutObject(w, r, bucket, key)
	case "initiatempu":
		h.mbdInitiateMPU(w, r, bucket, key)
	case "putpart":
		h.mbdPutPart(w, r, bucket, key)
	case "completempu":
		h.mbdCompleteMPU(w, r, bucket, key)
	case "abortmpu":
		h.mbdAbortMPU(w, r, bucket, key)
	case "deleteobject":
		h.mbdDeleteObject(w, r, bucket, key)
	default:
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
	}
}

// mbdPutObject implements the full-object replication write: it
// composes a replica write tagged with the supplied source version id and
// canonical id, going straight through the Data Wrapper rather than the
// bucket's default location (the caller names the target location
// explicitly via x-scal-storage-class).
func (h *BackbeatHandler) mbdPutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if s3Err := requireHeaders(r, headerVersionID, headerCanonicalID, "content-md5"); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	storageClass := r.Header.Get(headerStorageClass)
	loc, _, err := h.wrap.Put(r.Context(), datawrapper.PutRequest{
		DataStoreName: storageClass,
		Bucket:        bucket,
		Key:           key,
		Body:          r.Body,
		Size:          r.ContentLength,
		ContentMD5:    r.Header.Get("content-md5"),
	})
	if err != nil {
		slog.Error("backbeat putobject error", "error", err)
		writeBackbeatError(w, err)
		return
	}

	versionID := r.Header.Get(headerVersionID)
	obj := &metadata.ObjectRecord{
		Bucket:       bucket,
		Key:          key,
		Size:         0,
		ETag:         loc.DataStoreETag,
		StorageClass: "STANDARD",
		LastModified: time.Now().UTC(),
		VersionID:    versionID,
		IsLatest:     true,
		Location:     loc,
		Replica:      true,
	}
	if err := h.meta.PutObjectVersion(r.Context(), obj); err != nil {
		slog.Error("backbeat putobject PutObjectVersion error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}

	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{"versionId": versionID})
}

func (h *BackbeatHandler) mbdInitiateMPU(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if s3Err := requireHeaders(r, headerVersionID); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}

	upload := &metadata.MultipartUploadRecord{
		Bucket:       bucket,
		Key:          key,
		StorageClass: "STANDARD",
		InitiatedAt:  time.Now().UTC(),
	}
	uploadID, err := h.meta.CreateMultipartUpload(r.Context(), upload)
	if err != nil {
		slog.Error("backbeat initiatempu error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}
	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{"uploadId": uploadID})
}

func (h *BackbeatHandler) mbdPutPart(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if s3Err := requireHeaders(r, headerPartNumber, headerUploadID); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}
	partNumber, err := strconv.Atoi(r.Header.Get(headerPartNumber))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteJSONError(w, s3err.ErrInvalidArgument)
		return
	}
	uploadID := r.Header.Get(headerUploadID)
	storageClass := r.Header.Get(headerStorageClass)

	etag, err := h.gw.UploadPart(r.Context(), storageClass, bucket, key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		slog.Error("backbeat putpart error", "error", err)
		writeBackbeatError(w, err)
		return
	}

	if err := h.meta.PutPart(r.Context(), &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         r.ContentLength,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}); err != nil {
		slog.Error("backbeat putpart metadata error", "error", err)
		xmlutil.WriteJSONError(w, s3err.ErrInternalError)
		return
	}

	xmlutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"partNumber": partNumber, "ETag": etag})
}

func (h *BackbeatHandler) mbdCompleteMPU(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if s3Err := requireHeaders(r, headerUploadID); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}
	uploadID := r.Header.Get(headerUploadID)
	storageClass := r.Header.Get(headerStorageClass)

	var partNumbers []int
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&partNumbers); err != nil {
		xmlutil.WriteJSONError(w, s3err.ErrMalformedXML)
		return
	}

	loc, err := h.gw.CompleteMPU(r.Context(), storageClass, bucket, key, uploadID, partNumbers)
	if err != nil {
		slog.Error("backbeat completempu error", "error", err)
		writeBackbeatError(w, err)
		return
	}
	// The worker writes the final object version through the metadata route
	// in a separate call, carrying this location forward in its request
	// body; completempu's own job ends at assembling the physical object.
	if err := h.meta.AbortMultipartUpload(r.Context(), bucket, key, uploadID); err != nil {
		slog.Error("backbeat completempu cleanup error", "error", err)
	}
	xmlutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"location": loc,
	})
}

func (h *BackbeatHandler) mbdAbortMPU(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if s3Err := requireHeaders(r, headerUploadID); s3Err != nil {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}
	uploadID := r.Header.Get(headerUploadID)
	storageClass := r.Header.Get(headerStorageClass)

	if _, err := h.gw.AbortMPU(r.Context(), storageClass, bucket, key, uploadID); err != nil {
		slog.Error("backbeat abortmpu error", "error", err)
		writeBackbeatError(w, err)
		return
	}
	if err := h.meta.AbortMultipartUpload(r.Context(), bucket, key, uploadID); err != nil {
		slog.Error("backbeat abortmpu cleanup error", "error", err)
	}
	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{})
}

func (h *BackbeatHandler) mbdDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	client, _ := h.gw.Registry().Get(r.Header.Get(headerStorageClass))
	loc := h.dataLocationFromClient(client, bucket, key)
	if err := h.wrap.Delete(r.Context(), loc, bucket, key); err != nil {
		slog.Error("backbeat deleteobject error", "error", err)
		writeBackbeatError(w, err)
		return
	}
	xmlutil.WriteJSON(w, http.StatusOK, map[string]string{})
}

// writeBackbeatError renders err as a JSON error body, unwrapping an
// *s3err.S3Error when one is present in the chain and falling back to a
// generic InternalError otherwise.
func writeBackbeatError(w http.ResponseWriter, err error) {
	if s3Err, ok := asS3Error(err); ok {
		xmlutil.WriteJSONError(w, s3Err)
		return
	}
	xmlutil.WriteJSONError(w, s3err.ErrInternalError)
}

// asS3Error walks err's chain looking for an *s3err.S3Error.
func asS3Error(err error) (*s3err.S3Error, bool) {
	for err != nil {
		if s3Err, ok := err.(*s3err.S3Error); ok {
			return s3Err, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
