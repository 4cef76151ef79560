// Package datawrapper implements the Data Wrapper (C5): the layer between
// the replication/object handlers and the Multi-Backend Gateway that owns
// content integrity (MD5-while-writing, Content-MD5 verification) and
// transparent server-side encryption, so no handler has to know whether the
// bytes it is pushing through the gateway are enciphered.
package datawrapper

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/gateway"
	"github.com/bleepstore/bleepstore/internal/kms"
	"github.com/bleepstore/bleepstore/internal/metadata"
)

// batchDeleteConcurrency bounds how many locations a single BatchDelete call
// deletes at once.
const batchDeleteConcurrency = 5

// deleteRetries is the total number of attempts Delete makes before giving
// up, including the first.
const deleteRetries = 3

// Wrapper sits in front of a Gateway, adding content-integrity checking and
// encryption to every write and read that passes through it.
type Wrapper struct {
	gw   *gateway.Gateway
	keys kms.KeyManager
}

// New returns a Wrapper dispatching data operations through gw, using keys
// to cipher object bodies for buckets with server-side encryption enabled.
func New(gw *gateway.Gateway, keys kms.KeyManager) *Wrapper {
	return &Wrapper{gw: gw, keys: keys}
}

// Keys returns the KeyManager this Wrapper ciphers object bodies with, so
// callers that provision or destroy bucket-level master keys (bucket
// creation, the bucket-deletion coordinator) can share the same manager
// instance rather than being handed a second one.
func (w *Wrapper) Keys() kms.KeyManager {
	return w.keys
}

// PutRequest carries everything Put needs to know about one object write.
type PutRequest struct {
	DataStoreName string
	Bucket        string
	Key           string
	Body          io.Reader
	Size          int64
	// ContentMD5 is the base64-encoded digest the client asserted, if any.
	// An empty string skips the comparison.
	ContentMD5 string
	// MasterKeyID, when non-empty, ciphers the body under this bucket's
	// master key before it reaches the gateway.
	MasterKeyID string
}

// Put streams body through an MD5 tee (and, when MasterKeyID is set, a
// cipher stream) on its way to the gateway. When the caller supplied a
// Content-MD5 that does not match what was actually written, Put schedules
// a best-effort compensating delete of the data it just wrote and returns
// errors.ErrBadDigest; the caller must not persist a metadata record for a
// write that returns this error.
func (w *Wrapper) Put(ctx context.Context, req PutRequest) (metadata.DataLocation, int64, error) {
	// The digest covers the plaintext the client sent, before any ciphering.
	h := md5.New()
	body := io.TeeReader(req.Body, h)
	var cipherInfo kms.CipherInfo
	ciphered := req.MasterKeyID != ""
	if ciphered {
		encReader, info, err := w.keys.CipherBundle(ctx, req.MasterKeyID, nil, body)
		if err != nil {
			return metadata.DataLocation{}, 0, fmt.Errorf("ciphering object body: %w", err)
		}
		body = encReader
		cipherInfo = info
	}

	loc, written, err := w.gw.Put(ctx, req.DataStoreName, req.Bucket, req.Key, body, req.Size)
	if err != nil {
		return metadata.DataLocation{}, 0, err
	}
	if ciphered {
		loc.CipheredDataKey = cipherInfo.CipheredDataKey
		loc.CryptoScheme = cipherInfo.CryptoScheme
		loc.MasterKeyID = cipherInfo.MasterKeyID
	}

	if req.ContentMD5 != "" {
		asserted, err := base64.StdEncoding.DecodeString(req.ContentMD5)
		if err != nil {
			return metadata.DataLocation{}, 0, fmt.Errorf("%s: %w", "decoding Content-MD5", errors.ErrInvalidDigest)
		}
		if !bytes.Equal(asserted, h.Sum(nil)) {
			w.scheduleCompensatingDelete(loc, req.Bucket, req.Key)
			return metadata.DataLocation{}, 0, errors.ErrBadDigest
		}
	}

	return loc, written, nil
}

// scheduleCompensatingDelete runs Delete in the background, detached from
// the request context, since the caller is about to return an error to the
// client and should not wait on cleanup before doing so.
func (w *Wrapper) scheduleCompensatingDelete(loc metadata.DataLocation, bucket, key string) {
	go func() {
		_ = w.Delete(context.Background(), loc, bucket, key)
	}()
}

// Get streams object data back through the gateway, deciphering it first
// if loc carries a CipheredDataKey.
func (w *Wrapper) Get(ctx context.Context, loc metadata.DataLocation, bucket, key string) (io.ReadCloser, int64, string, error) {
	r, size, etag, err := w.gw.Get(ctx, loc, bucket, key)
	if err != nil {
		return nil, 0, "", err
	}
	if loc.CipheredDataKey == "" {
		return r, size, etag, nil
	}

	info := kms.CipherInfo{CipheredDataKey: loc.CipheredDataKey, CryptoScheme: loc.CryptoScheme, MasterKeyID: loc.MasterKeyID}
	decReader, _, err := w.keys.CipherBundle(ctx, loc.MasterKeyID, &info, r)
	if err != nil {
		r.Close()
		return nil, 0, "", fmt.Errorf("deciphering object body: %w", err)
	}
	return &decipheredBody{Reader: decReader, closer: r}, size, etag, nil
}

// decipheredBody pairs a deciphering io.Reader with the underlying
// transport's Close, since cipher.StreamReader itself implements no Close.
type decipheredBody struct {
	io.Reader
	closer io.Closer
}

func (d *decipheredBody) Close() error { return d.closer.Close() }

// Delete removes the data at loc, retrying up to deleteRetries total
// attempts before giving up. Deletes are idempotent at every backend this
// gateway wires in, so a retry loop rather than a single best-effort
// attempt is worth the extra round trips on a backend hiccup.
func (w *Wrapper) Delete(ctx context.Context, loc metadata.DataLocation, bucket, key string) error {
	var lastErr error
	for attempt := 1; attempt <= deleteRetries; attempt++ {
		if err := w.gw.Delete(ctx, loc, bucket, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("deleting %s/%s after %d attempts: %w", bucket, key, deleteRetries, lastErr)
}

// DeleteRequest describes one location to remove as part of a batch,
// optionally naming the location that superseded it so BatchDelete can
// apply the overwrite-skip policy.
type DeleteRequest struct {
	Bucket string
	Key    string
	Old    metadata.DataLocation
	// New is the location an overwrite just wrote, or nil for a genuine
	// delete with nothing superseding it.
	New *metadata.DataLocation
}

// BatchDelete removes every DeleteRequest's Old location, up to
// batchDeleteConcurrency at a time. A request whose New location names the
// exact same backend and native key as Old is skipped: the "overwrite" was
// actually an in-place rewrite, and deleting Old would delete the data New
// just wrote.
func (w *Wrapper) BatchDelete(ctx context.Context, reqs []DeleteRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchDeleteConcurrency)

	for _, req := range reqs {
		req := req
		if overwroteInPlace(req) {
			continue
		}
		g.Go(func() error {
			return w.Delete(ctx, req.Old, req.Bucket, req.Key)
		})
	}
	return g.Wait()
}

func overwroteInPlace(req DeleteRequest) bool {
	return req.New != nil &&
		req.New.DataStoreName == req.Old.DataStoreName &&
		req.New.DataStoreKey == req.Old.DataStoreKey
}
