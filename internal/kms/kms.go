// Package kms provides the master-key seam server-side encryption and the
// bucket-deletion coordinator need, without depending on any particular key
// management service.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// CipherInfo carries everything a Data Wrapper needs to encrypt or decrypt
// one object's body under a bucket's master key.
type CipherInfo struct {
	// CipheredDataKey is the per-object data key, wrapped under the bucket's
	// master key, as stored on ObjectRecord.Location.CipheredDataKey.
	CipheredDataKey string
	// CryptoScheme identifies the wrapping scheme version.
	CryptoScheme int
	// MasterKeyID identifies which master key wrapped CipheredDataKey.
	MasterKeyID string
}

// KeyManager creates, destroys, and uses per-bucket master keys for
// server-side encryption. Implementations need not talk to a real KMS; the
// in-process MemoryKeyManager below is sufficient for every operation this
// gateway performs locally.
type KeyManager interface {
	// CreateBucketKey provisions a new master key for a bucket and returns
	// its identifier, stored as BucketRecord.SSEMasterKeyID.
	CreateBucketKey(ctx context.Context, bucket string) (masterKeyID string, err error)

	// DestroyBucketKey destroys the master key identified by masterKeyID.
	// Called by the bucket-deletion coordinator's finalise stage; must
	// tolerate being called on an already-destroyed key.
	DestroyBucketKey(ctx context.Context, masterKeyID string) error

	// CipherBundle wraps a fresh per-object data key under masterKeyID and
	// returns a stream that encrypts plaintext read from r, plus the
	// CipherInfo needed to decrypt it later. Decryption is symmetric: call
	// CipherBundle again with the same masterKeyID and the stored
	// CipheredDataKey to get a decrypting reader instead.
	CipherBundle(ctx context.Context, masterKeyID string, existing *CipherInfo, r io.Reader) (io.Reader, CipherInfo, error)
}

const cryptoSchemeAES256GCMCTR = 1

// MemoryKeyManager is an in-process KeyManager backed by AES-256 keys held
// in memory. Master keys do not survive a process restart; this is the
// minimal seam C5/C7 need to be exercisable, not a production KMS client.
type MemoryKeyManager struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryKeyManager returns an empty in-process key manager.
func NewMemoryKeyManager() *MemoryKeyManager {
	return &MemoryKeyManager{keys: make(map[string][]byte)}
}

func (m *MemoryKeyManager) CreateBucketKey(ctx context.Context, bucket string) (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}

	id := "mk-" + uid.New()
	m.mu.Lock()
	m.keys[id] = key
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryKeyManager) DestroyBucketKey(ctx context.Context, masterKeyID string) error {
	m.mu.Lock()
	delete(m.keys, masterKeyID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKeyManager) CipherBundle(ctx context.Context, masterKeyID string, existing *CipherInfo, r io.Reader) (io.Reader, CipherInfo, error) {
	m.mu.Lock()
	masterKey, ok := m.keys[masterKeyID]
	m.mu.Unlock()
	if !ok {
		return nil, CipherInfo{}, fmt.Errorf("unknown master key %q", masterKeyID)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, CipherInfo{}, fmt.Errorf("building AES cipher: %w", err)
	}

	var dataKey []byte
	var info CipherInfo
	if existing != nil && existing.CipheredDataKey != "" {
		// Decrypt path: unwrap the stored per-object data key.
		dataKey, err = unwrapDataKey(block, existing.CipheredDataKey)
		if err != nil {
			return nil, CipherInfo{}, err
		}
		info = *existing
	} else {
		// Encrypt path: generate and wrap a fresh per-object data key.
		dataKey = make([]byte, 32)
		if _, err := rand.Read(dataKey); err != nil {
			return nil, CipherInfo{}, fmt.Errorf("generating data key: %w", err)
		}
		wrapped, err := wrapDataKey(block, dataKey)
		if err != nil {
			return nil, CipherInfo{}, err
		}
		info = CipherInfo{
			CipheredDataKey: wrapped,
			CryptoScheme:    cryptoSchemeAES256GCMCTR,
			MasterKeyID:     masterKeyID,
		}
	}

	dataBlock, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, CipherInfo{}, fmt.Errorf("building data cipher: %w", err)
	}

	// A fixed all-zero IV is acceptable here only because each object uses a
	// freshly generated data key: IV reuse only matters when the key repeats.
	iv := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(dataBlock, iv)
	return &cipher.StreamReader{S: stream, R: r}, info, nil
}

func wrapDataKey(block cipher.Block, dataKey []byte) (string, error) {
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("building wrap cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating wrap nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, dataKey, nil)
	return hex.EncodeToString(sealed), nil
}

func unwrapDataKey(block cipher.Block, ciphered string) ([]byte, error) {
	sealed, err := hex.DecodeString(ciphered)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphered data key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building wrap cipher: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphered data key too short")
	}
	nonce, rest := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	dataKey, err := gcm.Open(nil, nonce, rest, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	return dataKey, nil
}
