// Package keystore abstracts the external key-material backend. The core
// holds opaque handles only; signing and scope-key resolution happen behind
// this interface so a Vault or HSM binding can replace the in-memory
// implementation without touching callers.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/mixerr"
)

// Signing algorithms the store provisions.
const (
	AlgorithmECDSA   = "ecdsa-p256"
	AlgorithmEd25519 = "ed25519"
)

// KeyStore is the capability set the core consumes.
type KeyStore interface {
	// CreateKey provisions a signing key and returns its opaque handle.
	CreateKey(ctx context.Context, algorithm string) (string, error)
	// PublicKey returns the raw public key behind handle (32 bytes for
	// ed25519, uncompressed point for ECDSA).
	PublicKey(ctx context.Context, handle string) ([]byte, error)
	// Sign signs payload with the key behind handle.
	Sign(ctx context.Context, handle string, payload []byte) ([]byte, error)
	// Rotate advances the key version of an envelope scope.
	Rotate(ctx context.Context, scope crypto.DataType) (int, error)
	// Revoke retires a signing key. Backends without revocation treat this
	// as a no-op.
	Revoke(ctx context.Context, handle string) error

	crypto.KeyProvider
}

type signingKey struct {
	algorithm string
	ecdsaKey  *ecdsa.PrivateKey
	edKey     ed25519.PrivateKey
	revoked   bool
}

// InMemory is a process-local KeyStore. Scope keys are derived from a master
// key by HMAC over (scope, version), so rotation never requires storing more
// than one secret.
type InMemory struct {
	mu       sync.RWMutex
	master   []byte
	keys     map[string]*signingKey
	versions map[crypto.DataType]int
}

// NewInMemory creates an in-memory key store from a hex-encoded 32-byte
// master key.
func NewInMemory(masterKeyHex string) (*InMemory, error) {
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(master) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(master))
	}
	return &InMemory{
		master:   master,
		keys:     make(map[string]*signingKey),
		versions: make(map[crypto.DataType]int),
	}, nil
}

// NewInMemoryRandom creates an in-memory key store with a random master key.
// Tests use this.
func NewInMemoryRandom() *InMemory {
	master := make([]byte, 32)
	_, _ = rand.Read(master)
	return &InMemory{
		master:   master,
		keys:     make(map[string]*signingKey),
		versions: make(map[crypto.DataType]int),
	}
}

// CreateKey provisions a fresh signing key and returns its handle.
func (s *InMemory) CreateKey(ctx context.Context, algorithm string) (string, error) {
	key := &signingKey{algorithm: algorithm}
	switch algorithm {
	case AlgorithmECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", mixerr.Crypto("generate key", err)
		}
		key.ecdsaKey = priv
	case AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", mixerr.Crypto("generate key", err)
		}
		key.edKey = priv
	default:
		return "", mixerr.Validation("unsupported key algorithm").WithDetail("algorithm", algorithm)
	}

	handle := "mem:" + uuid.NewString()
	s.mu.Lock()
	s.keys[handle] = key
	s.mu.Unlock()
	return handle, nil
}

func (s *InMemory) lookup(handle string) (*signingKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[handle]
	if !ok {
		return nil, mixerr.NotFound("key", handle)
	}
	return key, nil
}

// PublicKey returns the raw public key behind handle.
func (s *InMemory) PublicKey(ctx context.Context, handle string) ([]byte, error) {
	key, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	switch key.algorithm {
	case AlgorithmECDSA:
		return elliptic.Marshal(elliptic.P256(), key.ecdsaKey.PublicKey.X, key.ecdsaKey.PublicKey.Y), nil
	case AlgorithmEd25519:
		pub := key.edKey.Public().(ed25519.PublicKey)
		return []byte(pub), nil
	}
	return nil, mixerr.Crypto("unknown key algorithm", nil)
}

// Sign signs the payload with the key behind handle. ECDSA keys sign the
// SHA-256 digest; ed25519 keys sign the raw payload.
func (s *InMemory) Sign(ctx context.Context, handle string, payload []byte) ([]byte, error) {
	key, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	if key.revoked {
		return nil, mixerr.Crypto("key revoked", nil).WithDetail("handle", handle)
	}
	switch key.algorithm {
	case AlgorithmECDSA:
		digest := sha256.Sum256(payload)
		sig, err := ecdsa.SignASN1(rand.Reader, key.ecdsaKey, digest[:])
		if err != nil {
			return nil, mixerr.Crypto("sign", err)
		}
		return sig, nil
	case AlgorithmEd25519:
		return ed25519.Sign(key.edKey, payload), nil
	}
	return nil, mixerr.Crypto("unknown key algorithm", nil)
}

// Rotate advances the scope's key version and returns the new version.
func (s *InMemory) Rotate(ctx context.Context, scope crypto.DataType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[scope]++
	return s.versions[scope], nil
}

// Revoke retires a signing key.
func (s *InMemory) Revoke(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[handle]
	if !ok {
		return mixerr.NotFound("key", handle)
	}
	key.revoked = true
	return nil
}

// CurrentVersion returns the scope's active key version.
func (s *InMemory) CurrentVersion(scope crypto.DataType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[scope], nil
}

// ScopeKey derives the 32-byte key for (scope, version).
func (s *InMemory) ScopeKey(scope crypto.DataType, version int) ([]byte, error) {
	s.mu.RLock()
	current := s.versions[scope]
	s.mu.RUnlock()
	if version > current {
		return nil, mixerr.Crypto("unknown key version", nil).
			WithDetail("scope", string(scope)).WithDetail("version", version)
	}
	mac := hmac.New(sha256.New, s.master)
	fmt.Fprintf(mac, "%s\x00%d", scope, version)
	return mac.Sum(nil), nil
}
