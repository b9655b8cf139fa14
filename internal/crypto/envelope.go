// Package crypto implements the at-rest authenticated-encryption envelope for
// sensitive fields. Key material is resolved through an external provider by
// (scope, version); the core never persists raw keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coinblend/mixcore/internal/mixerr"
)

// DataType tags the field category an envelope protects. Each category is
// encrypted under its own key scope.
type DataType string

const (
	DataIPAddress    DataType = "IP_ADDRESS"
	DataUserMetadata DataType = "USER_METADATA"
	DataNotes        DataType = "NOTES"
	DataAuditDetails DataType = "AUDIT_DETAILS"
	DataKeyReference DataType = "PRIVATE_KEY_REFERENCE"
)

// AlgorithmAESGCM is the only algorithm the envelope currently carries.
const AlgorithmAESGCM = "AES-256-GCM"

const (
	ivSize  = 12 // 96-bit nonce
	tagSize = 16 // 128-bit GCM tag
)

// Envelope is the serialised form of one encrypted field.
type Envelope struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	IV         []byte    `json:"iv"`
	Ciphertext []byte    `json:"ciphertext"`
	Tag        []byte    `json:"tag"`
	DataType   DataType  `json:"data_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Marshal encodes the envelope for column storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a stored envelope blob.
func UnmarshalEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, mixerr.Crypto("malformed envelope", err)
	}
	if e.Algorithm != AlgorithmAESGCM {
		return nil, mixerr.Crypto("unsupported envelope algorithm", nil).
			WithDetail("algorithm", e.Algorithm)
	}
	return &e, nil
}

// KeyProvider resolves 32-byte scope keys by version. The production
// implementation fronts the external key store; tests use the in-memory one.
type KeyProvider interface {
	CurrentVersion(scope DataType) (int, error)
	ScopeKey(scope DataType, version int) ([]byte, error)
}

// Codec encrypts and decrypts envelopes against a KeyProvider.
type Codec struct {
	keys KeyProvider
}

// NewCodec creates a Codec.
func NewCodec(keys KeyProvider) *Codec {
	return &Codec{keys: keys}
}

func aad(scope DataType, version int) []byte {
	return []byte(fmt.Sprintf("%s:%d", scope, version))
}

// Encrypt wraps plaintext under the current key version of the scope.
func (c *Codec) Encrypt(scope DataType, plaintext []byte) (*Envelope, error) {
	version, err := c.keys.CurrentVersion(scope)
	if err != nil {
		return nil, mixerr.Crypto("resolve key version", err)
	}
	key, err := c.keys.ScopeKey(scope, version)
	if err != nil {
		return nil, mixerr.Crypto("resolve scope key", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, mixerr.Crypto("new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, mixerr.Crypto("new gcm", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, mixerr.Crypto("read nonce", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, aad(scope, version))
	split := len(sealed) - tagSize

	return &Envelope{
		Version:    version,
		Algorithm:  AlgorithmAESGCM,
		IV:         iv,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		DataType:   scope,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Decrypt opens an envelope. A MAC mismatch or missing key version fails
// closed with a crypto-kind error.
func (c *Codec) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, mixerr.Crypto("nil envelope", nil)
	}
	if env.Algorithm != AlgorithmAESGCM {
		return nil, mixerr.Crypto("unsupported envelope algorithm", nil).
			WithDetail("algorithm", env.Algorithm)
	}
	if len(env.IV) != ivSize || len(env.Tag) != tagSize {
		return nil, mixerr.Crypto("malformed envelope", nil)
	}

	key, err := c.keys.ScopeKey(env.DataType, env.Version)
	if err != nil {
		return nil, mixerr.Crypto("resolve scope key", err).
			WithDetail("version", env.Version)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, mixerr.Crypto("new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, mixerr.Crypto("new gcm", err)
	}

	sealed := append(append([]byte{}, env.Ciphertext...), env.Tag...)
	plaintext, err := aead.Open(nil, env.IV, sealed, aad(env.DataType, env.Version))
	if err != nil {
		return nil, mixerr.Crypto("decrypt", err)
	}
	return plaintext, nil
}

// NeedsReencryption reports whether the envelope's key version is older than
// the scope's current epoch.
func (c *Codec) NeedsReencryption(env *Envelope) (bool, error) {
	current, err := c.keys.CurrentVersion(env.DataType)
	if err != nil {
		return false, mixerr.Crypto("resolve key version", err)
	}
	return env.Version < current, nil
}

// Reencrypt re-wraps the envelope under the scope's current key version.
func (c *Codec) Reencrypt(env *Envelope) (*Envelope, error) {
	plaintext, err := c.Decrypt(env)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(env.DataType, plaintext)
}
